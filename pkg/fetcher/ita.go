// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/Phala-Network/trust-center/pkg/telemetry"
	"github.com/Phala-Network/trust-center/pkg/util/ratelimit"
)

const (
	itaDefaultURL = "https://api.trustauthority.intel.com/appraisal/v1/attest"

	itaCacheSize      = 500
	itaMaxAttempts    = 4
	itaAttemptTimeout = 15 * time.Second
	itaBaseDelay      = 250 * time.Millisecond
	itaMaxDelay       = 3 * time.Second
	itaJitter         = 120 * time.Millisecond
	itaFailureTTL     = 20 * time.Second
	itaDefaultTTL     = 10 * time.Minute
	itaMaxTTL         = 60 * time.Minute
)

type itaEntry struct {
	claims    map[string]interface{}
	err       error
	expiresAt time.Time
}

// ITAClient appraises TDX quotes through Intel Trust Authority. Responses,
// positive and negative, are cached by quote hash; concurrent appraisals of
// the same quote share a single outbound request; a global two-per-second
// budget protects the upstream.
type ITAClient struct {
	url     string
	client  *resty.Client
	cache   *lru.Cache[string, *itaEntry]
	flight  singleflight.Group
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// NewITAClient returns an appraisal client. rdb may be nil; the rate
// limiter then runs purely in-process.
func NewITAClient(rdb redis.UniversalClient) *ITAClient {
	cache, _ := lru.New[string, *itaEntry](itaCacheSize)
	return &ITAClient{
		url:     itaDefaultURL,
		client:  resty.New(),
		cache:   cache,
		limiter: ratelimit.New("ita", 2, time.Second, rdb),
		now:     time.Now,
	}
}

// SetURL overrides the appraisal endpoint.
func (c *ITAClient) SetURL(url string) {
	c.url = url
}

// cacheKey is the SHA-256 of the normalized quote hex.
func itaCacheKey(quoteHex string) string {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(quoteHex, "0x"), "0X"))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Appraise submits the quote for appraisal and returns the decoded token
// claims. A response without a token yields (nil, nil). Cached results,
// including cached failures, are returned without an outbound call.
func (c *ITAClient) Appraise(ctx context.Context, quoteHex, apiKey string) (map[string]interface{}, error) {
	key := itaCacheKey(quoteHex)

	if entry, ok := c.cache.Get(key); ok && c.now().Before(entry.expiresAt) {
		telemetry.ITARequestsTotal.WithLabelValues("cache_hit").Inc()
		return entry.claims, entry.err
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		entry := c.appraise(ctx, quoteHex, apiKey)
		c.cache.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*itaEntry)
	return entry.claims, entry.err
}

func (c *ITAClient) appraise(ctx context.Context, quoteHex, apiKey string) *itaEntry {
	quote, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(quoteHex), "0x"))
	if err != nil {
		return &itaEntry{err: fmt.Errorf("quote is not hex: %w", err), expiresAt: c.now().Add(itaFailureTTL)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return &itaEntry{err: err, expiresAt: c.now().Add(itaFailureTTL)}
	}

	token, err := c.request(ctx, quote, apiKey)
	if err != nil {
		telemetry.ITARequestsTotal.WithLabelValues("error").Inc()
		return &itaEntry{err: err, expiresAt: c.now().Add(itaFailureTTL)}
	}
	if token == "" {
		telemetry.ITARequestsTotal.WithLabelValues("no_token").Inc()
		return &itaEntry{expiresAt: c.now().Add(itaFailureTTL)}
	}

	claims, err := decodeTokenClaims(token)
	if err != nil {
		telemetry.ITARequestsTotal.WithLabelValues("bad_token").Inc()
		return &itaEntry{err: err, expiresAt: c.now().Add(itaFailureTTL)}
	}

	telemetry.ITARequestsTotal.WithLabelValues("success").Inc()
	return &itaEntry{claims: claims, expiresAt: c.now().Add(c.successTTL(claims))}
}

// successTTL derives the cache lifetime from the token's exp claim, bounded
// to [min(10m, remaining), 60m].
func (c *ITAClient) successTTL(claims map[string]interface{}) time.Duration {
	exp, ok := claims["exp"].(float64)
	if !ok {
		return itaDefaultTTL
	}
	remaining := time.Unix(int64(exp), 0).Sub(c.now())
	if remaining <= 0 {
		return itaFailureTTL
	}
	if remaining > itaMaxTTL {
		return itaMaxTTL
	}
	return remaining
}

func (c *ITAClient) request(ctx context.Context, quote []byte, apiKey string) (string, error) {
	var (
		lastErr error
		// Retry-After hint from the previous attempt; kept local so
		// concurrent appraisals of different quotes cannot cross-talk.
		retryAfter time.Duration
	)

	for attempt := 0; attempt < itaMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := itaBaseDelay << (attempt - 1)
			if delay > itaMaxDelay {
				delay = itaMaxDelay
			}
			if retryAfter > delay {
				delay = retryAfter
			}
			delay += time.Duration(rand.Int63n(int64(itaJitter)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		token, hint, retriable, err := c.attempt(ctx, quote, apiKey)
		if err == nil {
			return token, nil
		}
		lastErr = err
		retryAfter = hint
		if !retriable {
			return "", err
		}
	}
	return "", fmt.Errorf("ita appraisal failed after %d attempts: %w", itaMaxAttempts, lastErr)
}

func (c *ITAClient) attempt(ctx context.Context, quote []byte, apiKey string) (token string, retryAfter time.Duration, retriable bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, itaAttemptTimeout)
	defer cancel()

	var result struct {
		Token string `json:"token"`
	}
	resp, err := c.client.R().
		SetContext(attemptCtx).
		SetHeader("x-api-key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"quote": base64.StdEncoding.EncodeToString(quote)}).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		return "", 0, true, fmt.Errorf("ita request: %w", err)
	}

	retryAfter = retryAfterDelay(resp.Header().Get("Retry-After"))

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return "", retryAfter, true, fmt.Errorf("ita returned status %d", code)
	case resp.IsError():
		return "", retryAfter, false, fmt.Errorf("ita returned status %d", code)
	}
	return result.Token, retryAfter, false, nil
}

// decodeTokenClaims extracts the payload of an appraisal JWT without
// verifying its signature; the token is treated as data, trust comes from
// the TLS channel to ITA.
func decodeTokenClaims(token string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode ita token: %w", err)
	}
	return claims, nil
}
