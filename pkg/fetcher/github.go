// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
)

var commitLinkRe = regexp.MustCompile(`href="/[^"]+/commit/([0-9a-f]{40})"`)

// CommitResolver maps a dstack release tag to the git commit it was built
// from by scraping the GitHub release page. Releases are immutable, the
// cache mostly spares us the scrape.
type CommitResolver struct {
	releaseURL string
	client     *resty.Client
	cache      *gocache.Cache
}

// NewCommitResolver returns a resolver for the given repository, e.g.
// "Dstack-TEE/dstack".
func NewCommitResolver(repo string) *CommitResolver {
	return &CommitResolver{
		releaseURL: fmt.Sprintf("https://github.com/%s/releases/tag", repo),
		client:     resty.New().SetTimeout(defaultFetchTimeout),
		cache:      gocache.New(10*time.Minute, 20*time.Minute),
	}
}

// Resolve returns the 40-hex commit for a release tag such as "v0.5.3".
func (r *CommitResolver) Resolve(ctx context.Context, tag string) (string, error) {
	if cached, ok := r.cache.Get(tag); ok {
		return cached.(string), nil
	}

	resp, err := r.client.R().
		SetContext(ctx).
		Get(r.releaseURL + "/" + tag)
	if err != nil {
		return "", fmt.Errorf("fetch release page for %s: %w", tag, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch release page for %s: status %d", tag, resp.StatusCode())
	}

	m := commitLinkRe.FindSubmatch(resp.Body())
	if m == nil {
		return "", fmt.Errorf("no commit link on release page for %s", tag)
	}
	commit := string(m[1])
	r.cache.Set(tag, commit, gocache.DefaultExpiration)
	return commit, nil
}
