// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

const (
	imageEnsureTimeout = 10 * time.Minute
	imageMaxRetries    = 3
	lockStaleAfter     = 30 * time.Minute
	lockPollInterval   = 2 * time.Second
)

// ImageRepository materializes OS images on disk. Images are content-
// addressed by folder name; an image already extracted is reused as is.
// Concurrent ensures of the same image inside the process share one
// download, and a lock file keeps other processes out of the cache entry.
type ImageRepository struct {
	baseURL  string
	cacheDir string
	client   *http.Client
	flight   singleflight.Group
}

// NewImageRepository returns a repository downloading from baseURL into
// cacheDir.
func NewImageRepository(baseURL, cacheDir string) *ImageRepository {
	return &ImageRepository{
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: imageEnsureTimeout},
	}
}

// Ensure makes sure the named image exists extracted under the cache dir
// and returns its directory.
func (r *ImageRepository) Ensure(ctx context.Context, name string) (string, error) {
	if err := validImageName(name); err != nil {
		return "", err
	}

	v, err, _ := r.flight.Do(name, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, imageEnsureTimeout)
		defer cancel()
		return r.ensure(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *ImageRepository) ensure(ctx context.Context, name string) (string, error) {
	dir := filepath.Join(r.cacheDir, name)
	if imageComplete(dir) {
		return dir, nil
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create image cache dir: %w", err)
	}

	unlock, err := r.acquireLock(ctx, dir+".lock")
	if err != nil {
		return "", err
	}
	defer unlock()

	// Another process may have finished while we waited for the lock.
	if imageComplete(dir) {
		return dir, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), imageMaxRetries-1), ctx)
	err = backoff.Retry(func() error {
		if err := r.downloadAndExtract(ctx, name, dir); err != nil {
			log.Warnf("image %s download failed, will retry: %v", name, err)
			os.RemoveAll(dir)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return "", fmt.Errorf("ensure image %s: %w", name, err)
	}

	if !imageComplete(dir) {
		os.RemoveAll(dir)
		return "", fmt.Errorf("image %s is missing metadata.json after extraction", name)
	}
	return dir, nil
}

func (r *ImageRepository) downloadAndExtract(ctx context.Context, name, dir string) error {
	url := fmt.Sprintf("%s/%s.tar.gz", r.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return extractTarGz(resp.Body, dir)
}

// acquireLock creates dir.lock exclusively, waiting for a holder to
// release it. A lock older than 30 minutes is treated as abandoned by a
// crashed process and broken.
func (r *ImageRepository) acquireLock(ctx context.Context, lockPath string) (func(), error) {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
		}

		if fi, statErr := os.Stat(lockPath); statErr == nil && time.Since(fi.ModTime()) > lockStaleAfter {
			log.Warnf("breaking stale image lock %s (age %s)", lockPath, time.Since(fi.ModTime()).Truncate(time.Second))
			os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func imageComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "metadata.json"))
	return err == nil
}

func validImageName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid image name %q", name)
	}
	return nil
}

func extractTarGz(src io.Reader, dir string) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// symlinks and the rest have no business in an image tarball
		}
	}
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("tar entry %q escapes extraction dir", name)
	}
	return target, nil
}
