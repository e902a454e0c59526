// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestEnsureDownloadsAndExtracts(t *testing.T) {
	tarball := imageTarball(t, map[string]string{
		"metadata.json": `{"version":"0.5.3"}`,
		"rootfs.img":    "disk",
	})
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/dstack-0.5.3.tar.gz", r.URL.Path)
		w.Write(tarball)
	}))
	defer srv.Close()

	repo := NewImageRepository(srv.URL, t.TempDir())
	dir, err := repo.Ensure(context.Background(), "dstack-0.5.3")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"0.5.3"}`, string(data))

	// Second ensure hits the extracted copy.
	_, err = repo.Ensure(context.Background(), "dstack-0.5.3")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEnsureDedupesConcurrentCalls(t *testing.T) {
	tarball := imageTarball(t, map[string]string{"metadata.json": "{}"})
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write(tarball)
	}))
	defer srv.Close()

	repo := NewImageRepository(srv.URL, t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Ensure(context.Background(), "dstack-0.5.3")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestEnsureRetriesFailedDownloads(t *testing.T) {
	tarball := imageTarball(t, map[string]string{"metadata.json": "{}"})
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(tarball)
	}))
	defer srv.Close()

	repo := NewImageRepository(srv.URL, t.TempDir())
	_, err := repo.Ensure(context.Background(), "dstack-0.5.3")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestEnsureRejectsMissingMetadata(t *testing.T) {
	tarball := imageTarball(t, map[string]string{"rootfs.img": "disk"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	repo := NewImageRepository(srv.URL, cacheDir)
	_, err := repo.Ensure(context.Background(), "broken-image")
	require.Error(t, err)

	// Partial extraction is cleaned up.
	_, statErr := os.Stat(filepath.Join(cacheDir, "broken-image"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureBreaksStaleLock(t *testing.T) {
	tarball := imageTarball(t, map[string]string{"metadata.json": "{}"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	lockPath := filepath.Join(cacheDir, "dstack-0.5.3.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("1"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	repo := NewImageRepository(srv.URL, cacheDir)
	_, err := repo.Ensure(context.Background(), "dstack-0.5.3")
	require.NoError(t, err)
}

func TestEnsureRejectsTraversalNames(t *testing.T) {
	repo := NewImageRepository("http://unused", t.TempDir())
	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		_, err := repo.Ensure(context.Background(), name)
		assert.Error(t, err, name)
	}
}
