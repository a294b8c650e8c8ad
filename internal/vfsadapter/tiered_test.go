package vfsadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheily/mosaicfs/internal/blockmap"
	"github.com/mheily/mosaicfs/internal/cache"
	"github.com/mheily/mosaicfs/internal/tiered"
	"github.com/mheily/mosaicfs/pkg/errors"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(t.TempDir(), 1<<30, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAgentFetcher_FetchInstallsBytesIntoCache(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Query().Get("path")
		_, _ = w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	f := &AgentFetcher{Cache: newTestCache(t)}
	fetch := tiered.FetchInfo{
		FileID:           "file::abc",
		NodeID:           "node-b",
		TransferEndpoint: srv.URL,
		ExportPath:       "/export/doc.pdf",
		AgentToken:       "tok-xyz",
		Size:             14,
	}

	path, err := f.Fetch(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-xyz", gotAuth)
	assert.Equal(t, "/export/doc.pdf", gotPath)

	entry, ok := f.Cache.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, uint64(14), entry.SizeOnRecord)
	assert.Equal(t, path, f.Cache.EntryPath("abc"))
}

func TestAgentFetcher_FetchMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := &AgentFetcher{Cache: newTestCache(t)}
	fetch := tiered.FetchInfo{FileID: "file::abc", TransferEndpoint: srv.URL, ExportPath: "/x"}

	_, err := f.Fetch(context.Background(), fetch)
	require.Error(t, err)
	mosaicErr, ok := err.(*errors.Error)
	require.True(t, ok)
	assert.Equal(t, errors.NotFound, mosaicErr.Kind)
}

func TestAgentFetcher_FetchMapsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := &AgentFetcher{Cache: newTestCache(t)}
	fetch := tiered.FetchInfo{FileID: "file::abc", TransferEndpoint: srv.URL, ExportPath: "/x", AgentToken: "bad"}

	_, err := f.Fetch(context.Background(), fetch)
	require.Error(t, err)
	mosaicErr, ok := err.(*errors.Error)
	require.True(t, ok)
	assert.Equal(t, errors.Unauthorized, mosaicErr.Kind)
}

func TestAgentFetcher_FetchRangeRequestsPartialContent(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Range", "bytes 4-7/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("4567"))
	}))
	defer srv.Close()

	f := &AgentFetcher{Cache: newTestCache(t)}
	fetch := tiered.FetchInfo{FileID: "file::big", TransferEndpoint: srv.URL, ExportPath: "/x", Size: 16}

	data, err := f.FetchRange(context.Background(), fetch, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(data))
	assert.Contains(t, gotQuery, "start=4")
	assert.Contains(t, gotQuery, "end=8")
}

func TestAgentFetcher_FetchRangeMapsUnsatisfiableRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	f := &AgentFetcher{Cache: newTestCache(t)}
	fetch := tiered.FetchInfo{FileID: "file::big", TransferEndpoint: srv.URL, ExportPath: "/x", Size: 16}

	_, err := f.FetchRange(context.Background(), fetch, 100, 200)
	require.Error(t, err)
	mosaicErr, ok := err.(*errors.Error)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidInput, mosaicErr.Kind)
}

func TestCacheAdapter_BlockModeDelegation(t *testing.T) {
	c := newTestCache(t)
	adapter := NewCacheAdapter(c)

	path, err := adapter.EnsureBlockEntry("uuid-1", "file::uuid-1", time.Now().UTC(), 64, 16, "remote:node-b")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	require.NoError(t, adapter.WriteRange("uuid-1", 0, []byte("present!")))

	bm, ok := adapter.BlockMapFor("uuid-1")
	require.True(t, ok)
	assert.True(t, bm.RangePresent(blockmap.Range{Start: 0, End: 8}))
}

func TestTrimTrailingSlash(t *testing.T) {
	assert.Equal(t, "http://host:9092", trimTrailingSlash("http://host:9092/"))
	assert.Equal(t, "http://host:9092", trimTrailingSlash("http://host:9092"))
	assert.Equal(t, "", trimTrailingSlash("///"))
}
