package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mheily/mosaicfs/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	var out map[string]interface{}
	err := client.Get(context.Background(), "file::abc", &out)

	require.Error(t, err)
	var domErr *errors.Error
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, errors.NotFound, domErr.Kind)
}

func TestPutSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": "1-abc"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	rev, err := client.Put(context.Background(), "file::abc", map[string]string{"name": "report.pdf"})

	require.NoError(t, err)
	assert.Equal(t, "1-abc", rev)
}

func TestPutConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	_, err := client.Put(context.Background(), "file::abc", map[string]string{"name": "x"})

	require.Error(t, err)
	var domErr *errors.Error
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, errors.Conflict, domErr.Kind)
}

func TestBulkDocs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]BulkResult{
			{ID: "file::a", Rev: "1-x", OK: true},
			{ID: "file::b", Error: "conflict"},
		})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	results, err := client.BulkDocs(context.Background(), []interface{}{
		map[string]string{"_id": "file::a"},
		map[string]string{"_id": "file::b"},
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, "conflict", results[1].Error)
}

func TestFind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(FindResponse{
			Docs: []json.RawMessage{json.RawMessage(`{"_id":"file::a"}`)},
		})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	resp, err := client.Find(context.Background(), map[string]interface{}{"type": "file"})

	require.NoError(t, err)
	require.Len(t, resp.Docs, 1)
}

func TestChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChangesResponse{
			Results: []Change{{Seq: "2", ID: "file::a"}},
			LastSeq: "2",
		})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	resp, err := client.Changes(context.Background(), "0", 200)

	require.NoError(t, err)
	assert.Equal(t, "2", resp.LastSeq)
	require.Len(t, resp.Results, 1)
}

func TestServerErrorIsRetryable(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"_id": "file::a"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil)
	client.retryer = client.retryer.WithInitialDelay(0).WithMaxAttempts(3)

	var out map[string]interface{}
	err := client.Get(context.Background(), "file::a", &out)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
