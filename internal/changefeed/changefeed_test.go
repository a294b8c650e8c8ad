package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheily/mosaicfs/internal/docstore"
)

type change struct {
	Seq string
	ID  string
	Doc json.RawMessage
}

// fakeFeed serves a fixed list of changes on /_changes and a trivial
// document store for notify.Upsert's GET/PUT calls.
func fakeFeed(t *testing.T, changes []change) *docstore.Client {
	t.Helper()
	var mu sync.Mutex
	notifications := make(map[string][]byte)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_changes":
			resp := struct {
				Results []struct {
					Seq string          `json:"seq"`
					ID  string          `json:"id"`
					Doc json.RawMessage `json:"doc,omitempty"`
				} `json:"results"`
				LastSeq string `json:"last_seq"`
			}{}
			for _, c := range changes {
				resp.Results = append(resp.Results, struct {
					Seq string          `json:"seq"`
					ID  string          `json:"id"`
					Doc json.RawMessage `json:"doc,omitempty"`
				}{Seq: c.Seq, ID: c.ID, Doc: c.Doc})
			}
			if len(changes) > 0 {
				resp.LastSeq = changes[len(changes)-1].Seq
			}
			json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodGet:
			id := r.URL.Path[1:]
			data, ok := notifications[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case r.Method == http.MethodPut:
			id := r.URL.Path[1:]
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			notifications[id] = body
			json.NewEncoder(w).Encode(map[string]string{"rev": "1-x"})
		}
	}))
	t.Cleanup(srv.Close)
	return docstore.New(docstore.Config{BaseURL: srv.URL}, nil)
}

type fakeLabels struct {
	mu      sync.Mutex
	rebuilt []string
}

func (f *fakeLabels) RebuildLabels(ctx context.Context, fileUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = append(f.rebuilt, fileUUID)
	return nil
}

type fakeAccess struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *fakeAccess) RefreshAccess(ctx context.Context, fileUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, fileUUID)
	return nil
}

type fakeDirs struct {
	mu           sync.Mutex
	invalidated  []string
}

func (f *fakeDirs) InvalidateDirectory(virtualPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, virtualPath)
}

func TestDispatchRebuildsLabelsOnAssignmentChange(t *testing.T) {
	changes := []change{
		{Seq: "1", ID: "label_assignment::abc-123", Doc: json.RawMessage(`{"_id":"label_assignment::abc-123","file_id":"abc-123"}`)},
	}
	client := fakeFeed(t, changes)
	labels := &fakeLabels{}
	c := New(Config{Client: client, NodeID: "node-A", Labels: labels})

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, []string{"abc-123"}, labels.rebuilt)
	assert.Equal(t, "1", c.LastSeq())
}

func TestDispatchRefreshesAccessCache(t *testing.T) {
	changes := []change{
		{Seq: "1", ID: "access::xyz-789", Doc: json.RawMessage(`{"_id":"access::xyz-789"}`)},
	}
	client := fakeFeed(t, changes)
	access := &fakeAccess{}
	c := New(Config{Client: client, NodeID: "node-A", Access: access})

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, []string{"xyz-789"}, access.refreshed)
}

func TestDispatchInvalidatesDirectoryCache(t *testing.T) {
	changes := []change{
		{Seq: "1", ID: "dir::deadbeef", Doc: json.RawMessage(`{"_id":"dir::deadbeef","virtual_path":"/Photos"}`)},
	}
	client := fakeFeed(t, changes)
	dirs := &fakeDirs{}
	c := New(Config{Client: client, NodeID: "node-A", Dirs: dirs})

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, []string{"/Photos"}, dirs.invalidated)
}

func TestDispatchRaisesNotificationOnConflict(t *testing.T) {
	changes := []change{
		{Seq: "1", ID: "file::conflicted", Doc: json.RawMessage(`{"_id":"file::conflicted","_conflicts":["2-abc"]}`)},
	}
	client := fakeFeed(t, changes)
	c := New(Config{Client: client, NodeID: "node-A"})

	require.NoError(t, c.PollOnce(context.Background()))

	var n struct {
		Status string `json:"status"`
	}
	require.NoError(t, client.Get(context.Background(), fmt.Sprintf("notification::changefeed::persistent_couchdb_conflicts:%s", "file::conflicted"), &n))
	assert.Equal(t, "open", n.Status)
}

func TestPollOnceAdvancesSeqEvenWithNoSinks(t *testing.T) {
	changes := []change{
		{Seq: "7", ID: "file::unrelated", Doc: json.RawMessage(`{"_id":"file::unrelated"}`)},
	}
	client := fakeFeed(t, changes)
	c := New(Config{Client: client, NodeID: "node-A"})

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, "7", c.LastSeq())
}
