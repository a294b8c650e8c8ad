// Package docstore is a thin client over the shared CouchDB-like
// document store: plain GET/PUT/DELETE by id, _bulk_docs, _find,
// _all_docs range scans, and the _changes feed. Every subsystem
// (crawler, watcher, replication engine, FUSE server) reads and
// writes through this client rather than talking HTTP directly.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/circuit"
	"github.com/mheily/mosaicfs/pkg/errors"
	"github.com/mheily/mosaicfs/pkg/retry"
)

// Config configures a Client's connection to the document store.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a document-store HTTP client guarded by a circuit breaker
// (as the storage backends are) and a retry policy.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	logger  *slog.Logger
}

// New builds a Client for the document store at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.NewCircuitBreaker("docstore", circuit.Config{}),
		retryer: retry.New(retry.DefaultConfig()),
		logger:  logger,
	}
}

// Rev is the minimal shape every document carries for conflict detection.
type Rev struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`
}

// FindResponse is the body of a _find query.
type FindResponse struct {
	Docs []json.RawMessage `json:"docs"`
}

// BulkResult is one element of a _bulk_docs response.
type BulkResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Change is one entry of the _changes feed.
type Change struct {
	Seq     string          `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

// ChangesResponse is the body of a _changes poll.
type ChangesResponse struct {
	Results []Change `json:"results"`
	LastSeq string   `json:"last_seq"`
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.New(errors.InvalidInput, "marshal request body").WithCause(err)
		}
		reqBody = bytes.NewReader(data)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
		if err != nil {
			return errors.New(errors.Internal, "build request").WithCause(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Username != "" {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			derr := errors.New(errors.Transport, err.Error()).WithOperation(method + " " + path).WithCause(err)
			derr.Retryable = errors.IsTransportMessage(err.Error())
			return derr
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.New(errors.Transport, "read response body").WithCause(err)
		}

		if resp.StatusCode == http.StatusNotFound {
			return errors.New(errors.NotFound, "document not found").WithPath(path)
		}
		if resp.StatusCode == http.StatusConflict {
			return errors.New(errors.Conflict, "revision conflict").WithPath(path)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return errors.New(errors.Unauthorized, "document store rejected credentials")
		}
		if resp.StatusCode >= 500 {
			derr := errors.New(errors.Transport, fmt.Sprintf("document store returned %d", resp.StatusCode)).WithPath(path)
			derr.Retryable = true
			return derr
		}
		if resp.StatusCode >= 400 {
			return errors.New(errors.InvalidInput, fmt.Sprintf("document store returned %d: %s", resp.StatusCode, data)).WithPath(path)
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return errors.New(errors.Internal, "decode response body").WithCause(err)
			}
		}
		return nil
	}

	return c.breaker.Execute(func() error {
		return c.retryer.DoWithContext(ctx, func(ctx context.Context) error { return op() })
	})
}

// Get fetches a document by id into out.
func (c *Client) Get(ctx context.Context, id string, out interface{}) error {
	return c.do(ctx, http.MethodGet, id, nil, out)
}

// Put creates or updates a document, returning its new revision.
func (c *Client) Put(ctx context.Context, id string, doc interface{}) (string, error) {
	var result struct {
		Rev string `json:"rev"`
	}
	if err := c.do(ctx, http.MethodPut, id, doc, &result); err != nil {
		return "", err
	}
	return result.Rev, nil
}

// Delete removes a document at the given revision.
func (c *Client) Delete(ctx context.Context, id, rev string) error {
	path := id + "?rev=" + url.QueryEscape(rev)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// BulkDocs writes many documents in a single request.
func (c *Client) BulkDocs(ctx context.Context, docs []interface{}) ([]BulkResult, error) {
	var results []BulkResult
	body := map[string]interface{}{"docs": docs}
	if err := c.do(ctx, http.MethodPost, "_bulk_docs", body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Find runs a Mango-style selector query.
func (c *Client) Find(ctx context.Context, selector map[string]interface{}) (*FindResponse, error) {
	var resp FindResponse
	body := map[string]interface{}{"selector": selector}
	if err := c.do(ctx, http.MethodPost, "_find", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AllDocsByPrefix lists documents whose id falls in [prefix, prefix+"￰").
func (c *Client) AllDocsByPrefix(ctx context.Context, prefix string) (*FindResponse, error) {
	path := fmt.Sprintf("_all_docs?include_docs=true&startkey=%q&endkey=%q",
		prefix, prefix+"￰")
	var raw struct {
		Rows []struct {
			Doc json.RawMessage `json:"doc"`
		} `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	resp := &FindResponse{}
	for _, row := range raw.Rows {
		resp.Docs = append(resp.Docs, row.Doc)
	}
	return resp, nil
}

// Changes polls the change feed starting after since.
func (c *Client) Changes(ctx context.Context, since string, limit int) (*ChangesResponse, error) {
	path := fmt.Sprintf("_changes?include_docs=true&since=%s&limit=%d", url.QueryEscape(since), limit)
	var resp ChangesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
