// Package changefeed polls the document store's _changes feed and
// dispatches each change to the in-process caches and notification
// helpers it affects: materialized label sets, the access
// cache, readdir's directory TTL cache, and persistent-conflict
// alerts.
package changefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/notify"
)

// LabelRebuilder rebuilds a file's materialized label set after a
// label_assignment or label_rule document changes.
type LabelRebuilder interface {
	RebuildLabels(ctx context.Context, fileUUID string) error
}

// AccessRefresher refreshes the in-memory access-time cache entry for
// a file after its access document changes.
type AccessRefresher interface {
	RefreshAccess(ctx context.Context, fileUUID string) error
}

// DirectoryInvalidator evicts a virtual directory's cached readdir
// result after its dir:: document changes.
type DirectoryInvalidator interface {
	InvalidateDirectory(virtualPath string)
}

// rawChange is the subset of every document's shape the dispatcher
// needs before it knows the document's concrete type.
type rawChange struct {
	ID          string            `json:"_id"`
	VirtualPath string            `json:"virtual_path,omitempty"`
	FileID      string            `json:"file_id,omitempty"`
	Conflicts   []string          `json:"_conflicts,omitempty"`
	SourceNode  string            `json:"source_node_id,omitempty"`
}

// Consumer polls _changes and dispatches each entry.
type Consumer struct {
	client    *docstore.Client
	nodeID    string
	labels    LabelRebuilder
	access    AccessRefresher
	dirs      DirectoryInvalidator
	pollEvery time.Duration
	batchSize int
	logger    *slog.Logger

	lastSeq string
}

// Config collects a Consumer's construction-time dependencies.
type Config struct {
	Client       *docstore.Client
	NodeID       string
	Labels       LabelRebuilder
	Access       AccessRefresher
	Dirs         DirectoryInvalidator
	PollInterval time.Duration
	BatchSize    int
	SinceSeq     string
	Logger       *slog.Logger
}

// New builds a Consumer starting from cfg.SinceSeq (empty means the
// beginning of the feed).
func New(cfg Config) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		client:    cfg.Client,
		nodeID:    cfg.NodeID,
		labels:    cfg.Labels,
		access:    cfg.Access,
		dirs:      cfg.Dirs,
		pollEvery: cfg.PollInterval,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		lastSeq:   cfg.SinceSeq,
	}
}

// LastSeq reports the sequence token the consumer has fully processed,
// for checkpointing across restarts.
func (c *Consumer) LastSeq() string { return c.lastSeq }

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.PollOnce(ctx); err != nil {
				c.logger.Warn("changefeed poll failed", "error", err)
			}
		}
	}
}

// PollOnce fetches one batch of changes and dispatches each.
func (c *Consumer) PollOnce(ctx context.Context) error {
	resp, err := c.client.Changes(ctx, c.lastSeq, c.batchSize)
	if err != nil {
		return err
	}
	for _, ch := range resp.Results {
		if err := c.dispatch(ctx, ch.ID, ch.Doc); err != nil {
			c.logger.Warn("changefeed dispatch failed", "doc_id", ch.ID, "error", err)
		}
	}
	if resp.LastSeq != "" {
		c.lastSeq = resp.LastSeq
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, id string, raw json.RawMessage) error {
	var rc rawChange
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rc); err != nil {
			return err
		}
	}
	rc.ID = id

	if len(rc.Conflicts) > 0 {
		conditionKey := "persistent_couchdb_conflicts:" + id
		if err := notify.Upsert(ctx, c.client, c.nodeID, "changefeed", conditionKey, "warning",
			"Persistent document conflicts", "document "+id+" has unresolved revision conflicts"); err != nil {
			return err
		}
	}

	switch {
	case strings.HasPrefix(id, "label_assignment::"), strings.HasPrefix(id, "label_rule::"):
		if c.labels == nil {
			return nil
		}
		fileUUID := rc.FileID
		if fileUUID == "" {
			fileUUID = strings.TrimPrefix(id, "label_assignment::")
		}
		return c.labels.RebuildLabels(ctx, fileUUID)

	case strings.HasPrefix(id, "access::"):
		if c.access == nil {
			return nil
		}
		return c.access.RefreshAccess(ctx, strings.TrimPrefix(id, "access::"))

	case strings.HasPrefix(id, "dir::"):
		if c.dirs == nil {
			return nil
		}
		c.dirs.InvalidateDirectory(rc.VirtualPath)
		return nil
	}
	return nil
}
