package replication

import (
	"context"
	"time"

	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/internal/documents"
)

// Store is the document-store surface the replication engine reads
// rule/target/label/annotation/replica state from and writes replica
// and notification documents to. It is satisfied by a thin wrapper
// over docstore.Client in production and by a fake in tests.
type Store interface {
	Rules(ctx context.Context) ([]documents.ReplicationRule, error)
	Targets(ctx context.Context) ([]documents.StorageBackend, error)
	Target(ctx context.Context, name string) (*documents.StorageBackend, error)
	Credentials(ctx context.Context, ref string) (backend.Credentials, error)

	GetFile(ctx context.Context, fileID string) (*documents.File, error)

	Labels(ctx context.Context, fileUUID string) ([]string, error)
	Access(ctx context.Context, fileID string) (time.Time, bool, error)
	ReplicasForFile(ctx context.Context, fileUUID string) ([]documents.Replica, error)
	HasAnnotation(ctx context.Context, fileUUID, plugin string) (bool, error)

	PutReplica(ctx context.Context, replica *documents.Replica) error
	DeleteReplicaDoc(ctx context.Context, fileUUID, target string) error
	SetAnnotationStatus(ctx context.Context, fileUUID, status string) error

	Notify(ctx context.Context, sourceNodeID, component, conditionKey, severity, title, message string) error
	ResolveNotification(ctx context.Context, sourceNodeID, component, conditionKey string) error

	ActiveFilesForNode(ctx context.Context, nodeID string) ([]FileRecord, error)
}

// FileRecord pairs a File document's ID with its decoded body, for the
// full-scan query.
type FileRecord struct {
	ID   string
	File *documents.File
}

// stepContext adapts the engine's Store into steps.Context, backed by
// the local replication state for replica lookups.
type stepContext struct {
	ctx   context.Context
	store Store
	state *State
}

func (c *stepContext) HasLabel(fileUUID, label string) bool {
	labels, err := c.store.Labels(c.ctx, fileUUID)
	if err != nil {
		return false
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func (c *stepContext) LastAccess(fileID string) (time.Time, bool) {
	t, ok, err := c.store.Access(c.ctx, fileID)
	if err != nil {
		return time.Time{}, false
	}
	return t, ok
}

func (c *stepContext) HasReplica(fileUUID string, target, status *string) bool {
	replicas, err := c.store.ReplicasForFile(c.ctx, fileUUID)
	if err != nil {
		return false
	}
	for _, r := range replicas {
		if target != nil && r.TargetName != *target {
			continue
		}
		if status != nil && string(r.Status) != *status {
			continue
		}
		return true
	}
	return false
}

func (c *stepContext) HasAnnotation(fileUUID, pluginName string) bool {
	ok, err := c.store.HasAnnotation(c.ctx, fileUUID, pluginName)
	return err == nil && ok
}
