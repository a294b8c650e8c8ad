package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/notify"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// DocstoreAdapter implements Store over a real docstore.Client,
// the concrete seam between the replication engine and D.
type DocstoreAdapter struct {
	client *docstore.Client
}

// NewDocstoreAdapter wraps client as a replication Store.
func NewDocstoreAdapter(client *docstore.Client) *DocstoreAdapter {
	return &DocstoreAdapter{client: client}
}

func (a *DocstoreAdapter) Rules(ctx context.Context) ([]documents.ReplicationRule, error) {
	resp, err := a.client.AllDocsByPrefix(ctx, "replication_rule::")
	if err != nil {
		return nil, err
	}
	var out []documents.ReplicationRule
	for _, raw := range resp.Docs {
		var r documents.ReplicationRule
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *DocstoreAdapter) Targets(ctx context.Context) ([]documents.StorageBackend, error) {
	resp, err := a.client.AllDocsByPrefix(ctx, "storage_backend::")
	if err != nil {
		return nil, err
	}
	var out []documents.StorageBackend
	for _, raw := range resp.Docs {
		var t documents.StorageBackend
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *DocstoreAdapter) Target(ctx context.Context, name string) (*documents.StorageBackend, error) {
	var t documents.StorageBackend
	if err := a.client.Get(ctx, documents.StorageBackendID(name), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Credentials resolves a target's credentials_ref. The Credential
// document stores only an Argon2id hash of the secret, meant for
// verifying inbound HMAC-authenticated API callers, not for presenting
// outbound static credentials to S3/B2, so static secret material for
// those backends is intentionally left to the AWS SDK's own default
// credential chain (env vars, shared config, instance role) rather
// than reconstructed from a one-way hash.
func (a *DocstoreAdapter) Credentials(ctx context.Context, ref string) (backend.Credentials, error) {
	return backend.Credentials{}, nil
}

func (a *DocstoreAdapter) GetFile(ctx context.Context, fileID string) (*documents.File, error) {
	var f documents.File
	if err := a.client.Get(ctx, fileID, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (a *DocstoreAdapter) Labels(ctx context.Context, fileUUID string) ([]string, error) {
	var la documents.LabelAssignment
	err := a.client.Get(ctx, documents.LabelAssignmentID(fileUUID), &la)
	if err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return la.Labels, nil
}

func (a *DocstoreAdapter) Access(ctx context.Context, fileID string) (time.Time, bool, error) {
	fileUUID, _ := documents.FileUUID(fileID)
	var acc documents.Access
	err := a.client.Get(ctx, documents.AccessID(fileUUID), &acc)
	if err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return acc.LastAccess, true, nil
}

func (a *DocstoreAdapter) ReplicasForFile(ctx context.Context, fileUUID string) ([]documents.Replica, error) {
	resp, err := a.client.AllDocsByPrefix(ctx, "replica::"+fileUUID+"::")
	if err != nil {
		return nil, err
	}
	var out []documents.Replica
	for _, raw := range resp.Docs {
		var r documents.Replica
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *DocstoreAdapter) HasAnnotation(ctx context.Context, fileUUID, plugin string) (bool, error) {
	var ann documents.Annotation
	err := a.client.Get(ctx, documents.AnnotationID(fileUUID, plugin), &ann)
	if err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *DocstoreAdapter) PutReplica(ctx context.Context, replica *documents.Replica) error {
	rev, err := a.client.Put(ctx, replica.ID, replica)
	if err != nil {
		return err
	}
	replica.Rev = rev
	return nil
}

func (a *DocstoreAdapter) DeleteReplicaDoc(ctx context.Context, fileUUID, target string) error {
	id := documents.ReplicaID(fileUUID, target)
	var existing documents.Replica
	if err := a.client.Get(ctx, id, &existing); err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return nil
		}
		return err
	}
	return a.client.Delete(ctx, id, existing.Rev)
}

func (a *DocstoreAdapter) SetAnnotationStatus(ctx context.Context, fileUUID, status string) error {
	const plugin = "replication"
	id := documents.AnnotationID(fileUUID, plugin)
	var ann documents.Annotation
	err := a.client.Get(ctx, id, &ann)
	if err != nil {
		mosaicErr, ok := err.(*errors.Error)
		if !ok || mosaicErr.Kind != errors.NotFound {
			return err
		}
		ann = documents.Annotation{ID: id, Type: "annotation", FileID: fileUUID, PluginName: plugin}
	}
	ann.Status = status
	ann.UpdatedAt = time.Now()
	_, err = a.client.Put(ctx, id, &ann)
	return err
}

func (a *DocstoreAdapter) Notify(ctx context.Context, sourceNodeID, component, conditionKey, severity, title, message string) error {
	return notify.Upsert(ctx, a.client, sourceNodeID, component, conditionKey, severity, title, message)
}

func (a *DocstoreAdapter) ResolveNotification(ctx context.Context, sourceNodeID, component, conditionKey string) error {
	return notify.Resolve(ctx, a.client, sourceNodeID, component, conditionKey)
}

func (a *DocstoreAdapter) ActiveFilesForNode(ctx context.Context, nodeID string) ([]FileRecord, error) {
	resp, err := a.client.Find(ctx, map[string]interface{}{
		"type":           "file",
		"source.node_id": nodeID,
		"status":         documents.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	var out []FileRecord
	for _, raw := range resp.Docs {
		var f documents.File
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		out = append(out, FileRecord{ID: f.ID, File: &f})
	}
	return out, nil
}
