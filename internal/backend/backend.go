// Package backend implements the polymorphic replication-target
// adapters: directory, S3/B2, and peer-agent, each exposing the same
// {upload, download, delete, list} capability set so the replication
// engine and the tiered resolver's Tier 4b never need to branch on
// backend kind themselves.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/mheily/mosaicfs/internal/circuit"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// Adapter is the capability set every replication target backend
// implements, per the Design Note "Polymorphic backends": upload,
// download, delete, and a prefix listing.
type Adapter interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// RemoteKey computes the deterministic object key a target/file pair
// always maps to: "{prefix}/{first-8-of-uuid}/{filename}", with an
// empty prefix omitting its segment.
func RemoteKey(prefix, fileUUID, filename string) string {
	prefix = strings.TrimRight(prefix, "/")
	short := fileUUID
	if len(short) > 8 {
		short = short[:8]
	}
	if prefix == "" {
		return short + "/" + filename
	}
	return prefix + "/" + short + "/" + filename
}

// Credentials supplies the secret material a backend needs, resolved
// by the caller from a Credential document (never carried on the
// StorageBackend document itself).
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	AgentToken      string
}

// FromBackendDoc dispatches on doc.Backend to construct the matching
// Adapter from the storage_backend document's backend_config.
func FromBackendDoc(doc *documents.StorageBackend, creds Credentials) (Adapter, error) {
	breakerName := doc.Name
	if breakerName == "" {
		breakerName = doc.ID
	}

	cfg := doc.BackendConfig
	switch doc.Backend {
	case "directory":
		root, _ := cfg["path"].(string)
		if root == "" {
			return nil, errors.New(errors.InvalidInput, "directory backend requires backend_config.path").WithComponent("backend")
		}
		return withCircuitBreaker(breakerName, NewDirectoryAdapter(root)), nil

	case "s3", "b2":
		bucket, _ := cfg["bucket"].(string)
		if bucket == "" {
			return nil, errors.New(errors.InvalidInput, "s3/b2 backend requires backend_config.bucket").WithComponent("backend")
		}
		region, _ := cfg["region"].(string)
		endpoint, _ := cfg["endpoint"].(string)
		forcePathStyle, _ := cfg["force_path_style"].(bool)
		storageClass, _ := cfg["storage_class"].(string)
		adapter, err := NewS3Adapter(S3Config{
			Bucket:          bucket,
			Region:          region,
			Endpoint:        endpoint,
			ForcePathStyle:  forcePathStyle || doc.Backend == "b2",
			StorageClass:    storageClass,
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return withCircuitBreaker(breakerName, adapter), nil

	case "agent":
		agentURL, _ := cfg["agent_url"].(string)
		if agentURL == "" {
			return nil, errors.New(errors.InvalidInput, "agent backend requires backend_config.agent_url").WithComponent("backend")
		}
		accessKeyID, _ := cfg["access_key_id"].(string)
		return withCircuitBreaker(breakerName, NewAgentAdapter(agentURL, accessKeyID, creds.AgentToken)), nil

	default:
		return nil, errors.New(errors.InvalidInput, fmt.Sprintf("unknown backend kind %q", doc.Backend)).WithComponent("backend")
	}
}

// breakerAdapter wraps an Adapter so repeated failures against one
// replication target (a flaky bucket, an offline peer agent) trip a
// per-backend circuit breaker instead of every replication attempt
// paying the full timeout, mirroring how docstore.Client guards its
// HTTP client with the same breaker.
type breakerAdapter struct {
	Adapter
	breaker *circuit.CircuitBreaker
}

// withCircuitBreaker wraps adapter with a circuit breaker named after
// the backend document.
func withCircuitBreaker(name string, adapter Adapter) Adapter {
	return &breakerAdapter{Adapter: adapter, breaker: circuit.NewCircuitBreaker(name, circuit.Config{})}
}

func (a *breakerAdapter) Upload(ctx context.Context, key string, data []byte) error {
	return a.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return a.Adapter.Upload(ctx, key, data)
	})
}

func (a *breakerAdapter) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := a.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		data, err = a.Adapter.Download(ctx, key)
		return err
	})
	return data, err
}

func (a *breakerAdapter) Delete(ctx context.Context, key string) error {
	return a.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return a.Adapter.Delete(ctx, key)
	})
}

func (a *breakerAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := a.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		names, err = a.Adapter.List(ctx, prefix)
		return err
	})
	return names, err
}
