// Package documents defines the typed JSON documents stored in the
// shared document store D, and the deterministic ID schemes that key
// them.
package documents

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of a File document.
type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusDeleted FileStatus = "deleted"
)

// FileSource identifies where a file physically lives.
type FileSource struct {
	NodeID       string `json:"node_id"`
	ExportPath   string `json:"export_path"`
	ExportParent string `json:"export_parent"`
}

// MigratedFrom records a file's prior location when it was moved
// between hosts without losing identity.
type MigratedFrom struct {
	NodeID      string    `json:"node_id"`
	ExportPath  string    `json:"export_path"`
	MigratedAt  time.Time `json:"migrated_at"`
}

// File is the canonical record of a single physical file owned by one
// node. Its ID is keyed "file::{uuid}"; its inode is stable across
// restarts and resurrection.
type File struct {
	ID           string        `json:"_id"`
	Rev          string        `json:"_rev,omitempty"`
	Type         string        `json:"type"`
	Inode        uint64        `json:"inode"`
	Name         string        `json:"name"`
	Source       FileSource    `json:"source"`
	Size         uint64        `json:"size"`
	Mtime        time.Time     `json:"mtime"`
	MimeType     string        `json:"mime_type,omitempty"`
	Status       FileStatus    `json:"status"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
	MigratedFrom *MigratedFrom `json:"migrated_from,omitempty"`
}

// NewFileID allocates a fresh file document ID.
func NewFileID() string {
	return "file::" + uuid.NewString()
}

// FileUUID strips the "file::" prefix, returning ("", false) if absent.
func FileUUID(id string) (string, bool) {
	const prefix = "file::"
	if !strings.HasPrefix(id, prefix) {
		return "", false
	}
	return strings.TrimPrefix(id, prefix), true
}

// StepResult is the disposition a step (or a whole pipeline) resolves to.
type StepResult string

const (
	Include  StepResult = "include"
	Exclude  StepResult = "exclude"
	Continue StepResult = "continue"
)

// Step is one predicate in a step pipeline. Op-specific parameters are
// carried untyped so that unrecognized future ops degrade to "no match"
// rather than failing to parse.
type Step struct {
	Op      string                 `json:"op"`
	Invert  bool                   `json:"invert,omitempty"`
	OnMatch StepResult             `json:"on_match,omitempty"`
	Params  map[string]interface{} `json:"-"`
}

// stepEnvelope is Step's wire shape: op, invert, and on_match named,
// everything else folded into Params so new op kinds never need a
// schema change here.
type stepEnvelope struct {
	Op      string     `json:"op"`
	Invert  bool       `json:"invert,omitempty"`
	OnMatch StepResult `json:"on_match,omitempty"`
}

// MarshalJSON flattens Params alongside the named fields.
func (s Step) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Params)+3)
	for k, v := range s.Params {
		out[k] = v
	}
	out["op"] = s.Op
	if s.Invert {
		out["invert"] = true
	}
	if s.OnMatch != "" {
		out["on_match"] = s.OnMatch
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the named fields and folds every remaining
// key into Params.
func (s *Step) UnmarshalJSON(data []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "op")
	delete(raw, "invert")
	delete(raw, "on_match")

	s.Op = env.Op
	s.Invert = env.Invert
	s.OnMatch = env.OnMatch
	s.Params = raw
	return nil
}

// ConflictPolicy resolves name collisions between two mount contributions.
type ConflictPolicy string

const (
	LastWriteWins ConflictPolicy = "last_write_wins"
	SuffixNodeID  ConflictPolicy = "suffix_node_id"
)

// MountStrategy controls how a mount's contributed files are named in
// the virtual tree.
type MountStrategy string

const (
	PrefixReplace MountStrategy = "prefix_replace"
	Flatten       MountStrategy = "flatten"
)

// MountSourceKind tags which variant of MountSource is populated.
type MountSourceKind string

const (
	SourceNode      MountSourceKind = "node"
	SourceFederated MountSourceKind = "federated"
)

// MountSource is a tagged union: either a {node_id, export_path} pair
// or a federated import reference. Exactly one of the field groups is
// populated, selected by Kind.
type MountSource struct {
	Kind               MountSourceKind `json:"-"`
	NodeID             string          `json:"node_id,omitempty"`
	ExportPath         string          `json:"export_path,omitempty"`
	FederatedImportID  string          `json:"federated_import_id,omitempty"`
}

// MountEntry is one contribution to a virtual directory's contents.
type MountEntry struct {
	MountID        string         `json:"mount_id"`
	Source         MountSource    `json:"source"`
	Strategy       MountStrategy  `json:"strategy"`
	SourcePrefix   string         `json:"source_prefix,omitempty"`
	Steps          []Step         `json:"steps,omitempty"`
	DefaultResult  StepResult     `json:"default_result"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy"`
}

// VirtualDirectory is a synthetic directory node in the unified tree.
// "/" always exists as "dir::root" and is never deletable.
type VirtualDirectory struct {
	ID                     string       `json:"_id"`
	Rev                    string       `json:"_rev,omitempty"`
	Type                   string       `json:"type"`
	Inode                  uint64       `json:"inode"`
	VirtualPath            string       `json:"virtual_path"`
	Name                   string       `json:"name"`
	ParentPath             string       `json:"parent_path,omitempty"`
	System                 bool         `json:"system,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	EnforceStepsOnChildren bool         `json:"enforce_steps_on_children"`
	Mounts                 []MountEntry `json:"mounts"`
}

// DirectoryID derives the deterministic document ID for a virtual path.
func DirectoryID(virtualPath string) string {
	if virtualPath == "/" {
		return "dir::root"
	}
	sum := sha256.Sum256([]byte(virtualPath))
	return "dir::" + hex.EncodeToString(sum[:])
}

// NodeStatus is the liveness state of an agent's host.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDegraded NodeStatus = "degraded"
)

// TransferConfig describes how to reach an agent's file server for
// remote fetches (Tier 4).
type TransferConfig struct {
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol"`
}

// NetworkMount maps a locally-mounted CIFS/NFS/cloud-sync share back to
// the remote node and path it mirrors, for Tiers 2 and 3.
type NetworkMount struct {
	MountID              string `json:"mount_id"`
	RemoteNodeID         string `json:"remote_node_id"`
	RemoteBaseExportPath string `json:"remote_base_export_path"`
	LocalMountPath       string `json:"local_mount_path"`
	MountType            string `json:"mount_type"`
	Priority             int    `json:"priority,omitempty"`
}

// StorageEntry reports one local filesystem's capacity for the
// agent's utilization snapshots.
type StorageEntry struct {
	FilesystemID    string   `json:"filesystem_id"`
	MountPoint      string   `json:"mount_point"`
	FSType          string   `json:"fs_type"`
	Device          string   `json:"device"`
	CapacityBytes   uint64   `json:"capacity_bytes"`
	UsedBytes       uint64   `json:"used_bytes"`
	WatchPathsOnFS  []string `json:"watch_paths_on_fs,omitempty"`
}

// Node is the per-host record: liveness, transfer endpoint, and the
// network/cloud-sync mounts this host can serve Tiers 2-3 from.
type Node struct {
	ID            string         `json:"_id"`
	Rev           string         `json:"_rev,omitempty"`
	Type          string         `json:"type"`
	FriendlyName  string         `json:"friendly_name"`
	Platform      string         `json:"platform"`
	Status        NodeStatus     `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	VFSCapable    bool           `json:"vfs_capable,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Transfer      *TransferConfig `json:"transfer,omitempty"`
	FileServerURL string         `json:"file_server_url,omitempty"`
	AgentToken    string         `json:"agent_token,omitempty"`
	Storage       []StorageEntry `json:"storage,omitempty"`
	NetworkMounts []NetworkMount `json:"network_mounts,omitempty"`
}

// NodeID derives the document ID for a node.
func NodeID(nodeID string) string { return "node::" + nodeID }

// RetentionConfig controls how long a deleted file's replica is kept
// before the deletion sweep purges it.
type RetentionConfig struct {
	KeepDeletedDays int `json:"keep_deleted_days"`
}

// StorageBackend is a configured replication target: S3/B2 bucket,
// local directory, or peer agent.
type StorageBackend struct {
	ID                 string                 `json:"_id"`
	Rev                string                 `json:"_rev,omitempty"`
	Type               string                 `json:"type"`
	Name               string                 `json:"name"`
	Backend            string                 `json:"backend"`
	Mode               string                 `json:"mode"`
	BackendConfig      map[string]interface{} `json:"backend_config"`
	CredentialsRef     string                 `json:"credentials_ref,omitempty"`
	Schedule           string                 `json:"schedule,omitempty"`
	BandwidthLimitMbps int                    `json:"bandwidth_limit_mbps,omitempty"`
	Retention          RetentionConfig        `json:"retention"`
	RemoveUnmatched    bool                   `json:"remove_unmatched"`
	Enabled            bool                   `json:"enabled"`
	CreatedAt          time.Time              `json:"created_at"`
}

// StorageBackendID derives the document ID for a named target.
func StorageBackendID(name string) string { return "storage_backend::" + name }

// ReplicationRuleSource scopes a rule to files from one node (or "*")
// under an optional path prefix.
type ReplicationRuleSource struct {
	NodeID     string `json:"node_id"`
	PathPrefix string `json:"path_prefix,omitempty"`
}

// ReplicationRule decides, via its step pipeline, whether a file
// should be copied to its target.
type ReplicationRule struct {
	ID            string                `json:"_id"`
	Rev           string                `json:"_rev,omitempty"`
	Type          string                `json:"type"`
	Name          string                `json:"name"`
	TargetName    string                `json:"target_name"`
	Source        ReplicationRuleSource `json:"source"`
	Steps         []Step                `json:"steps,omitempty"`
	DefaultResult StepResult            `json:"default_result"`
	Enabled       bool                  `json:"enabled"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ReplicaStatus is the lifecycle state of a replica document.
type ReplicaStatus string

const (
	ReplicaCurrent ReplicaStatus = "current"
	ReplicaStale   ReplicaStatus = "stale"
	ReplicaFrozen  ReplicaStatus = "frozen"
)

// Replica records that a file has a copy on a target, at what key, and
// against which source (mtime, size) it was taken.
type Replica struct {
	ID           string        `json:"_id"`
	Rev          string        `json:"_rev,omitempty"`
	Type         string        `json:"type"`
	FileID       string        `json:"file_id"`
	TargetName   string        `json:"target_name"`
	SourceNodeID string        `json:"source_node_id"`
	Backend      string        `json:"backend"`
	RemoteKey    string        `json:"remote_key"`
	ReplicatedAt time.Time     `json:"replicated_at"`
	SourceMtime  time.Time     `json:"source_mtime"`
	SourceSize   uint64        `json:"source_size"`
	Checksum     string        `json:"checksum,omitempty"`
	Status       ReplicaStatus `json:"status"`
}

// ReplicaID derives the document ID for a (file, target) replica pair.
func ReplicaID(fileUUID, targetName string) string {
	return fmt.Sprintf("replica::%s::%s", fileUUID, targetName)
}

// Annotation holds one plugin's derived data about a file (summaries,
// thumbnails, extracted text) along with its replication/processing
// status for the readdir step pipeline's "annotation" op.
type Annotation struct {
	ID          string                 `json:"_id"`
	Rev         string                 `json:"_rev,omitempty"`
	Type        string                 `json:"type"`
	FileID      string                 `json:"file_id"`
	SourceNode  string                 `json:"source_node_id"`
	PluginName  string                 `json:"plugin_name"`
	Data        map[string]interface{} `json:"data"`
	Status      string                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	AnnotatedAt time.Time              `json:"annotated_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// AnnotationID derives the document ID for a (file, plugin) annotation.
func AnnotationID(fileUUID, plugin string) string {
	return fmt.Sprintf("annotation::%s::%s", fileUUID, plugin)
}

// LabelAssignment is the materialized set of labels attached to a file.
type LabelAssignment struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Type      string    `json:"type"`
	FileID    string    `json:"file_id"`
	Labels    []string  `json:"labels"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// LabelAssignmentID derives the document ID for a file's label set.
func LabelAssignmentID(fileUUID string) string { return "label_assignment::" + fileUUID }

// Access records the most recent open of a file, for the step
// pipeline's access_age op and for cache LRU seeding.
type Access struct {
	ID          string    `json:"_id"`
	Rev         string    `json:"_rev,omitempty"`
	Type        string    `json:"type"`
	FileID      string    `json:"file_id"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
}

// AccessID derives the document ID for a file's access record.
func AccessID(fileUUID string) string { return "access::" + fileUUID }

// Notification is an operationally significant condition, upserted by
// deterministic ID so repeated occurrences increment a single counter.
type Notification struct {
	ID               string     `json:"_id"`
	Rev              string     `json:"_rev,omitempty"`
	Type             string     `json:"type"`
	SourceNodeID     string     `json:"source_node_id"`
	Component        string     `json:"component"`
	Severity         string     `json:"severity"`
	Status           string     `json:"status"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	ConditionKey     string     `json:"condition_key"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	OccurrenceCount  int64      `json:"occurrence_count"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// NotificationID derives the document ID for a scoped condition.
func NotificationID(scope, conditionKey string) string {
	return fmt.Sprintf("notification::%s::%s", scope, conditionKey)
}
