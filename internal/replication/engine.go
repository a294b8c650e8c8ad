package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/steps"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// EventKind tags which file-lifecycle event the crawler/watcher emitted.
type EventKind int

const (
	Added EventKind = iota
	Modified
	Deleted
	AccessUpdated
)

// Event is one file-lifecycle notification delivered to the engine's
// single-consumer loop, in arrival order per file_id.
type Event struct {
	Kind   EventKind
	FileID string
	File   *documents.File
}

// Timers configures the engine's periodic ticks.
type Timers struct {
	FlushAnnotations time.Duration
	FullScan         time.Duration
	DeletionSweep    time.Duration
	QueueDrain       time.Duration
}

// DefaultTimers returns the standard tick intervals.
func DefaultTimers() Timers {
	return Timers{
		FlushAnnotations: 60 * time.Second,
		FullScan:         86400 * time.Second,
		DeletionSweep:    3600 * time.Second,
		QueueDrain:       10 * time.Second,
	}
}

// AdapterFactory builds a backend.Adapter from a resolved storage
// backend document and its credentials; injected so tests can stub
// uploads without touching real transports.
type AdapterFactory func(doc *documents.StorageBackend, creds backend.Credentials) (backend.Adapter, error)

// Engine is the replication engine: a single-threaded event loop
// evaluating rules and driving uploads against local state.
type Engine struct {
	localNodeID    string
	store          Store
	state          *State
	buckets        *Buckets
	newAdapter     AdapterFactory
	logger         *slog.Logger
	timers         Timers
	onUploadResult func(target string, err error)
	events         chan Event
	shutdown       chan struct{}
	done           chan struct{}
}

// Config collects an Engine's construction-time dependencies.
type Config struct {
	LocalNodeID string
	Store       Store
	State       *State
	NewAdapter  AdapterFactory
	Logger      *slog.Logger
	Timers      Timers

	// OnUploadResult, if set, observes every upload attempt's outcome
	// per target, for metrics.
	OnUploadResult func(target string, err error)
}

// New builds an Engine. The caller must call Run to start the event
// loop, and Bootstrap on first startup (Open's isNew return value).
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewAdapter == nil {
		cfg.NewAdapter = backend.FromBackendDoc
	}
	if cfg.Timers == (Timers{}) {
		cfg.Timers = DefaultTimers()
	}
	return &Engine{
		localNodeID:    cfg.LocalNodeID,
		store:          cfg.Store,
		state:          cfg.State,
		buckets:        NewBuckets(),
		newAdapter:     cfg.NewAdapter,
		logger:         cfg.Logger,
		timers:         cfg.Timers,
		onUploadResult: cfg.OnUploadResult,
		events:         make(chan Event, 4096),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Bootstrap handles first startup: it emits a manifest_rebuild_needed
// notification and runs an immediate full scan. Callers pass the isNew
// flag Open returned when opening State, which is true only when the
// database file did not exist; there is no separate rebuild flag.
func (e *Engine) Bootstrap(ctx context.Context, isNew bool) {
	if !isNew {
		return
	}
	if err := e.store.Notify(ctx, e.localNodeID, "replication", "manifest_rebuild_needed",
		"info", "Replication manifest rebuild needed", "no prior replication state found; running full scan"); err != nil {
		e.logger.Warn("manifest rebuild notification failed", "error", err)
	}
	e.FullScan(ctx)
}

// Submit enqueues an event for processing. It never blocks the
// crawler/watcher caller beyond the channel's buffer.
func (e *Engine) Submit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.shutdown:
	}
}

// Added implements the crawler/ingest EventSink interface.
func (e *Engine) Added(fileID string, file *documents.File) {
	e.Submit(Event{Kind: Added, FileID: fileID, File: file})
}

// Modified implements the crawler/ingest EventSink interface.
func (e *Engine) Modified(fileID string, file *documents.File) {
	e.Submit(Event{Kind: Modified, FileID: fileID, File: file})
}

// Deleted implements the crawler/ingest EventSink interface.
func (e *Engine) Deleted(fileID string, file *documents.File) {
	e.Submit(Event{Kind: Deleted, FileID: fileID, File: file})
}

// Stop signals the event loop to exit at its next suspension point
// and waits for it to do so.
func (e *Engine) Stop() {
	close(e.shutdown)
	<-e.done
}

// Run is the engine's single-consumer loop: it dequeues events in
// arrival order and fires the periodic timers named in Timers. It
// blocks until Stop is called or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	flushT := time.NewTicker(nonZero(e.timers.FlushAnnotations))
	scanT := time.NewTicker(nonZero(e.timers.FullScan))
	sweepT := time.NewTicker(nonZero(e.timers.DeletionSweep))
	drainT := time.NewTicker(nonZero(e.timers.QueueDrain))
	defer flushT.Stop()
	defer scanT.Stop()
	defer sweepT.Stop()
	defer drainT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case ev := <-e.events:
			if err := e.handleEvent(ctx, ev); err != nil {
				e.logger.Error("replication event handling failed", "file_id", ev.FileID, "error", err)
			}
		case <-drainT.C:
			e.drainQueue(ctx)
		case <-sweepT.C:
			e.sweepDeletions(ctx)
		case <-scanT.C:
			e.FullScan(ctx)
		case <-flushT.C:
			// Annotation status writes happen inline with each event;
			// this tick exists so a future batched-flush implementation
			// has a natural home without changing the engine's shape.
		}
	}
}

func nonZero(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

func (e *Engine) handleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case Added, Modified:
		return e.handleFileEvent(ctx, ev)
	case Deleted:
		return e.handleDeleted(ctx, ev)
	case AccessUpdated:
		return nil // access cache is maintained by the change-feed consumer
	default:
		return nil
	}
}

// handleFileEvent runs rule evaluation for an Added/Modified event.
func (e *Engine) handleFileEvent(ctx context.Context, ev Event) error {
	file := ev.File
	if file == nil || file.Source.NodeID != e.localNodeID {
		return nil // only local-node files are replicated from here
	}
	fileUUID, _ := documents.FileUUID(ev.FileID)

	rules, err := e.store.Rules(ctx)
	if err != nil {
		return err
	}
	targets, err := e.store.Targets(ctx)
	if err != nil {
		return err
	}
	targetByName := make(map[string]documents.StorageBackend, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	stepCtx := &stepContext{ctx: ctx, store: e.store, state: e.state}

	matchedTargets := make(map[string]bool)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		target, ok := targetByName[rule.TargetName]
		if !ok || !target.Enabled {
			continue
		}
		if !ruleSourceMatches(rule.Source, file) {
			continue
		}

		result := steps.Evaluate(rule.Steps, file, ev.FileID, rule.DefaultResult, stepCtx)
		if result == documents.Include {
			matchedTargets[rule.TargetName] = true
			if err := e.applyInclude(ctx, fileUUID, ev.FileID, file, target); err != nil {
				e.logger.Error("replication include handling failed", "file_id", ev.FileID, "target", target.Name, "error", err)
			}
		} else {
			if err := e.applyExclude(ctx, fileUUID, ev.FileID, target); err != nil {
				e.logger.Error("replication exclude handling failed", "file_id", ev.FileID, "target", target.Name, "error", err)
			}
		}
	}
	return nil
}

// ruleSourceMatches applies the rule's node_id (literal or "*") and
// path_prefix filters.
func ruleSourceMatches(src documents.ReplicationRuleSource, file *documents.File) bool {
	if src.NodeID != "" && src.NodeID != "*" && src.NodeID != file.Source.NodeID {
		return false
	}
	if src.PathPrefix != "" && !strings.HasPrefix(file.Source.ExportPath, src.PathPrefix) {
		return false
	}
	return true
}

// applyInclude stages an upload if the current replication_state
// doesn't already match, honoring the target's schedule window and
// marking the file's annotation status.
func (e *Engine) applyInclude(ctx context.Context, fileUUID, fileID string, file *documents.File, target documents.StorageBackend) error {
	existing, found, err := e.state.Get(fileID, target.Name)
	if err != nil {
		return err
	}
	if found && existing.Matches(file.Mtime, file.Size) {
		return nil // already replicated at this mtime/size
	}

	if !WindowActive(target.Schedule, time.Now()) {
		if err := e.state.Enqueue(fileID, target.Name, 0, time.Now()); err != nil {
			return err
		}
		return e.store.SetAnnotationStatus(ctx, fileUUID, "pending")
	}

	if err := e.store.SetAnnotationStatus(ctx, fileUUID, "stale"); err != nil {
		e.logger.Warn("set annotation status failed", "file_id", fileID, "error", err)
	}
	return e.upload(ctx, fileUUID, fileID, file, target)
}

// applyExclude implements step 6: move a prior replica to the
// deletion log (when the target removes unmatched files) or mark the
// annotation frozen.
func (e *Engine) applyExclude(ctx context.Context, fileUUID, fileID string, target documents.StorageBackend) error {
	existing, found, err := e.state.Get(fileID, target.Name)
	if err != nil {
		return err
	}
	if found && target.RemoveUnmatched {
		return e.retireReplica(ctx, fileUUID, fileID, existing, target)
	}
	return e.store.SetAnnotationStatus(ctx, fileUUID, "frozen")
}

func (e *Engine) retireReplica(ctx context.Context, fileUUID, fileID string, existing StateRow, target documents.StorageBackend) error {
	now := time.Now()
	var retainUntil *time.Time
	if target.Retention.KeepDeletedDays > 0 {
		t := now.AddDate(0, 0, target.Retention.KeepDeletedDays)
		retainUntil = &t
	}
	if err := e.state.MoveToDeletionLog(fileID, target.Name, existing.RemoteKey, now, retainUntil); err != nil {
		return err
	}
	if err := e.store.DeleteReplicaDoc(ctx, fileUUID, target.Name); err != nil {
		e.logger.Warn("delete replica document failed", "file_id", fileID, "target", target.Name, "error", err)
	}
	if retainUntil == nil {
		return e.purgeRemote(ctx, fileID, target.Name, existing.RemoteKey, target)
	}
	return nil
}

// upload reads the local bytes, checksums them, and drives the
// backend adapter, recording success in local state and in D.
func (e *Engine) upload(ctx context.Context, fileUUID, fileID string, file *documents.File, target documents.StorageBackend) error {
	data, err := os.ReadFile(file.Source.ExportPath)
	if err != nil {
		return errors.New(errors.Internal, "read local file for replication").WithCause(err).WithPath(file.Source.ExportPath)
	}

	bucket := e.buckets.For(target.Name, target.BandwidthLimitMbps)
	if err := bucket.Consume(ctx, float64(len(data))); err != nil {
		return err
	}

	adapter, err := e.adapterFor(ctx, &target)
	if err != nil {
		return err
	}

	remoteKey := backend.RemoteKey(targetPrefix(target), fileUUID, file.Name)
	if err := adapter.Upload(ctx, remoteKey, data); err != nil {
		if e.onUploadResult != nil {
			e.onUploadResult(target.Name, err)
		}
		return e.handleUploadFailure(ctx, target.Name, err)
	}
	if e.onUploadResult != nil {
		e.onUploadResult(target.Name, nil)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	now := time.Now()

	if err := e.state.Upsert(StateRow{
		FileID: fileID, TargetName: target.Name, ReplicatedAt: now,
		SourceMtime: file.Mtime, SourceSize: file.Size, RemoteKey: remoteKey, Checksum: checksum,
	}); err != nil {
		return err
	}
	if err := e.state.Dequeue(fileID, target.Name); err != nil {
		e.logger.Warn("dequeue after upload failed", "file_id", fileID, "error", err)
	}

	replica := &documents.Replica{
		ID: documents.ReplicaID(fileUUID, target.Name), Type: "replica",
		FileID: fileID, TargetName: target.Name, SourceNodeID: file.Source.NodeID,
		Backend: target.Backend, RemoteKey: remoteKey, ReplicatedAt: now,
		SourceMtime: file.Mtime, SourceSize: file.Size, Checksum: checksum,
		Status: documents.ReplicaCurrent,
	}
	if err := e.store.PutReplica(ctx, replica); err != nil {
		return err
	}
	return e.store.SetAnnotationStatus(ctx, fileUUID, "current")
}

// handleUploadFailure classifies the error as target-unreachable or
// generic and emits the matching notification, leaving the
// upload_queue row (if any) in place for retry.
func (e *Engine) handleUploadFailure(ctx context.Context, target string, uploadErr error) error {
	if errors.IsTransportMessage(uploadErr.Error()) {
		_ = e.store.Notify(ctx, e.localNodeID, "replication", "replication_target_unreachable:"+target,
			"warning", "Replication target unreachable", uploadErr.Error())
	} else {
		_ = e.store.Notify(ctx, e.localNodeID, "replication", "replication_error:"+target,
			"error", "Replication upload failed", uploadErr.Error())
	}
	return uploadErr
}

func (e *Engine) purgeRemote(ctx context.Context, fileID, target, remoteKey string, backendDoc documents.StorageBackend) error {
	adapter, err := e.adapterFor(ctx, &backendDoc)
	if err != nil {
		return err
	}
	if err := adapter.Delete(ctx, remoteKey); err != nil {
		return err
	}
	return e.state.MarkPurged(fileID, target)
}

func (e *Engine) adapterFor(ctx context.Context, target *documents.StorageBackend) (backend.Adapter, error) {
	var creds backend.Credentials
	if target.CredentialsRef != "" {
		c, err := e.store.Credentials(ctx, target.CredentialsRef)
		if err != nil {
			return nil, err
		}
		creds = c
	}
	return e.newAdapter(target, creds)
}

func targetPrefix(target documents.StorageBackend) string {
	if p, ok := target.BackendConfig["prefix"].(string); ok {
		return p
	}
	return ""
}

// handleDeleted moves every existing replication_state row for the
// file to the deletion log with its target's retention; a zero
// retention purges immediately.
func (e *Engine) handleDeleted(ctx context.Context, ev Event) error {
	fileUUID, _ := documents.FileUUID(ev.FileID)
	rows, err := e.state.StatesForFile(ev.FileID)
	if err != nil {
		return err
	}

	targets, err := e.store.Targets(ctx)
	if err != nil {
		return err
	}
	targetByName := make(map[string]documents.StorageBackend, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	for _, row := range rows {
		target := targetByName[row.TargetName]
		if err := e.retireReplica(ctx, fileUUID, ev.FileID, row, target); err != nil {
			e.logger.Error("retire replica on delete failed", "file_id", ev.FileID, "target", row.TargetName, "error", err)
		}
	}
	return nil
}

// sweepDeletions purges deletion_log rows whose retain_until has passed.
func (e *Engine) sweepDeletions(ctx context.Context) {
	due, err := e.state.DueForPurge(time.Now())
	if err != nil {
		e.logger.Error("deletion sweep query failed", "error", err)
		return
	}
	targets, err := e.store.Targets(ctx)
	if err != nil {
		e.logger.Error("deletion sweep target lookup failed", "error", err)
		return
	}
	targetByName := make(map[string]documents.StorageBackend, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	for _, row := range due {
		target, ok := targetByName[row.TargetName]
		if !ok {
			continue
		}
		if err := e.purgeRemote(ctx, row.FileID, row.TargetName, row.RemoteKey, target); err != nil {
			e.logger.Error("deletion sweep purge failed", "file_id", row.FileID, "target", row.TargetName, "error", err)
		}
	}
}

// QueueDepth reports the durable upload queue's current backlog.
func (e *Engine) QueueDepth() (int, error) {
	return e.state.QueueDepth()
}

// drainQueue retries pending uploads on the queue-drain timer.
func (e *Engine) drainQueue(ctx context.Context) {
	rows, err := e.state.DrainQueue(200)
	if err != nil {
		e.logger.Error("queue drain query failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	targets, err := e.store.Targets(ctx)
	if err != nil {
		e.logger.Error("queue drain target lookup failed", "error", err)
		return
	}
	targetByName := make(map[string]documents.StorageBackend, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	for _, row := range rows {
		target, ok := targetByName[row.TargetName]
		if !ok || !target.Enabled {
			continue
		}
		if !WindowActive(target.Schedule, time.Now()) {
			continue
		}

		file, err := e.store.GetFile(ctx, row.FileID)
		if err != nil {
			e.logger.Warn("queue drain file lookup failed", "file_id", row.FileID, "error", err)
			continue
		}
		if file.Status != documents.StatusActive {
			_ = e.state.Dequeue(row.FileID, row.TargetName)
			continue
		}

		fileUUID, _ := documents.FileUUID(row.FileID)
		if err := e.upload(ctx, fileUUID, row.FileID, file, target); err != nil {
			e.logger.Warn("queued upload retry failed", "file_id", row.FileID, "target", row.TargetName, "error", err)
		}
	}
}

// FullScan re-evaluates every (file, rule) pair for this node's
// active files, retiring replicas that no longer match any rule.
func (e *Engine) FullScan(ctx context.Context) {
	files, err := e.store.ActiveFilesForNode(ctx, e.localNodeID)
	if err != nil {
		e.logger.Error("full scan file listing failed", "error", err)
		return
	}
	for _, rec := range files {
		if err := e.handleFileEvent(ctx, Event{Kind: Modified, FileID: rec.ID, File: rec.File}); err != nil {
			e.logger.Error("full scan evaluation failed", "file_id", rec.ID, "error", err)
		}
	}

	e.retireOrphanedTargets(ctx)

	depth, err := e.state.QueueDepth()
	if err == nil && depth > 1000 {
		_ = e.store.Notify(ctx, e.localNodeID, "replication", "replication_backlog",
			"warning", "Replication upload queue backlog", "queue depth exceeds 1000 entries")
	}
}

// retireOrphanedTargets handles the case the per-file rule evaluation
// above never reaches: a replication_state row whose governing rule
// was deleted entirely, so no rule ever revisits its target to
// un-replicate it. It un-replicates every row whose target no longer
// has any enabled rule pointing at it.
func (e *Engine) retireOrphanedTargets(ctx context.Context) {
	rules, err := e.store.Rules(ctx)
	if err != nil {
		e.logger.Error("full scan orphan check rule listing failed", "error", err)
		return
	}
	referenced := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if rule.Enabled {
			referenced[rule.TargetName] = true
		}
	}

	targets, err := e.store.Targets(ctx)
	if err != nil {
		e.logger.Error("full scan orphan check target listing failed", "error", err)
		return
	}
	targetByName := make(map[string]documents.StorageBackend, len(targets))
	for _, t := range targets {
		targetByName[t.Name] = t
	}

	rows, err := e.state.AllStates()
	if err != nil {
		e.logger.Error("full scan orphan check state listing failed", "error", err)
		return
	}
	for _, row := range rows {
		if referenced[row.TargetName] {
			continue
		}
		fileUUID, _ := documents.FileUUID(row.FileID)
		target, ok := targetByName[row.TargetName]
		if !ok {
			// The target document is gone too, so there is no adapter left
			// to purge the remote copy with; drop the local bookkeeping.
			if err := e.state.DeleteState(row.FileID, row.TargetName); err != nil {
				e.logger.Error("orphaned replication state cleanup failed", "file_id", row.FileID, "target", row.TargetName, "error", err)
			}
			continue
		}
		if err := e.applyExclude(ctx, fileUUID, row.FileID, target); err != nil {
			e.logger.Error("orphaned target exclude failed", "file_id", row.FileID, "target", row.TargetName, "error", err)
		}
	}
}
