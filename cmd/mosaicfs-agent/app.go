package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mheily/mosaicfs/internal/config"
	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/nodeid"
	"github.com/mheily/mosaicfs/internal/replication"
	"github.com/mheily/mosaicfs/internal/vfsadapter"
)

// app bundles the dependencies every subcommand wires up the same way:
// config, a node identity, a logger, and a document-store adapter.
type app struct {
	cfg     *config.Configuration
	nodeID  string
	logger  *slog.Logger
	client  *docstore.Client
	adapter *vfsadapter.Adapter
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Global)
	if err != nil {
		return nil, err
	}

	id, err := nodeid.LoadOrCreate(filepath.Join(cfg.Agent.StateDir, cfg.Agent.NodeIDFile))
	if err != nil {
		return nil, fmt.Errorf("load node id: %w", err)
	}
	logger.Info("node identity resolved", "node_id", id)

	client := docstore.New(docstore.Config{
		BaseURL:  cfg.DocumentStore.BaseURL,
		Username: cfg.DocumentStore.Username,
		Password: cfg.DocumentStore.Password,
	}, logger)

	return &app{
		cfg:     cfg,
		nodeID:  id,
		logger:  logger,
		client:  client,
		adapter: vfsadapter.New(client),
	}, nil
}

// buildEngine opens this node's replication state database and
// constructs the Engine over it, returning whether the database was
// freshly created so the caller can Bootstrap a rebuild. onUploadResult
// may be nil when no metrics collector is running.
func (a *app) buildEngine(onUploadResult func(target string, err error)) (*replication.Engine, bool, error) {
	statePath := filepath.Join(a.cfg.Replication.StateDir, "replication.db")
	state, isNew, err := replication.Open(statePath)
	if err != nil {
		return nil, false, fmt.Errorf("open replication state: %w", err)
	}

	engine := replication.New(replication.Config{
		LocalNodeID:    a.nodeID,
		Store:          replication.NewDocstoreAdapter(a.client),
		State:          state,
		Logger:         a.logger,
		OnUploadResult: onUploadResult,
	})
	return engine, isNew, nil
}

func newLogger(g config.Global) (*slog.Logger, error) {
	var level slog.Level
	switch g.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if g.LogFile != "" {
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}
