package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/mheily/mosaicfs/internal/agentserver"
	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// heartbeatInterval controls how often this agent republishes its
// node document so peers' Tier 4/4b lookups see a fresh endpoint and
// bearer token.
const heartbeatInterval = 30 * time.Second

// startAgentServer brings up this host's file-server and inter-agent
// replication HTTP surface and keeps this
// node's document in D current so peers can find it. It returns the
// per-run bearer token other agents must present for Tier 4 fetches.
func startAgentServer(ctx context.Context, a *app) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate file server token: %w", err)
	}

	var replicas *backend.DirectoryAdapter
	if a.cfg.AgentServer.ReplicaDataDir != "" {
		replicas = backend.NewDirectoryAdapter(a.cfg.AgentServer.ReplicaDataDir)
	}

	srv := agentserver.New(agentserver.Config{
		BearerToken: token,
		AccessKeyID: a.cfg.AgentServer.AccessKeyID,
		HMACKey:     a.cfg.AgentServer.HMACKey,
		WatchPaths:  a.cfg.Agent.WatchPaths,
		Replicas:    replicas,
	}, a.logger)

	runServerUntilDone(ctx, a, fmt.Sprintf(":%d", a.cfg.AgentServer.Port), srv.Handler())

	endpoint := advertisedEndpoint(a)
	go runHeartbeat(ctx, a, endpoint, token)

	return token, nil
}

func advertisedEndpoint(a *app) string {
	host := a.cfg.AgentServer.AdvertiseHost
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("http://%s:%d", host, a.cfg.AgentServer.Port)
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// runHeartbeat republishes this node's document on heartbeatInterval
// so its Status/LastHeartbeat/Transfer/AgentToken stay fresh for
// peers resolving Tier 4/4b against it.
func runHeartbeat(ctx context.Context, a *app, endpoint, token string) {
	publish := func() {
		if err := publishHeartbeat(ctx, a, endpoint, token); err != nil {
			a.logger.Warn("heartbeat publish failed", "error", err)
		}
	}
	publish()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

func publishHeartbeat(ctx context.Context, a *app, endpoint, token string) error {
	id := documents.NodeID(a.nodeID)
	var n documents.Node
	err := a.client.Get(ctx, id, &n)
	if err != nil {
		mosaicErr, ok := err.(*errors.Error)
		if !ok || mosaicErr.Kind != errors.NotFound {
			return err
		}
		n = documents.Node{ID: id, Type: "node"}
	}

	n.Status = documents.NodeOnline
	n.LastHeartbeat = time.Now()
	n.VFSCapable = true
	n.Transfer = &documents.TransferConfig{Endpoint: endpoint, Protocol: "http"}
	n.FileServerURL = endpoint
	n.AgentToken = token

	_, err = a.client.Put(ctx, id, &n)
	return err
}
