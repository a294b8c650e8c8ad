package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, 9090, cfg.Global.MetricsPort)
	assert.Equal(t, 9091, cfg.Global.HealthPort)
	assert.Equal(t, "2GiB", cfg.Cache.CapBytesStr)
	assert.Equal(t, 3, cfg.Replication.DefaultRetentionCount)
}

func TestNewDefault_AgentServer(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, 9092, cfg.AgentServer.Port)
	assert.Equal(t, "/var/lib/mosaicfs/replicas", cfg.AgentServer.ReplicaDataDir)
	assert.Empty(t, cfg.AgentServer.BearerToken)
}

func TestLoadFromFile_OverridesAgentServer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mosaicfs.yaml")
	body := `
document_store:
  base_url: http://localhost:5984/mosaicfs
agent_server:
  port: 9999
  advertise_host: agent-a.lan
  access_key_id: AKID123
  hmac_key: s3cr3t
  replica_data_dir: /srv/mosaicfs/replicas
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.AgentServer.Port)
	assert.Equal(t, "agent-a.lan", cfg.AgentServer.AdvertiseHost)
	assert.Equal(t, "AKID123", cfg.AgentServer.AccessKeyID)
	assert.Equal(t, "s3cr3t", cfg.AgentServer.HMACKey)
	assert.Equal(t, "/srv/mosaicfs/replicas", cfg.AgentServer.ReplicaDataDir)
}

func TestLoadFromFile_ResolvesSizesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mosaicfs.yaml")
	body := `
global:
  log_level: DEBUG
agent:
  state_dir: /tmp/mosaicfs
  watch_paths:
    - /home/alice/Documents
cache:
  cap_bytes: 512MiB
  block_size: 1MiB
  block_mode_threshold: 4MiB
document_store:
  base_url: http://localhost:5984/mosaicfs
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, uint64(512*1024*1024), cfg.Cache.CapBytes)
	assert.Equal(t, uint64(1024*1024), cfg.Cache.BlockSize)
	assert.Equal(t, uint64(4*1024*1024), cfg.Cache.BlockModeThresh)
	// Defaults survive for sections the file didn't override.
	assert.Equal(t, "256MiB", cfg.Cache.MinFreeBytesStr)
	assert.Equal(t, []string{"/home/alice/Documents"}, cfg.Agent.WatchPaths)
}

func TestValidate_RejectsMissingDocumentStoreURL(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.resolveSizes())
	err := cfg.Validate()
	assert.ErrorContains(t, err, "document_store.base_url")
}

func TestValidate_RejectsBlockModeThresholdBelowBlockSize(t *testing.T) {
	cfg := NewDefault()
	cfg.DocumentStore.BaseURL = "http://localhost:5984/mosaicfs"
	require.NoError(t, cfg.resolveSizes())
	cfg.Cache.BlockModeThresh = cfg.Cache.BlockSize - 1
	err := cfg.Validate()
	assert.ErrorContains(t, err, "block_mode_threshold")
}
