// Package config loads the agent's YAML configuration file: global
// logging and port settings, crawl/watch paths, block cache sizing,
// replication defaults, document-store connection info, and the FUSE
// mount. Human-readable sizes ("2GiB", "512MB") are accepted wherever
// a byte count is expected.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"
)

// Global holds process-wide logging and observability settings.
type Global struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// Agent holds this node's identity and crawl/watch scope.
type Agent struct {
	StateDir      string   `yaml:"state_dir"`
	NodeIDFile    string   `yaml:"node_id_file"`
	WatchPaths    []string `yaml:"watch_paths"`
	ExcludedPaths []string `yaml:"excluded_paths"`
	CrawlInterval Duration `yaml:"crawl_interval"`
}

// Cache holds the block cache's sizing and mode-selection knobs.
type Cache struct {
	Dir                string `yaml:"dir"`
	CapBytesStr        string `yaml:"cap_bytes"`
	MinFreeBytesStr    string `yaml:"min_free_bytes"`
	BlockSizeStr       string `yaml:"block_size"`
	BlockModeThreshStr string `yaml:"block_mode_threshold"`

	CapBytes        uint64 `yaml:"-"`
	MinFreeBytes    uint64 `yaml:"-"`
	BlockSize       uint64 `yaml:"-"`
	BlockModeThresh uint64 `yaml:"-"`
}

// Replication holds the replication engine's default schedule,
// bandwidth, and retention knobs, used when a rule omits them.
type Replication struct {
	StateDir              string `yaml:"state_dir"`
	DefaultSchedule       string `yaml:"default_schedule"`
	DefaultBandwidthStr   string `yaml:"default_bandwidth"`
	DefaultRetentionCount int    `yaml:"default_retention_count"`

	DefaultBandwidthBytesPerSec uint64 `yaml:"-"`
}

// DocumentStore holds the connection to the shared document store D.
type DocumentStore struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FUSE holds the mount point and attribute cache settings for the
// synthesized VFS.
type FUSE struct {
	MountPoint string   `yaml:"mount_point"`
	AttrTTL    Duration `yaml:"attr_ttl"`
}

// AgentServer holds the per-host HTTP listener settings for the agent
// file server and the inter-agent replication endpoints: the bearer token
// that gates Tier 4 remote-fetch reads, the HMAC credentials that gate
// peer-agent replica traffic, and the local directory that backs this
// agent acting as an "agent" backend replication target for peers.
type AgentServer struct {
	Port           int    `yaml:"port"`
	AdvertiseHost  string `yaml:"advertise_host"`
	BearerToken    string `yaml:"bearer_token"`
	AccessKeyID    string `yaml:"access_key_id"`
	HMACKey        string `yaml:"hmac_key"`
	ReplicaDataDir string `yaml:"replica_data_dir"`
}

// Configuration is the top-level shape of the agent's YAML config
// file.
type Configuration struct {
	Global        Global        `yaml:"global"`
	Agent         Agent         `yaml:"agent"`
	Cache         Cache         `yaml:"cache"`
	Replication   Replication   `yaml:"replication"`
	DocumentStore DocumentStore `yaml:"document_store"`
	FUSE          FUSE          `yaml:"fuse"`
	AgentServer   AgentServer   `yaml:"agent_server"`
}

// Duration wraps time.Duration so config values can be written as
// plain strings ("500ms", "1h") in YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// NewDefault returns a Configuration with the agent's out-of-box
// defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: Global{
			LogLevel:    "INFO",
			MetricsPort: 9090,
			HealthPort:  9091,
		},
		Agent: Agent{
			StateDir:      "/var/lib/mosaicfs",
			NodeIDFile:    "node_id",
			CrawlInterval: Duration{24 * time.Hour},
		},
		Cache: Cache{
			Dir:                "/var/cache/mosaicfs",
			CapBytesStr:        "2GiB",
			MinFreeBytesStr:    "256MiB",
			BlockSizeStr:       "4MiB",
			BlockModeThreshStr: "50MiB",
		},
		Replication: Replication{
			StateDir:              "/var/lib/mosaicfs",
			DefaultSchedule:       "00:00-23:59",
			DefaultBandwidthStr:   "10MB",
			DefaultRetentionCount: 3,
		},
		FUSE: FUSE{
			AttrTTL: Duration{5 * time.Second},
		},
		AgentServer: AgentServer{
			Port:           9092,
			ReplicaDataDir: "/var/lib/mosaicfs/replicas",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file, applying
// defaults for anything unset and resolving human-readable size
// strings into byte counts.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.resolveSizes(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes cfg as YAML to path.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Configuration) resolveSizes() error {
	var err error
	if c.Cache.CapBytes, err = humanize.ParseBytes(c.Cache.CapBytesStr); err != nil {
		return fmt.Errorf("cache.cap_bytes: %w", err)
	}
	if c.Cache.MinFreeBytes, err = humanize.ParseBytes(c.Cache.MinFreeBytesStr); err != nil {
		return fmt.Errorf("cache.min_free_bytes: %w", err)
	}
	if c.Cache.BlockSize, err = humanize.ParseBytes(c.Cache.BlockSizeStr); err != nil {
		return fmt.Errorf("cache.block_size: %w", err)
	}
	if c.Cache.BlockModeThresh, err = humanize.ParseBytes(c.Cache.BlockModeThreshStr); err != nil {
		return fmt.Errorf("cache.block_mode_threshold: %w", err)
	}
	if c.Replication.DefaultBandwidthBytesPerSec, err = humanize.ParseBytes(c.Replication.DefaultBandwidthStr); err != nil {
		return fmt.Errorf("replication.default_bandwidth: %w", err)
	}
	return nil
}

// Validate checks the configuration for values that would prevent the
// agent from starting.
func (c *Configuration) Validate() error {
	switch c.Global.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("global.log_level: invalid level %q", c.Global.LogLevel)
	}
	if c.Agent.StateDir == "" {
		return fmt.Errorf("agent.state_dir must not be empty")
	}
	if c.Cache.BlockSize == 0 {
		return fmt.Errorf("cache.block_size must be greater than zero")
	}
	if c.Cache.BlockModeThresh < c.Cache.BlockSize {
		return fmt.Errorf("cache.block_mode_threshold must be at least one block_size")
	}
	if c.DocumentStore.BaseURL == "" {
		return fmt.Errorf("document_store.base_url must not be empty")
	}
	return nil
}
