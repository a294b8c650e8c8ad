package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountConfig carries the mount point and kernel-facing options for
// one FUSE mount; entry ownership and modes live on the filesystem's
// own Config.
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions are the kernel mount options the read-only VFS exposes.
type MountOptions struct {
	AllowOther   bool          `yaml:"allow_other"`
	AllowRoot    bool          `yaml:"allow_root"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountConfig returns the out-of-box mount settings: read-only
// with 5s kernel attribute caching.
func DefaultMountConfig(mountPoint string) *MountConfig {
	return &MountConfig{
		MountPoint: mountPoint,
		Options: &MountOptions{
			FSName:       "mosaicfs",
			Subtype:      "mosaicfs",
			AttrTimeout:  5 * time.Second,
			EntryTimeout: 5 * time.Second,
		},
	}
}

// MountManager owns the lifecycle of one FUSE mount: validate the
// mount point, mount, serve, and unmount (with a lazy-unmount
// fallback for a wedged kernel connection).
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	logger     *slog.Logger
	mounted    bool
}

// NewMountManager builds a MountManager for filesystem at config's
// mount point. A nil config gets DefaultMountConfig's settings.
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *slog.Logger) *MountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	if config.Options == nil {
		config.Options = DefaultMountConfig("").Options
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger,
	}
}

// Mount mounts the filesystem and starts serving in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}
	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted", "mount_point", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.logger.Info("fuse server stopped", "mount_point", m.config.MountPoint)
		m.mounted = false
	}()
	return nil
}

// Unmount detaches the filesystem, falling back to a lazy unmount if
// the kernel refuses (open file handles, busy mount).
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, forcing", "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}
	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted", "mount_point", m.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool { return m.mounted }

// MountPoint returns the configured mount point.
func (m *MountManager) MountPoint() string { return m.config.MountPoint }

// Wait blocks until the kernel connection closes.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// Stats returns a snapshot of the filesystem's operation counters.
func (m *MountManager) Stats() Stats {
	if m.filesystem == nil {
		return Stats{}
	}
	return m.filesystem.Stats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	if entries, err := os.ReadDir(m.config.MountPoint); err == nil && len(entries) > 0 {
		m.logger.Warn("mount point is not empty", "mount_point", m.config.MountPoint)
	}
	if m.appearsMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        o.FSName,
			FsName:      o.FSName,
			DirectMount: true,
			Debug:       o.Debug,
			AllowOther:  o.AllowOther,
			Options:     []string{"ro"},
		},
		AttrTimeout:     &o.AttrTimeout,
		EntryTimeout:    &o.EntryTimeout,
		NullPermissions: true,
	}
	if o.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, "subtype="+o.Subtype)
	}
	return opts
}

// appearsMounted checks /proc/mounts for the mount point; on systems
// without procfs it reports false and mounting proceeds.
func (m *MountManager) appearsMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), " "+filepath.Clean(m.config.MountPoint)+" ")
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH first, MNT_FORCE as the last resort.
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}

// MountWatcher periodically verifies the kernel still has the mount
// attached, logging when the mount state drifts from what the manager
// believes (e.g. an external umount).
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher builds a watcher polling every interval (default 30s).
func NewMountWatcher(manager *MountManager, interval time.Duration) *MountWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MountWatcher{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins polling in the background.
func (w *MountWatcher) Start() { go w.run() }

// Stop halts polling and waits for the loop to exit.
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMount()
		}
	}
}

func (w *MountWatcher) checkMount() {
	expected := w.manager.IsMounted()
	actual := w.manager.appearsMounted()
	if expected && !actual {
		w.manager.logger.Warn("mount missing from kernel table", "mount_point", w.manager.MountPoint())
	} else if !expected && actual {
		w.manager.logger.Warn("stale mount left in kernel table", "mount_point", w.manager.MountPoint())
	}
}
