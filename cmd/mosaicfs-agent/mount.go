package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mheily/mosaicfs/internal/cache"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/fuse"
	"github.com/mheily/mosaicfs/internal/vfsadapter"
)

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount [path]",
		Short: "Mount the synthesized virtual tree over FUSE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			mountPoint := ""
			if len(args) == 1 {
				mountPoint = args[0]
			}
			return runMount(cmd.Context(), configPath, mountPoint)
		},
	}
	return cmd
}

func runMount(ctx context.Context, configPath, mountPointOverride string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}

	blockCache, err := cache.Open(a.cfg.Cache.Dir, a.cfg.Cache.CapBytes, a.cfg.Cache.MinFreeBytes)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer blockCache.Close()

	resolver := vfsadapter.TieredResolver{
		LocalNodeID: a.nodeID,
		WatchPaths:  a.cfg.Agent.WatchPaths,
		Client:      a.client,
		Cache:       vfsadapter.NewCacheAdapter(blockCache),
		Store:       a.adapter,
		Downloader:  vfsadapter.ReplicaDownloader{},
	}
	fetcher := &vfsadapter.AgentFetcher{Cache: blockCache}
	cacheAdapter := vfsadapter.NewCacheAdapter(blockCache)

	fsCfg := fuse.Config{
		AttrTTL:            a.cfg.FUSE.AttrTTL.Duration,
		DefaultUID:         uint32(os.Getuid()),
		DefaultGID:         uint32(os.Getgid()),
		FileMode:           0o444,
		DirMode:            0o755,
		BlockModeThreshold: a.cfg.Cache.BlockModeThresh,
		BlockSize:          a.cfg.Cache.BlockSize,
	}
	filesystem := fuse.New(a.adapter, a.adapter, a.adapter, resolver, fetcher, cacheAdapter, documents.DirectoryID("/"), fsCfg, a.logger)

	mountPoint := a.cfg.FUSE.MountPoint
	if mountPointOverride != "" {
		mountPoint = mountPointOverride
	}
	if mountPoint == "" {
		return fmt.Errorf("no mount point configured: pass one as an argument or set fuse.mount_point")
	}

	manager := fuse.NewMountManager(filesystem, &fuse.MountConfig{
		MountPoint: mountPoint,
		Options: &fuse.MountOptions{
			AttrTimeout:  a.cfg.FUSE.AttrTTL.Duration,
			EntryTimeout: a.cfg.FUSE.AttrTTL.Duration,
			FSName:       "mosaicfs",
			Subtype:      "mosaicfs",
		},
	}, a.logger)

	if err := manager.Mount(ctx); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	a.logger.Info("mounted", "mount_point", mountPoint)

	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return manager.Unmount()
	case <-done:
		return nil
	}
}
