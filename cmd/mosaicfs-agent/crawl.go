package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mheily/mosaicfs/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walk this node's export roots and reconcile file documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once {
				return fmt.Errorf("crawl currently only supports --once; the periodic crawl runs under 'serve'")
			}
			configPath, _ := cmd.Flags().GetString("config")
			return runCrawlOnce(cmd.Context(), configPath)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single crawl pass and exit")
	return cmd
}

func runCrawlOnce(ctx context.Context, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}

	engine, isNew, err := a.buildEngine(nil)
	if err != nil {
		return err
	}
	go engine.Run(ctx)
	defer engine.Stop()
	engine.Bootstrap(ctx, isNew)

	c := crawler.New(crawler.Config{
		NodeID:        a.nodeID,
		Roots:         a.cfg.Agent.WatchPaths,
		ExcludedPaths: a.cfg.Agent.ExcludedPaths,
		Store:         a.adapter,
		Sink:          engine,
		Logger:        a.logger,
	})

	counts, err := c.Run(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	a.logger.Info("crawl complete",
		"new", counts.New, "updated", counts.Updated,
		"skipped", counts.Skipped, "deleted", counts.Deleted)
	return nil
}
