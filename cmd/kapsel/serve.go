package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/kapsel/internal/api"
	klog "github.com/p-arndt/kapsel/internal/log"
	"github.com/p-arndt/kapsel/internal/reaper"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var preload []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kapsel host daemon and its HTTP API",
		Example: `  kapsel serve --config kapsel.yaml
  kapsel serve --load demo --load tools`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, preload)
		},
	}
	cmd.Flags().StringSliceVar(&preload, "load", nil, "package to load at startup (repeatable)")
	return cmd
}

func runServe(parent context.Context, root *rootFlags, preload []string) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{Registerer: reg, WithPool: true})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	if rt.pool != nil {
		rt.pool.Start(ctx)
	}
	for _, pkg := range preload {
		info, err := rt.provider.Load(ctx, pkg, nil)
		if err != nil {
			return fmt.Errorf("load %s: %w", pkg, err)
		}
		logger.Info("preloaded package", "package", pkg, "container", info.Container)
	}

	rpr := reaper.New(rt.store, cfg.BaseDir, cfg.Reaper.Interval(), klog.WithComponent(logger, "reaper"))
	rpr.SetRetention(cfg.Reaper.Retention())
	if rt.docker != nil {
		rpr.SetDocker(rt.docker)
	}

	srv := api.NewServer(cfg, rt.provider, rt.store, reg, klog.WithComponent(logger, "api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rpr.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctx, 10*time.Second)
	})

	fmt.Fprintf(os.Stderr, "\n  kapsel host ready at http://%s\n\n", cfg.Listen)
	err = g.Wait()
	logger.Info("shutting down")
	return err
}
