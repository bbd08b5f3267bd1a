package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/host"
	klog "github.com/p-arndt/kapsel/internal/log"
	"github.com/p-arndt/kapsel/internal/plugins"
	"github.com/p-arndt/kapsel/internal/pool"
	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/internal/provider"
	"github.com/p-arndt/kapsel/internal/remote"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/internal/transport"
)

const metricsNamespace = "kapsel"

// runtime is everything a host command needs, wired from the config.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	docker   *host.DockerLauncher
	pool     *pool.Pool[provider.Container]
	provider *provider.Provider
}

type runtimeOptions struct {
	Registerer prometheus.Registerer
	// WithPool starts the pre-warmed pool when the config enables it.
	WithPool bool
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.close(context.Background())
		}
	}()

	var err error

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	rt.store, err = store.New(cfg.DBPath, store.DefaultMaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	launcher, err := rt.launcher(ctx)
	if err != nil {
		return nil, err
	}
	hostOpts, err := hostOptions(cfg, launcher, logger, opts.Registerer)
	if err != nil {
		return nil, err
	}

	var pm *provider.Metrics
	if opts.Registerer != nil {
		pm = provider.NewMetrics(opts.Registerer, metricsNamespace)
	}
	factory := provider.HostFactory(hostOpts)

	if opts.WithPool {
		rt.pool = pool.New(cfg.Pool, pool.Options[provider.Container]{
			Create: func(ctx context.Context, pkg string) (provider.Container, error) {
				spec := provider.SpecFor(cfg.Packages, pkg)
				spec.Plugins = cfg.Packages[pkg].Plugins
				return factory(ctx, spec)
			},
			Store:  rt.store,
			Logger: klog.WithComponent(logger, "pool"),
		})
	}

	popts := provider.Options{
		Factory:  factory,
		Store:    rt.store,
		Packages: cfg.Packages,
		Metrics:  pm,
		Logger:   logger,
	}
	if rt.pool != nil {
		popts.Pool = rt.pool
	}
	rt.provider, err = provider.New(popts)
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func (rt *runtime) launcher(ctx context.Context) (host.Launcher, error) {
	g := rt.cfg.Guest
	switch g.Launcher {
	case config.LauncherInProc:
		return &host.InProcLauncher{Catalog: plugins.Catalog()}, nil
	case config.LauncherDocker:
		d := rt.cfg.Docker
		dl, err := host.NewDockerLauncher(d.Image, host.DockerLimits{
			CPUs:        d.CPUs,
			Memory:      d.Memory,
			PidsLimit:   d.PidsLimit,
			NetworkMode: d.NetworkMode,
		})
		if err != nil {
			return nil, err
		}
		rt.docker = dl
		if d.GuestPath != "" {
			dl.GuestPath = d.GuestPath
		}
		if err := dl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("docker ping failed, is Docker running? %w", err)
		}
		return dl, nil
	default:
		path, err := guestPath(g.Path)
		if err != nil {
			return nil, err
		}
		return &host.ProcessLauncher{
			Path: path,
			Args: g.Args,
			Env:  []string{"KAPSEL_GUEST_LOG_LEVEL=" + rt.cfg.LogLevel, "KAPSEL_GUEST_LOG_FORMAT=" + rt.cfg.LogFormat},
		}, nil
	}
}

// guestPath resolves the guest executable. A bare name is looked up next
// to the kapsel binary first.
func guestPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("guest.path is empty")
	}
	if filepath.Base(p) == p {
		if self, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(self), p)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return p, nil
}

func hostOptions(cfg *config.Config, launcher host.Launcher, logger *slog.Logger, reg prometheus.Registerer) (host.Options, error) {
	maxMsg, err := cfg.MaxMessageBytes()
	if err != nil {
		return host.Options{}, err
	}
	g := cfg.Guest
	opts := host.Options{
		BaseDir:           cfg.BaseDir,
		Scheme:            transport.Scheme(g.Scheme),
		Protocol:          g.Protocol,
		Launcher:          launcher,
		ListenAddr:        g.ListenAddr,
		AdvertiseHost:     g.AdvertiseHost,
		StartupTimeout:    g.StartupTimeout(),
		StopGrace:         g.StopGrace(),
		HeartbeatInterval: g.HeartbeatInterval(),
		MissedBeats:       g.MissedBeats,
		MailboxLifetime:   g.MailboxLifetime(),
		MaxMessageSize:    maxMsg,
		DebugTimeouts:     g.DebugTimeouts,
		DedicatedThread:   g.DedicatedThread,
		Logger:            klog.WithComponent(logger, "host"),
	}
	if reg != nil {
		opts.PostOfficeMetrics = postoffice.NewMetrics(reg, metricsNamespace+"_host")
		opts.SinkMetrics = remote.NewSinkMetrics(reg, metricsNamespace)
	}
	return opts, nil
}

// close stops everything newRuntime started, newest first.
func (rt *runtime) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if rt.provider != nil {
		if err := rt.provider.Close(ctx); err != nil {
			rt.logger.Warn("close provider", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Stop(ctx)
	}
	if rt.docker != nil {
		if err := rt.docker.Close(); err != nil {
			rt.logger.Warn("close docker client", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close store", "error", err)
		}
	}
}
