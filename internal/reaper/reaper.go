// Package reaper cleans up after containers that died without a Stop:
// stale registry records, orphaned working directories and leftover
// Docker containers.
package reaper

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/store"
)

// DefaultMinAge protects directories a container is still staging.
const DefaultMinAge = time.Minute

type Reaper struct {
	store     ReaperStore
	docker    ReaperDocker
	baseDir   string
	interval  time.Duration
	retention time.Duration
	minAge    time.Duration
	locked    func(dir string) (bool, error)
	now       func() time.Time
	logger    *slog.Logger
}

func New(st ReaperStore, baseDir string, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		baseDir:  baseDir,
		interval: interval,
		minAge:   DefaultMinAge,
		locked:   host.Locked,
		now:      time.Now,
		logger:   logger,
	}
}

// SetDocker enables removal of leftover Docker guests.
func (r *Reaper) SetDocker(d ReaperDocker) {
	r.docker = d
}

// SetRetention makes the reaper delete destroyed records older than d.
func (r *Reaper) SetRetention(d time.Duration) {
	r.retention = d
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "base_dir", r.baseDir)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// reconcile marks records whose container is gone as crashed. A container
// is live while its working directory lock is held.
func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	for _, state := range []string{store.StateHealthy, store.StatePoolIdle} {
		records, err := r.store.ListByState(state)
		if err != nil {
			r.logger.Error("reconcile: list containers", "state", state, "error", err)
			return
		}
		for _, c := range records {
			if ctx.Err() != nil {
				return
			}
			live, err := r.locked(c.Workdir)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("reconcile: error checking container", "container", c.ID, "error", err)
				continue
			}
			if live {
				continue
			}
			r.logger.Warn("reconcile: container not running, marking crashed", "container", c.ID)
			if err := r.store.UpdateState(c.ID, store.StateCrashed); err != nil {
				r.logger.Error("reconcile: update state", "container", c.ID, "error", err)
			}
		}
	}

	r.logger.Info("reconciliation complete")
}

func (r *Reaper) sweep(ctx context.Context) {
	r.sweepWorkdirs()
	if r.docker != nil {
		r.sweepDocker(ctx)
	}
	if r.retention > 0 {
		n, err := r.store.PruneDestroyed(r.now().Add(-r.retention))
		if err != nil {
			r.logger.Error("reaper: prune records", "error", err)
		} else if n > 0 {
			r.logger.Info("reaper: pruned records", "count", n)
		}
	}
}

// sweepWorkdirs removes working directories nobody holds the lock on.
// The lock is taken before removal so a container cannot claim the
// directory halfway through.
func (r *Reaper) sweepWorkdirs() {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("reaper: read base dir", "error", err)
		}
		return
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || r.now().Sub(info.ModTime()) < r.minAge {
			continue
		}
		dir := filepath.Join(r.baseDir, e.Name())
		lock := flock.New(filepath.Join(dir, host.LockFileName))
		ok, err := lock.TryLock()
		if err != nil {
			r.logger.Warn("reaper: lock working directory", "path", dir, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.logger.Info("reaping orphaned working directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Error("reaper: remove working directory", "path", dir, "error", err)
		} else {
			removed++
		}
		_ = lock.Unlock()
	}

	if removed > 0 {
		r.logger.Info("reaper: removed working directories", "count", removed)
	}
}

// sweepDocker removes managed Docker guests whose host side is gone.
func (r *Reaper) sweepDocker(ctx context.Context) {
	managed, err := r.docker.ListManaged(ctx)
	if err != nil {
		r.logger.Error("reaper: list docker guests", "error", err)
		return
	}
	for _, m := range managed {
		live, err := r.locked(filepath.Join(r.baseDir, m.Name))
		if err == nil && live {
			continue
		}
		r.logger.Info("reaping leftover docker guest", "container", m.Name, "id", m.ID)
		if err := r.docker.Remove(ctx, m.ID); err != nil {
			r.logger.Error("reaper: remove docker guest", "container", m.Name, "error", err)
		}
		if err := r.store.UpdateState(m.Name, store.StateCrashed); err != nil {
			r.logger.Debug("reaper: update state", "container", m.Name, "error", err)
		}
	}
}
