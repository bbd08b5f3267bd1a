package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/store"
)

var ErrStopped = errors.New("pool stopped")

// DefaultRefillInterval is how often refill workers top up each package.
const DefaultRefillInterval = 5 * time.Second

type Options[C Member] struct {
	Create         CreateFunc[C]
	Store          Store // optional
	Logger         *slog.Logger
	RefillInterval time.Duration
}

// Pool keeps pre-warmed idle containers per package, ready for instant use.
type Pool[C Member] struct {
	create  CreateFunc[C]
	store   Store
	logger  *slog.Logger
	every   time.Duration
	targets map[string]int

	mu      sync.RWMutex
	idle    map[string]chan C
	filling map[string]*sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	workers sync.WaitGroup
}

// New returns nil when pooling is disabled or no package has a size.
func New[C Member](cfg config.PoolConfig, opts Options[C]) *Pool[C] {
	if !cfg.Enabled || opts.Create == nil {
		return nil
	}
	targets := make(map[string]int)
	for pkg, n := range cfg.Packages {
		if n > 0 {
			targets[pkg] = n
		}
	}
	if len(targets) == 0 {
		return nil
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RefillInterval <= 0 {
		opts.RefillInterval = DefaultRefillInterval
	}

	p := &Pool[C]{
		create:  opts.Create,
		store:   opts.Store,
		logger:  opts.Logger.With("component", "pool"),
		every:   opts.RefillInterval,
		targets: targets,
		idle:    make(map[string]chan C),
		filling: make(map[string]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}
	for pkg, n := range targets {
		p.idle[pkg] = make(chan C, n)
		p.filling[pkg] = &sync.Mutex{}
	}
	return p
}

// Packages lists the pooled packages.
func (p *Pool[C]) Packages() []string {
	return slices.Sorted(maps.Keys(p.targets))
}

// Start begins pre-warming containers in the background.
func (p *Pool[C]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("starting container pool", "packages", p.targets)
	for pkg := range p.targets {
		p.workers.Add(1)
		go p.refillWorker(ctx, pkg)
	}
}

// Stop ends the refill workers and stops every idle container.
func (p *Pool[C]) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.workers.Wait()
	p.logger.Info("stopping container pool")

	// Workers are gone and Get refuses to hand out, so nothing else
	// touches the channels.
	for pkg, ch := range p.idle {
		close(ch)
		for c := range ch {
			p.logger.Info("cleaning up pooled container", "package", pkg, "container", c.Name())
			c.Stop(ctx)
			p.setState(c.Name(), store.StateDestroyed)
		}
	}
}

// Get hands out an idle container for pkg without blocking. Idle
// containers that went unhealthy are discarded on the way.
func (p *Pool[C]) Get(ctx context.Context, pkg string) (C, bool) {
	var zero C
	p.mu.RLock()
	ch, ok := p.idle[pkg]
	stopped := p.stopped
	p.mu.RUnlock()
	if !ok || stopped {
		return zero, false
	}

	for {
		select {
		case c := <-ch:
			select {
			case <-c.Unhealthy():
				p.logger.Warn("discarding unhealthy pooled container", "package", pkg, "container", c.Name())
				go c.Stop(context.WithoutCancel(ctx))
				p.setState(c.Name(), store.StateCrashed)
				continue
			default:
			}
			p.logger.Info("using pooled container", "package", pkg, "container", c.Name())
			return c, true
		default:
			return zero, false
		}
	}
}

// Idle reports how many containers wait for pkg.
func (p *Pool[C]) Idle(pkg string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.idle[pkg])
}

// Refill tops pkg up to count idle containers, or to its configured size
// when count <= 0.
func (p *Pool[C]) Refill(ctx context.Context, pkg string, count int) error {
	p.mu.RLock()
	ch, ok := p.idle[pkg]
	fill := p.filling[pkg]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("package %s is not pooled", pkg)
	}
	if count <= 0 || count > cap(ch) {
		count = cap(ch)
	}

	fill.Lock()
	defer fill.Unlock()

	needed := count - len(ch)
	if needed <= 0 {
		return nil
	}
	p.logger.Info("refilling pool", "package", pkg, "current", len(ch), "target", count, "creating", needed)

	for range needed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		default:
		}

		c, err := p.create(ctx, pkg)
		if err != nil {
			return fmt.Errorf("create pooled container for %s: %w", pkg, err)
		}
		if p.store != nil {
			if err := p.store.CreateContainer(Record(c, "", store.StatePoolIdle)); err != nil {
				p.logger.Warn("record pooled container", "container", c.Name(), "error", err)
			}
		}

		p.mu.RLock()
		stopped := p.stopped
		var added bool
		if !stopped {
			select {
			case ch <- c:
				added = true
			default:
			}
		}
		p.mu.RUnlock()
		if !added {
			// Pool filled or stopped while we were creating.
			c.Stop(ctx)
			p.setState(c.Name(), store.StateDestroyed)
			if stopped {
				return ErrStopped
			}
			continue
		}
		p.logger.Info("created pooled container", "package", pkg, "container", c.Name())
	}
	return nil
}

// RefillAll pre-warms every pooled package once.
func (p *Pool[C]) RefillAll(ctx context.Context) {
	for pkg := range p.targets {
		if err := p.Refill(ctx, pkg, 0); err != nil {
			p.logger.Error("pool refill failed", "package", pkg, "error", err)
		}
	}
}

func (p *Pool[C]) refillWorker(ctx context.Context, pkg string) {
	defer p.workers.Done()
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	for {
		if err := p.Refill(ctx, pkg, 0); err != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
			p.logger.Error("pool refill failed", "package", pkg, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool[C]) setState(name, state string) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateState(name, state); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("update container state", "container", name, "state", state, "error", err)
	}
}

// Record describes m as a registry row.
func Record(m Member, pkg, state string) *store.Container {
	return &store.Container{
		ID:         m.Name(),
		Package:    pkg,
		State:      state,
		PID:        m.PID(),
		Workdir:    m.Dir(),
		ConnString: m.ConnString(),
		Protocol:   m.Protocol(),
		Digest:     m.Digest(),
		CreatedAt:  m.CreatedAt(),
	}
}
