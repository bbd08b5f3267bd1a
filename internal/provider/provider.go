// Package provider maps plugin packages to guest containers and replaces a
// package's container when it becomes unhealthy.
package provider

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
	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/pool"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/protocol"
)

var (
	ErrNotLoaded = errors.New("package not loaded")
	ErrClosed    = errors.New("provider closed")
)

// Recycle reasons that are not liveness reasons.
const (
	ReasonManual = "manual"
)

type Options struct {
	Factory  Factory
	Store    ContainerStore // optional
	Pool     ContainerPool  // optional
	Packages map[string]config.PackageConfig
	Metrics  *Metrics
	Logger   *slog.Logger

	// RecycleAttempts bounds how often a replacement is tried before the
	// package is dropped.
	RecycleAttempts int
	RecycleBackoff  time.Duration
	StopTimeout     time.Duration
}

// Info describes a loaded package.
type Info struct {
	Package   string    `json:"package"`
	Container string    `json:"container"`
	PID       int       `json:"pid"`
	Plugins   []string  `json:"plugins"`
	Recycles  int       `json:"recycles"`
	Healthy   bool      `json:"healthy"`
	LoadedAt  time.Time `json:"loaded_at"`
}

type entry struct {
	pkg      string
	plugins  []string
	c        Container
	recycles int
	loadedAt time.Time
}

type Provider struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	// Per-package mutexes serialize load, recycle and unload.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(opts Options) (*Provider, error) {
	if opts.Factory == nil {
		return nil, errors.New("provider: factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RecycleAttempts <= 0 {
		opts.RecycleAttempts = 3
	}
	if opts.RecycleBackoff <= 0 {
		opts.RecycleBackoff = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		opts:    opts,
		logger:  opts.Logger.With("component", "provider"),
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (p *Provider) packageLock(pkg string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	mu, ok := p.locks[pkg]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[pkg] = mu
	}
	return mu
}

// SpecFor builds the container spec for pkg from the package catalog.
func SpecFor(packages map[string]config.PackageConfig, pkg string) host.Spec {
	spec := host.Spec{Package: pkg}
	pc, ok := packages[pkg]
	if !ok {
		return spec
	}
	spec.PluginDir = pc.PluginDir
	for _, k := range slices.Sorted(maps.Keys(pc.Dimensions)) {
		spec.Dimensions = append(spec.Dimensions, protocol.Dimension{Key: k, Value: pc.Dimensions[k]})
	}
	return spec
}

// Load maps pkg to a container with plugins loaded. Loading an already
// loaded package adds the new plugins to its container.
func (p *Provider) Load(ctx context.Context, pkg string, plugins []string) (Info, error) {
	if pkg == "" {
		return Info{}, errors.New("package name is required")
	}
	if len(plugins) == 0 {
		plugins = p.opts.Packages[pkg].Plugins
	}
	mu := p.packageLock(pkg)
	mu.Lock()
	defer mu.Unlock()

	if err := p.checkOpen(); err != nil {
		return Info{}, err
	}

	if e := p.lookup(pkg); e != nil {
		loaded, err := e.c.LoadPlugins(ctx, plugins)
		if err != nil {
			return Info{}, fmt.Errorf("load plugins into %s: %w", e.c.Name(), err)
		}
		p.mu.Lock()
		e.plugins = loaded
		info := e.info()
		p.mu.Unlock()
		return info, nil
	}

	c, loaded, err := p.start(ctx, pkg, plugins, 0)
	if err != nil {
		return Info{}, err
	}
	e := &entry{pkg: pkg, plugins: loaded, c: c, loadedAt: time.Now().UTC()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(c, store.StateDestroyed)
		return Info{}, ErrClosed
	}
	p.entries[pkg] = e
	n := len(p.entries)
	info := e.info()
	p.mu.Unlock()

	p.opts.Metrics.setPackages(n)
	p.watch(pkg, c)
	p.logger.Info("package loaded", "package", pkg, "container", c.Name(), "plugins", loaded)
	return info, nil
}

// start acquires a container for pkg, from the pool when one is idle, and
// loads plugins into it.
func (p *Provider) start(ctx context.Context, pkg string, plugins []string, recycles int) (Container, []string, error) {
	var c Container
	fromPool := false
	if p.opts.Pool != nil {
		c, fromPool = p.opts.Pool.Get(ctx, pkg)
	}
	if !fromPool {
		var err error
		c, err = p.opts.Factory(ctx, SpecFor(p.opts.Packages, pkg))
		if err != nil {
			return nil, nil, fmt.Errorf("create container for %s: %w", pkg, err)
		}
	} else {
		go func() {
			if err := p.opts.Pool.Refill(context.WithoutCancel(p.ctx), pkg, 0); err != nil {
				p.logger.Debug("pool refill after acquire", "package", pkg, "error", err)
			}
		}()
	}

	loaded, err := c.LoadPlugins(ctx, plugins)
	if err != nil {
		if fromPool {
			p.setState(c.Name(), store.StateDestroyed)
		}
		c.Stop(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("load plugins into %s: %w", c.Name(), err)
	}

	if p.opts.Store != nil {
		var serr error
		if fromPool {
			serr = p.opts.Store.Assign(c.Name(), pkg, recycles)
		} else {
			rec := pool.Record(c, pkg, store.StateHealthy)
			rec.Recycles = recycles
			serr = p.opts.Store.CreateContainer(rec)
		}
		if serr != nil {
			p.logger.Warn("record container", "container", c.Name(), "error", serr)
		}
	}
	return c, loaded, nil
}

// watch recycles pkg when c goes unhealthy.
func (p *Provider) watch(pkg string, c Container) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		select {
		case <-c.Unhealthy():
		case <-p.ctx.Done():
			return
		}
		reason := c.UnhealthyReason()
		p.logger.Warn("container unhealthy", "package", pkg, "container", c.Name(), "reason", reason)
		if err := p.recycle(p.ctx, pkg, c, reason); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("recycle failed", "package", pkg, "error", err)
		}
	}()
}

// Recycle replaces pkg's container even though it is healthy.
func (p *Provider) Recycle(ctx context.Context, pkg string) (Info, error) {
	e := p.lookup(pkg)
	if e == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotLoaded, pkg)
	}
	p.mu.RLock()
	old := e.c
	p.mu.RUnlock()
	if err := p.recycle(ctx, pkg, old, ReasonManual); err != nil {
		return Info{}, err
	}
	return p.Get(pkg)
}

// recycle swaps old for a fresh container with the same plugin set. It is
// a no-op when pkg was unloaded or already moved past old.
func (p *Provider) recycle(ctx context.Context, pkg string, old Container, reason string) error {
	mu := p.packageLock(pkg)
	mu.Lock()
	defer mu.Unlock()

	if err := p.checkOpen(); err != nil {
		return err
	}
	e := p.lookup(pkg)
	p.mu.RLock()
	current := e != nil && e.c == old
	var plugins []string
	var recycles int
	if current {
		plugins = slices.Clone(e.plugins)
		recycles = e.recycles + 1
	}
	p.mu.RUnlock()
	if !current {
		return nil
	}

	oldState := store.StateCrashed
	if reason == ReasonManual {
		oldState = store.StateDestroyed
	}

	var (
		c      Container
		loaded []string
		err    error
	)
	backoff := p.opts.RecycleBackoff
	for attempt := 1; ; attempt++ {
		c, loaded, err = p.start(ctx, pkg, plugins, recycles)
		if err == nil || attempt == p.opts.RecycleAttempts {
			break
		}
		p.logger.Warn("replacement failed", "package", pkg, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
			backoff *= 2
			continue
		case <-ctx.Done():
			err = ctx.Err()
		}
		break
	}
	if err != nil {
		p.mu.Lock()
		delete(p.entries, pkg)
		n := len(p.entries)
		p.mu.Unlock()
		p.opts.Metrics.setPackages(n)
		p.retire(old, oldState)
		return fmt.Errorf("replace container for %s: %w", pkg, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(c, store.StateDestroyed)
		p.retire(old, oldState)
		return ErrClosed
	}
	e.c = c
	e.plugins = loaded
	e.recycles = recycles
	p.mu.Unlock()

	p.opts.Metrics.recycled(pkg, reason)
	p.logger.Info("container recycled", "package", pkg, "old", old.Name(), "new", c.Name(), "reason", reason, "recycles", recycles)
	p.watch(pkg, c)
	p.retire(old, oldState)
	return nil
}

// retire stops c in the background and records its final state.
func (p *Provider) retire(c Container, state string) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
		defer cancel()
		c.Stop(ctx)
		p.setState(c.Name(), state)
	}()
}

// Execute runs plugin in pkg's current container.
func (p *Provider) Execute(ctx context.Context, pkg, plugin string, input []byte) (protocol.ExecuteResponse, error) {
	if err := p.checkOpen(); err != nil {
		return protocol.ExecuteResponse{}, err
	}
	e := p.lookup(pkg)
	if e == nil {
		return protocol.ExecuteResponse{}, fmt.Errorf("%w: %s", ErrNotLoaded, pkg)
	}
	p.mu.RLock()
	c := e.c
	p.mu.RUnlock()

	start := time.Now()
	resp, err := c.Execute(ctx, plugin, input)
	p.opts.Metrics.executed(pkg, time.Since(start), err)
	return resp, err
}

// Unload stops pkg's container and forgets the package.
func (p *Provider) Unload(ctx context.Context, pkg string) error {
	mu := p.packageLock(pkg)
	mu.Lock()
	defer mu.Unlock()

	p.mu.Lock()
	e, ok := p.entries[pkg]
	if ok {
		delete(p.entries, pkg)
	}
	n := len(p.entries)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, pkg)
	}
	p.opts.Metrics.setPackages(n)

	e.c.Stop(ctx)
	p.setState(e.c.Name(), store.StateDestroyed)
	p.logger.Info("package unloaded", "package", pkg, "container", e.c.Name())
	return nil
}

func (p *Provider) Get(pkg string) (Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[pkg]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotLoaded, pkg)
	}
	return e.info(), nil
}

// List returns every loaded package sorted by name.
func (p *Provider) List() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.entries))
	for _, pkg := range slices.Sorted(maps.Keys(p.entries)) {
		out = append(out, p.entries[pkg].info())
	}
	return out
}

// Containers returns the names of the live mapped containers.
func (p *Provider) Containers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.c.Name())
	}
	slices.Sort(out)
	return out
}

// Close stops every container and waits for background work.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	p.cancel()
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.c.Stop(ctx)
			p.setState(e.c.Name(), store.StateDestroyed)
		}()
	}
	wg.Wait()
	p.bg.Wait()
	p.opts.Metrics.setPackages(0)
	p.logger.Info("provider closed", "packages", len(entries))
	return nil
}

func (p *Provider) lookup(pkg string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[pkg]
}

func (p *Provider) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Provider) setState(name, state string) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.UpdateState(name, state); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("update container state", "container", name, "state", state, "error", err)
	}
}

// info must be called with p.mu held.
func (e *entry) info() Info {
	healthy := true
	select {
	case <-e.c.Unhealthy():
		healthy = false
	default:
	}
	return Info{
		Package:   e.pkg,
		Container: e.c.Name(),
		PID:       e.c.PID(),
		Plugins:   slices.Clone(e.plugins),
		Recycles:  e.recycles,
		Healthy:   healthy,
		LoadedAt:  e.loadedAt,
	}
}
