package provider

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/protocol"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateContainer(c *store.Container) error {
	args := m.Called(c)
	return args.Error(0)
}

func (m *MockStore) UpdateState(id, state string) error {
	args := m.Called(id, state)
	return args.Error(0)
}

func (m *MockStore) Assign(id, pkg string, recycles int) error {
	args := m.Called(id, pkg, recycles)
	return args.Error(0)
}

type MockPool struct {
	mock.Mock
}

func (m *MockPool) Get(ctx context.Context, pkg string) (Container, bool) {
	args := m.Called(ctx, pkg)
	c, _ := args.Get(0).(Container)
	return c, args.Bool(1)
}

func (m *MockPool) Refill(ctx context.Context, pkg string, count int) error {
	args := m.Called(ctx, pkg, count)
	return args.Error(0)
}

var errFakeDown = errors.New("transport: container gone")

// fakeContainer behaves like a guest whose plugins echo their input.
type fakeContainer struct {
	name string
	spec host.Spec

	mu        sync.Mutex
	plugins   []string
	loadErr   error
	reason    string
	unhealthy chan struct{}
	once      sync.Once
	stops     atomic.Int32
	// block holds Execute until closed when set.
	block chan struct{}
}

func newFakeContainer(name string) *fakeContainer {
	return &fakeContainer{name: name, unhealthy: make(chan struct{})}
}

func (f *fakeContainer) Name() string               { return f.name }
func (f *fakeContainer) PID() int                   { return 1000 }
func (f *fakeContainer) Dir() string                { return "/work/" + f.name }
func (f *fakeContainer) ConnString() string         { return "mem://" + f.name }
func (f *fakeContainer) Protocol() string           { return "json" }
func (f *fakeContainer) Digest() string             { return "" }
func (f *fakeContainer) CreatedAt() time.Time       { return time.Unix(1700000000, 0) }
func (f *fakeContainer) Unhealthy() <-chan struct{} { return f.unhealthy }

func (f *fakeContainer) UnhealthyReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeContainer) Stop(context.Context) {
	f.stops.Add(1)
	f.fail("stopped")
}

func (f *fakeContainer) fail(reason string) {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.unhealthy)
	})
}

func (f *fakeContainer) dead() bool {
	select {
	case <-f.unhealthy:
		return true
	default:
		return false
	}
}

func (f *fakeContainer) LoadPlugins(_ context.Context, plugins []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	for _, p := range plugins {
		if !slices.Contains(f.plugins, p) {
			f.plugins = append(f.plugins, p)
		}
	}
	slices.Sort(f.plugins)
	return slices.Clone(f.plugins), nil
}

func (f *fakeContainer) Plugins(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.plugins), nil
}

func (f *fakeContainer) Execute(ctx context.Context, plugin string, input []byte) (protocol.ExecuteResponse, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return protocol.ExecuteResponse{}, ctx.Err()
		}
	}
	if f.dead() {
		return protocol.ExecuteResponse{}, errFakeDown
	}
	return protocol.ExecuteResponse{Output: append([]byte(f.name+":"+plugin+":"), input...)}, nil
}

func (f *fakeContainer) Ping(context.Context) (protocol.PingResponse, error) {
	return protocol.PingResponse{ContainerName: f.name, PID: 1000}, nil
}

// fakeFactory hands out numbered fake containers.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeContainer
	err     error
	// prepare, when set, adjusts each new container.
	prepare func(*fakeContainer)
}

func (f *fakeFactory) create(_ context.Context, spec host.Spec) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeContainer(spec.Package + "-" + string(rune('a'+len(f.created))))
	c.spec = spec
	if f.prepare != nil {
		f.prepare(c)
	}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) all() []*fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
