package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/kapsel/internal/store"
)

// MockStore mocks the Store interface.
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

type fakeContainer struct {
	name      string
	unhealthy chan struct{}
	once      sync.Once
	stops     atomic.Int32
}

func newFake(name string) *fakeContainer {
	return &fakeContainer{name: name, unhealthy: make(chan struct{})}
}

func (f *fakeContainer) Name() string               { return f.name }
func (f *fakeContainer) PID() int                   { return 100 }
func (f *fakeContainer) Dir() string                { return "/work/" + f.name }
func (f *fakeContainer) ConnString() string         { return "mem://" + f.name }
func (f *fakeContainer) Protocol() string           { return "json" }
func (f *fakeContainer) Digest() string             { return "" }
func (f *fakeContainer) CreatedAt() time.Time       { return time.Unix(1700000000, 0) }
func (f *fakeContainer) Unhealthy() <-chan struct{} { return f.unhealthy }
func (f *fakeContainer) Stop(context.Context)       { f.stops.Add(1) }

func (f *fakeContainer) fail() { f.once.Do(func() { close(f.unhealthy) }) }
