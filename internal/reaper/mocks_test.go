package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListByState(state string) ([]*store.Container, error) {
	args := m.Called(state)
	if containers := args.Get(0); containers != nil {
		return containers.([]*store.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateState(id, state string) error {
	args := m.Called(id, state)
	return args.Error(0)
}

func (m *MockReaperStore) PruneDestroyed(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockReaperDocker mocks the ReaperDocker interface.
type MockReaperDocker struct {
	mock.Mock
}

func (m *MockReaperDocker) ListManaged(ctx context.Context) ([]host.ManagedContainer, error) {
	args := m.Called(ctx)
	if containers := args.Get(0); containers != nil {
		return containers.([]host.ManagedContainer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperDocker) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
