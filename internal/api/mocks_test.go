package api

import (
	"context"

	"github.com/p-arndt/kapsel/internal/provider"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/protocol"
	"github.com/stretchr/testify/mock"
)

type MockPackageService struct {
	mock.Mock
}

func (m *MockPackageService) Load(ctx context.Context, pkg string, plugins []string) (provider.Info, error) {
	args := m.Called(ctx, pkg, plugins)
	return args.Get(0).(provider.Info), args.Error(1)
}

func (m *MockPackageService) Get(pkg string) (provider.Info, error) {
	args := m.Called(pkg)
	return args.Get(0).(provider.Info), args.Error(1)
}

func (m *MockPackageService) List() []provider.Info {
	args := m.Called()
	return args.Get(0).([]provider.Info)
}

func (m *MockPackageService) Unload(ctx context.Context, pkg string) error {
	args := m.Called(ctx, pkg)
	return args.Error(0)
}

func (m *MockPackageService) Recycle(ctx context.Context, pkg string) (provider.Info, error) {
	args := m.Called(ctx, pkg)
	return args.Get(0).(provider.Info), args.Error(1)
}

func (m *MockPackageService) Execute(ctx context.Context, pkg, plugin string, input []byte) (protocol.ExecuteResponse, error) {
	args := m.Called(ctx, pkg, plugin, input)
	return args.Get(0).(protocol.ExecuteResponse), args.Error(1)
}

type MockContainerLister struct {
	mock.Mock
}

func (m *MockContainerLister) ListContainers() ([]*store.Container, error) {
	args := m.Called()
	if c := args.Get(0); c != nil {
		return c.([]*store.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContainerLister) GetContainer(id string) (*store.Container, error) {
	args := m.Called(id)
	if c := args.Get(0); c != nil {
		return c.(*store.Container), args.Error(1)
	}
	return nil, args.Error(1)
}
