package api

import (
	"context"

	"github.com/p-arndt/kapsel/internal/provider"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/protocol"
)

// PackageService abstracts the package provider operations needed by API handlers.
type PackageService interface {
	Load(ctx context.Context, pkg string, plugins []string) (provider.Info, error)
	Get(pkg string) (provider.Info, error)
	List() []provider.Info
	Unload(ctx context.Context, pkg string) error
	Recycle(ctx context.Context, pkg string) (provider.Info, error)
	Execute(ctx context.Context, pkg, plugin string, input []byte) (protocol.ExecuteResponse, error)
}

// ContainerLister reads container records.
type ContainerLister interface {
	ListContainers() ([]*store.Container, error)
	GetContainer(id string) (*store.Container, error)
}
