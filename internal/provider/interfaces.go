package provider

import (
	"context"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/pool"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/protocol"
)

// Container is the provider's view of a host container.
type Container interface {
	pool.Member
	UnhealthyReason() string
	LoadPlugins(ctx context.Context, plugins []string) ([]string, error)
	Plugins(ctx context.Context) ([]string, error)
	Execute(ctx context.Context, plugin string, input []byte) (protocol.ExecuteResponse, error)
	Ping(ctx context.Context) (protocol.PingResponse, error)
}

// Factory creates a container for spec.
type Factory func(ctx context.Context, spec host.Spec) (Container, error)

type ContainerStore interface {
	CreateContainer(c *store.Container) error
	UpdateState(id, state string) error
	Assign(id, pkg string, recycles int) error
}

type ContainerPool interface {
	Get(ctx context.Context, pkg string) (Container, bool)
	Refill(ctx context.Context, pkg string, count int) error
}

// HostFactory adapts host.Create to a Factory.
func HostFactory(opts host.Options) Factory {
	return func(ctx context.Context, spec host.Spec) (Container, error) {
		c, err := host.Create(ctx, spec, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
