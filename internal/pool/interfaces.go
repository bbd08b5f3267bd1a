package pool

import (
	"context"
	"time"

	"github.com/p-arndt/kapsel/internal/store"
)

// Member is a running container the pool can hold.
type Member interface {
	Name() string
	PID() int
	Dir() string
	ConnString() string
	Protocol() string
	Digest() string
	CreatedAt() time.Time
	// Unhealthy is closed once the container can no longer serve.
	Unhealthy() <-chan struct{}
	Stop(ctx context.Context)
}

// Store is the subset of the registry the pool writes to.
type Store interface {
	CreateContainer(c *store.Container) error
	UpdateState(id, state string) error
}

// CreateFunc starts a fresh container for pkg.
type CreateFunc[C Member] func(ctx context.Context, pkg string) (C, error)
