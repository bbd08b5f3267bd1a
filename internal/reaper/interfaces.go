package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListByState(state string) ([]*store.Container, error)
	UpdateState(id, state string) error
	PruneDestroyed(cutoff time.Time) (int64, error)
}

// ReaperDocker abstracts the docker launcher operations needed by the reaper.
type ReaperDocker interface {
	ListManaged(ctx context.Context) ([]host.ManagedContainer, error)
	Remove(ctx context.Context, id string) error
}
