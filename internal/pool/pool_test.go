package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// factory returns a CreateFunc producing numbered fakes and a way to read
// back what it created.
func factory() (CreateFunc[*fakeContainer], func() []*fakeContainer) {
	var mu sync.Mutex
	var created []*fakeContainer
	create := func(_ context.Context, pkg string) (*fakeContainer, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFake(fmt.Sprintf("%s-%d", pkg, len(created)))
		created = append(created, c)
		return c, nil
	}
	return create, func() []*fakeContainer {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeContainer(nil), created...)
	}
}

func newTestPool(t *testing.T, sizes map[string]int, opts Options[*fakeContainer]) *Pool[*fakeContainer] {
	t.Helper()
	opts.Logger = testLogger()
	p := New(config.PoolConfig{Enabled: true, Packages: sizes}, opts)
	require.NotNil(t, p)
	return p
}

func TestNew_Disabled(t *testing.T) {
	create, _ := factory()
	assert.Nil(t, New(config.PoolConfig{Enabled: false, Packages: map[string]int{"billing": 3}}, Options[*fakeContainer]{Create: create}))
	assert.Nil(t, New(config.PoolConfig{Enabled: true, Packages: map[string]int{}}, Options[*fakeContainer]{Create: create}))
	assert.Nil(t, New(config.PoolConfig{Enabled: true, Packages: map[string]int{"billing": 0}}, Options[*fakeContainer]{Create: create}))
}

func TestGet_EmptyPool(t *testing.T) {
	create, created := factory()
	p := newTestPool(t, map[string]int{"billing": 2}, Options[*fakeContainer]{Create: create})

	_, ok := p.Get(context.Background(), "billing")
	assert.False(t, ok)
	_, ok = p.Get(context.Background(), "unknown")
	assert.False(t, ok)
	assert.Empty(t, created())
}

func TestRefillAndGet(t *testing.T) {
	create, created := factory()
	st := new(MockStore)
	st.On("CreateContainer", mock.MatchedBy(func(c *store.Container) bool {
		return c.State == store.StatePoolIdle && c.Package == "" && c.Workdir == "/work/"+c.ID
	})).Return(nil).Twice()
	p := newTestPool(t, map[string]int{"billing": 2}, Options[*fakeContainer]{Create: create, Store: st})

	require.NoError(t, p.Refill(context.Background(), "billing", 0))
	assert.Len(t, created(), 2)
	assert.Equal(t, 2, p.Idle("billing"))

	c1, ok := p.Get(context.Background(), "billing")
	require.True(t, ok)
	c2, ok := p.Get(context.Background(), "billing")
	require.True(t, ok)
	assert.NotEqual(t, c1.Name(), c2.Name())

	_, ok = p.Get(context.Background(), "billing")
	assert.False(t, ok)
	st.AssertExpectations(t)
}

func TestRefill_RespectsTarget(t *testing.T) {
	create, created := factory()
	p := newTestPool(t, map[string]int{"billing": 3}, Options[*fakeContainer]{Create: create})

	require.NoError(t, p.Refill(context.Background(), "billing", 10))
	require.NoError(t, p.Refill(context.Background(), "billing", 0))
	assert.Len(t, created(), 3)

	_, _ = p.Get(context.Background(), "billing")
	require.NoError(t, p.Refill(context.Background(), "billing", 0))
	assert.Len(t, created(), 4)
	assert.Equal(t, 3, p.Idle("billing"))
}

func TestRefill_ConcurrentDoesNotOverfill(t *testing.T) {
	create, created := factory()
	p := newTestPool(t, map[string]int{"billing": 2}, Options[*fakeContainer]{Create: create})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Refill(context.Background(), "billing", 0)
		}()
	}
	wg.Wait()
	assert.Len(t, created(), 2)
}

func TestRefill_UnknownPackage(t *testing.T) {
	create, _ := factory()
	p := newTestPool(t, map[string]int{"billing": 1}, Options[*fakeContainer]{Create: create})
	assert.Error(t, p.Refill(context.Background(), "other", 1))
}

func TestRefill_CreateError(t *testing.T) {
	boom := errors.New("no guest binary")
	p := newTestPool(t, map[string]int{"billing": 1}, Options[*fakeContainer]{
		Create: func(context.Context, string) (*fakeContainer, error) { return nil, boom },
	})
	assert.ErrorIs(t, p.Refill(context.Background(), "billing", 0), boom)
}

func TestGet_DiscardsUnhealthy(t *testing.T) {
	create, created := factory()
	st := new(MockStore)
	st.On("CreateContainer", mock.Anything).Return(nil)
	st.On("UpdateState", "billing-0", store.StateCrashed).Return(nil).Once()
	p := newTestPool(t, map[string]int{"billing": 2}, Options[*fakeContainer]{Create: create, Store: st})
	require.NoError(t, p.Refill(context.Background(), "billing", 0))

	created()[0].fail()
	c, ok := p.Get(context.Background(), "billing")
	require.True(t, ok)
	assert.Equal(t, "billing-1", c.Name())
	assert.Eventually(t, func() bool { return created()[0].stops.Load() == 1 }, time.Second, 5*time.Millisecond)
	st.AssertExpectations(t)
}

func TestStartFillsAndStopDrains(t *testing.T) {
	create, created := factory()
	st := new(MockStore)
	st.On("CreateContainer", mock.Anything).Return(nil)
	st.On("UpdateState", mock.Anything, store.StateDestroyed).Return(nil)
	p := newTestPool(t, map[string]int{"billing": 2, "search": 1}, Options[*fakeContainer]{
		Create:         create,
		Store:          st,
		RefillInterval: 10 * time.Millisecond,
	})
	assert.Equal(t, []string{"billing", "search"}, p.Packages())

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Eventually(t, func() bool {
		return p.Idle("billing") == 2 && p.Idle("search") == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A taken container is replaced by the worker.
	_, ok := p.Get(context.Background(), "billing")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return p.Idle("billing") == 2 }, 2*time.Second, 5*time.Millisecond)

	p.Stop(context.Background())
	p.Stop(context.Background())

	var stopped int32
	for _, c := range created() {
		stopped += c.stops.Load()
	}
	assert.Equal(t, int32(3), stopped, "every idle container is stopped")
	st.AssertNumberOfCalls(t, "UpdateState", 3)

	_, ok = p.Get(context.Background(), "billing")
	assert.False(t, ok)
	assert.ErrorIs(t, p.Refill(context.Background(), "billing", 0), ErrStopped)
}

func TestRefillWorkerStopsWithContext(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, map[string]int{"billing": 1}, Options[*fakeContainer]{
		Create: func(context.Context, string) (*fakeContainer, error) {
			calls.Add(1)
			return nil, errors.New("down")
		},
		RefillInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	p.workers.Wait()
}
