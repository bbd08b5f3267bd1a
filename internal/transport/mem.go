package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// In-process channels rendezvous through this registry.
var memRegistry = struct {
	sync.Mutex
	listeners map[string]*memListener
}{listeners: make(map[string]*memListener)}

type memListener struct {
	name  string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func listenMem(name string) (Listener, error) {
	if name == "" {
		name = uuid.New().String()[:12]
	}

	memRegistry.Lock()
	defer memRegistry.Unlock()
	if _, exists := memRegistry.listeners[name]; exists {
		return nil, fmt.Errorf("%w: mem listener %q already exists", ErrBadAddress, name)
	}
	l := &memListener{
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	memRegistry.listeners[name] = l
	return l, nil
}

func (l *memListener) ConnString() string {
	return string(SchemeMem) + "://" + l.name
}

func (l *memListener) Accept(ctx context.Context) (Socket, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		memRegistry.Lock()
		if memRegistry.listeners[l.name] == l {
			delete(memRegistry.listeners, l.name)
		}
		memRegistry.Unlock()
		close(l.done)
	})
	return nil
}

func dialMem(ctx context.Context, name string) (Socket, error) {
	memRegistry.Lock()
	l, ok := memRegistry.listeners[name]
	memRegistry.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no mem listener %q", ErrBadAddress, name)
	}

	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrListenerClosed
}
