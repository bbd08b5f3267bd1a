package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/p-arndt/kapsel/internal/remote"
	"github.com/p-arndt/kapsel/protocol"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrNotLoaded     = errors.New("plugin not loaded")
)

// Plugin is code the host runs in the guest. A plugin that also
// implements io.Closer is closed on shutdown.
type Plugin interface {
	Execute(ctx context.Context, input []byte) ([]byte, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, input []byte) ([]byte, error)

func (f PluginFunc) Execute(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// Env is what a plugin gets to talk to the outside world. Every service
// is remoted to the host.
type Env struct {
	Name       string
	Dir        string
	Dimensions []protocol.Dimension
	Logger     *slog.Logger
	Files      *remote.FileSystem
	HTTP       *http.Client
	Metrics    *remote.MetricCollector
}

// Factory builds a plugin when the host asks for it by name.
type Factory func(env Env) (Plugin, error)

type pluginSet struct {
	catalog map[string]Factory
	env     Env

	mu     sync.RWMutex
	loaded map[string]Plugin
}

func newPluginSet(catalog map[string]Factory, env Env) *pluginSet {
	return &pluginSet{catalog: catalog, env: env, loaded: make(map[string]Plugin)}
}

func (s *pluginSet) load(names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.loaded[name]; ok {
			continue
		}
		factory, ok := s.catalog[name]
		if !ok {
			return s.namesLocked(), fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		env := s.env
		env.Logger = s.env.Logger.With("plugin", name)
		p, err := factory(env)
		if err != nil {
			return s.namesLocked(), fmt.Errorf("load %s: %w", name, err)
		}
		s.loaded[name] = p
	}
	return s.namesLocked(), nil
}

func (s *pluginSet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *pluginSet) namesLocked() []string {
	return slices.Sorted(maps.Keys(s.loaded))
}

func (s *pluginSet) execute(ctx context.Context, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	s.mu.RLock()
	p, ok := s.loaded[req.Plugin]
	s.mu.RUnlock()
	if !ok {
		return protocol.ExecuteResponse{}, fmt.Errorf("%w: %s", ErrNotLoaded, req.Plugin)
	}
	start := time.Now()
	out, err := p.Execute(ctx, req.Input)
	if err != nil {
		return protocol.ExecuteResponse{}, err
	}
	return protocol.ExecuteResponse{Output: out, DurationMs: time.Since(start).Milliseconds()}, nil
}

func (s *pluginSet) close(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(s.loaded)) {
		if c, ok := s.loaded[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("close plugin", "plugin", name, "error", err)
			}
		}
	}
	clear(s.loaded)
}
