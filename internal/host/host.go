// Package host creates, supervises and destroys guest containers. A
// container is a launched guest process, its private working directory and
// the post office connecting the two.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/internal/remote"
	"github.com/p-arndt/kapsel/internal/transport"
	"github.com/p-arndt/kapsel/protocol"
)

var (
	ErrHandshake      = errors.New("guest handshake failed")
	ErrStartupTimeout = errors.New("guest did not report ALIVE in time")
	ErrGuestExited    = errors.New("guest exited during startup")
	ErrWorkdirBusy    = errors.New("working directory is locked by another container")
	ErrNotHealthy     = errors.New("container is not healthy")
	ErrNoLauncher     = errors.New("no launcher configured")
)

type State int32

const (
	StateNotCreated State = iota
	StateCreating
	StateHealthy
	StateStopping
	StateDestroyed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotCreated:
		return "not_created"
	case StateCreating:
		return "creating"
	case StateHealthy:
		return "healthy"
	case StateStopping:
		return "stopping"
	case StateDestroyed:
		return "destroyed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Spec describes one container to create.
type Spec struct {
	Name    string
	Package string
	// PluginDir is copied into the working directory when set.
	PluginDir  string
	Plugins    []string
	Dimensions []protocol.Dimension
}

type Options struct {
	BaseDir  string
	Scheme   transport.Scheme
	Protocol string
	Launcher Launcher

	// ListenAddr and AdvertiseHost configure tcp listeners.
	ListenAddr    string
	AdvertiseHost string

	StartupTimeout    time.Duration
	StopGrace         time.Duration
	HeartbeatInterval time.Duration
	MissedBeats       int
	MailboxLifetime   time.Duration
	MaxMessageSize    int
	DebugTimeouts     bool
	DedicatedThread   bool

	Logger            *slog.Logger
	HTTPClient        *http.Client
	PostOfficeMetrics *postoffice.Metrics
	SinkMetrics       *remote.SinkMetrics
}

func (o *Options) defaults() {
	if o.Scheme == "" {
		o.Scheme = transport.SchemePipe
	}
	if o.Protocol == "" {
		o.Protocol = protocol.ProtocolJSON
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = protocol.StartupTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
