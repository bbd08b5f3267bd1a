// Package guest is the process side of a container: it connects back to
// the host, announces itself with ALIVE, serves plugin calls and tears
// everything down exactly once.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/kapsel/internal/liveness"
	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/internal/remote"
	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/internal/transport"
	"github.com/p-arndt/kapsel/protocol"
)

// MetricUnhandledPanics is reported to the host for every recovered panic.
const MetricUnhandledPanics = "unhandled_panics"

type Options struct {
	// Catalog lists the plugins the host may load by name.
	Catalog map[string]Factory
	// Logger is the local logger used until the remoted one exists and
	// for failures of the remoted one.
	Logger *slog.Logger
	// LogLevel filters records forwarded to the host.
	LogLevel slog.Leveler
	// Registerer receives the guest's post office metrics. Optional.
	Registerer prometheus.Registerer
	// RepanicOnPanic re-raises panics caught by Recover after reporting.
	RepanicOnPanic bool
}

type Guest struct {
	params  protocol.InitParams
	opts    Options
	logger  *slog.Logger
	started time.Time

	state atomic.Int32

	sock       transport.Socket
	po         *postoffice.PostOffice
	diag       *diagnosticChannel
	dispatcher *rpc.Dispatcher
	server     *rpc.Server
	plugins    *pluginSet
	metrics    *remote.MetricCollector
	remoteLog  *slog.Logger
	httpClient *http.Client
	files      *remote.FileSystem

	cancel   context.CancelFunc
	stopped  chan struct{}
	runErr   error
	shutdown sync.Once
	done     chan struct{}
}

// Bootstrap connects to the host described by params and brings the guest
// to Running. The protocol name and connection-string scheme are checked
// before anything is opened; on any later failure everything opened so
// far is closed again.
func Bootstrap(ctx context.Context, params protocol.InitParams, opts Options) (*Guest, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &Guest{
		params:  params,
		opts:    opts,
		logger:  opts.Logger.With("container", params.ContainerName),
		started: time.Now(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	g.setState(StateBootstrapping)

	if err := params.Validate(); err != nil {
		return nil, err
	}
	proto, err := rpc.ParseProtocol(params.Protocol)
	if err != nil {
		return nil, err
	}
	if _, _, err := transport.Parse(params.ConnectionString); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			g.teardown()
		}
	}()

	g.sock, err = transport.Dial(ctx, params.ConnectionString)
	if err != nil {
		return nil, err
	}
	g.setState(StateAwaitingFirstHandshakeSent)

	var poMetrics *postoffice.Metrics
	if opts.Registerer != nil {
		poMetrics = postoffice.NewMetrics(opts.Registerer, "kapsel_guest")
	}
	g.po = postoffice.New(g.sock, postoffice.Options{
		Role:          postoffice.RoleServer,
		DedicatedPump: params.DedicatedThread,
		Logger:        g.logger,
		Metrics:       poMetrics,
	})
	diagID, err := g.po.OpenPermanent(params.DiagnosticMailbox)
	if err != nil {
		return nil, err
	}
	g.po.Start()

	g.diag = newDiagnosticChannel(g.po, diagID)
	if err := g.diag.sendAlive(ctx); err != nil {
		return nil, fmt.Errorf("send ALIVE: %w", err)
	}

	g.dispatcher, err = rpc.NewDispatcher(g.po, rpc.DispatcherOptions{
		Protocol: proto,
		Timeout:  params.CallTimeout(),
		Logger:   g.logger,
	})
	if err != nil {
		return nil, err
	}
	g.remoteLog = slog.New(remote.NewLogHandler(g.dispatcher, opts.LogLevel))
	g.files = remote.NewFileSystem(g.dispatcher)
	g.httpClient = remote.NewHTTPClient(g.dispatcher)
	g.metrics = remote.NewMetricCollector(g.dispatcher, protocol.GuestDimensions(params.Dimensions))

	g.plugins = newPluginSet(opts.Catalog, Env{
		Name:       params.ContainerName,
		Dir:        params.ContainerDir,
		Dimensions: protocol.GuestDimensions(params.Dimensions),
		Logger:     g.remoteLog,
		Files:      g.files,
		HTTP:       g.httpClient,
		Metrics:    g.metrics,
	})
	if len(params.Plugins) > 0 {
		if _, err := g.plugins.load(params.Plugins); err != nil {
			return nil, err
		}
	}

	g.server = rpc.NewServer(g.po, rpc.ServerOptions{
		Logger:  g.logger,
		OnPanic: func(method string, r any) { g.reportPanic(r, "method", method) },
	})
	g.registerMethods()

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	grp, gctx := errgroup.WithContext(runCtx)
	grp.Go(func() error { return g.server.Serve(gctx) })
	grp.Go(func() error {
		return liveness.Pulse(gctx, params.HeartbeatInterval(), g.diag.heartbeat)
	})
	grp.Go(func() error { return g.watchDiagnostic(gctx) })
	go func() {
		g.runErr = grp.Wait()
		close(g.stopped)
		if g.runErr != nil {
			g.logger.Warn("guest stopped", "error", g.runErr)
		}
		g.Shutdown()
	}()

	g.setState(StateRunning)
	ok = true
	g.logger.Info("guest running", "protocol", proto.String(), "conn", params.ConnectionString)
	return g, nil
}

func (g *Guest) registerMethods() {
	rpc.Register(g.server, protocol.MethodPluginLoad, func(_ context.Context, req protocol.LoadRequest) (protocol.LoadResponse, error) {
		loaded, err := g.plugins.load(req.Plugins)
		return protocol.LoadResponse{Loaded: loaded}, err
	})
	rpc.Register(g.server, protocol.MethodPluginList, func(context.Context, struct{}) (protocol.LoadResponse, error) {
		return protocol.LoadResponse{Loaded: g.plugins.names()}, nil
	})
	rpc.Register(g.server, protocol.MethodPluginExecute, g.plugins.execute)
	rpc.Register(g.server, protocol.MethodGuestPing, func(context.Context, struct{}) (protocol.PingResponse, error) {
		return protocol.PingResponse{
			ContainerName: g.params.ContainerName,
			PID:           os.Getpid(),
			UptimeMs:      time.Since(g.started).Milliseconds(),
		}, nil
	})
}

// watchDiagnostic handles control messages from the host.
func (g *Guest) watchDiagnostic(ctx context.Context) error {
	for {
		msg, err := g.diag.receive(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("diagnostic mailbox: %w", err)
		}
		switch string(msg.Payload) {
		case protocol.Shutdown:
			g.logger.Info("shutdown requested by host")
			go g.Shutdown()
			return nil
		default:
			g.logger.Debug("ignoring diagnostic message", "size", len(msg.Payload))
		}
	}
}

func (g *Guest) setState(s State) { g.state.Store(int32(s)) }

func (g *Guest) State() State { return State(g.state.Load()) }

// Logger forwards to the host logger.
func (g *Guest) Logger() *slog.Logger { return g.remoteLog }

func (g *Guest) Files() *remote.FileSystem { return g.files }

func (g *Guest) HTTPClient() *http.Client { return g.httpClient }

func (g *Guest) Metrics() *remote.MetricCollector { return g.metrics }

func (g *Guest) Dispatcher() *rpc.Dispatcher { return g.dispatcher }

// Recover reports a panic to the host and logs it. Use it as
// `defer g.Recover()` at the top of goroutines running plugin code.
func (g *Guest) Recover() {
	if r := recover(); r != nil {
		g.reportPanic(r)
		if g.opts.RepanicOnPanic {
			panic(r)
		}
	}
}

func (g *Guest) reportPanic(r any, attrs ...any) {
	g.logger.Error("unhandled panic", append([]any{"panic", r}, attrs...)...)
	if g.metrics == nil {
		return
	}
	if err := g.metrics.InstantTimeout(2*time.Second, MetricUnhandledPanics); err != nil {
		g.logger.Warn("report panic metric", "error", err)
	}
}

// Shutdown tears the guest down. Only the first call does any work; every
// call returns once teardown has finished.
func (g *Guest) Shutdown() {
	g.shutdown.Do(func() {
		g.setState(StateShuttingDown)
		g.logger.Info("guest shutting down")
		g.teardown()
		g.setState(StateDisposed)
		close(g.done)
	})
	<-g.done
}

// teardown disposes dependents before their dependencies.
func (g *Guest) teardown() {
	if g.cancel != nil {
		g.cancel()
	}
	if g.dispatcher != nil {
		_ = g.dispatcher.Close()
	}
	if g.cancel != nil {
		<-g.stopped
	}
	if g.plugins != nil {
		g.plugins.close(g.logger)
	}
	if g.metrics != nil {
		_ = g.metrics.Close()
	}
	if g.po != nil {
		_ = g.po.Close()
	}
	if g.sock != nil {
		if err := g.sock.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			g.logger.Debug("close transport", "error", err)
		}
	}
}

// Wait blocks until the guest is disposed and returns the error that
// stopped it, if any.
func (g *Guest) Wait() error {
	<-g.done
	return g.runErr
}

// Done is closed once the guest is disposed.
func (g *Guest) Done() <-chan struct{} { return g.done }
