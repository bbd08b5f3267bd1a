package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/kapsel/internal/liveness"
	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/internal/remote"
	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/internal/transport"
	"github.com/p-arndt/kapsel/protocol"
)

// Container is the host's handle on one guest.
type Container struct {
	name      string
	pkg       string
	opts      Options
	logger    *slog.Logger
	createdAt time.Time
	params    protocol.InitParams

	state atomic.Int32

	dir        *workdir
	listener   transport.Listener
	proc       Process
	po         *postoffice.PostOffice
	diag       postoffice.MailboxID
	dispatcher *rpc.Dispatcher
	monitor    *liveness.Monitor

	cancel   context.CancelFunc
	grp      *errgroup.Group
	stopOnce sync.Once
	stopped  chan struct{}
}

// Create builds a container and waits until its guest reported ALIVE. On
// any failure everything built so far is torn down before returning.
func Create(ctx context.Context, spec Spec, opts Options) (_ *Container, err error) {
	opts.defaults()
	if opts.Launcher == nil {
		return nil, ErrNoLauncher
	}
	proto, err := rpc.ParseProtocol(opts.Protocol)
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = NewName(spec.Package)
	}

	c := &Container{
		name:      spec.Name,
		pkg:       spec.Package,
		opts:      opts,
		logger:    opts.Logger.With("container", spec.Name),
		createdAt: time.Now().UTC(),
		stopped:   make(chan struct{}),
	}
	c.setState(StateCreating)
	defer func() {
		if err != nil {
			c.rollback()
			c.setState(StateFailed)
			c.logger.Warn("container create failed", "error", err)
		}
	}()

	c.dir, err = stageWorkdir(opts.BaseDir, spec.Name, spec.PluginDir)
	if err != nil {
		return nil, err
	}

	listenName := spec.Name
	if opts.Scheme == transport.SchemeUnix {
		listenName = "guest.sock"
	}
	c.listener, err = transport.Listen(opts.Scheme, transport.ListenOptions{
		Name:          listenName,
		Dir:           c.dir.path,
		Addr:          opts.ListenAddr,
		AdvertiseHost: opts.AdvertiseHost,
	})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	c.params = protocol.InitParams{
		ContainerName:       spec.Name,
		ContainerDir:        c.dir.path,
		BaseDir:             opts.BaseDir,
		ConnectionString:    c.listener.ConnString(),
		DiagnosticMailbox:   protocol.DiagnosticMailbox,
		DebugTimeouts:       opts.DebugTimeouts,
		DedicatedThread:     opts.DedicatedThread,
		Protocol:            opts.Protocol,
		Dimensions:          protocol.GuestDimensions(spec.Dimensions),
		ParentPID:           os.Getpid(),
		HeartbeatIntervalMs: int(opts.HeartbeatInterval / time.Millisecond),
		Plugins:             spec.Plugins,
	}

	c.proc, err = opts.Launcher.Launch(ctx, LaunchSpec{
		Params:   c.params,
		Listener: c.listener,
		Dir:      c.dir.path,
		Logger:   c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("launch guest: %w", err)
	}

	if err := c.handshake(ctx); err != nil {
		return nil, err
	}

	if err := c.startServices(proto); err != nil {
		return nil, err
	}
	c.setState(StateHealthy)
	c.logger.Info("container healthy", "pid", c.proc.PID(), "conn", c.params.ConnectionString)
	return c, nil
}

// NewName returns a container name for pkg.
func NewName(pkg string) string {
	id := uuid.New().String()[:12]
	if pkg == "" {
		return id
	}
	return pkg + "-" + id
}

// handshake accepts the guest connection and waits for ALIVE, giving up
// on StartupTimeout or when the guest exits first.
func (c *Container) handshake(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()

	exited := make(chan struct{})
	go func() {
		select {
		case <-c.proc.Exited():
			close(exited)
			cancel()
		case <-startCtx.Done():
		}
	}()

	startErr := func(err error) error {
		select {
		case <-exited:
			return ErrGuestExited
		default:
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrStartupTimeout, c.opts.StartupTimeout)
		}
		return err
	}

	sock, err := c.listener.Accept(startCtx)
	if err != nil {
		return startErr(fmt.Errorf("accept guest: %w", err))
	}

	c.po = postoffice.New(sock, postoffice.Options{
		Role:            postoffice.RoleClient,
		DedicatedPump:   c.opts.DedicatedThread,
		MailboxLifetime: c.opts.MailboxLifetime,
		MaxMessageSize:  c.opts.MaxMessageSize,
		Logger:          c.logger,
		Metrics:         c.opts.PostOfficeMetrics,
	})
	if c.diag, err = c.po.OpenPermanent(protocol.DiagnosticMailbox); err != nil {
		return err
	}
	c.po.Start()

	first, err := c.po.Receive(startCtx, c.diag, 0)
	if err != nil {
		return startErr(fmt.Errorf("wait for ALIVE: %w", err))
	}
	if !protocol.IsAlive(first.Payload) {
		return fmt.Errorf("%w: first diagnostic frame is %d bytes, not ALIVE", ErrHandshake, len(first.Payload))
	}
	return nil
}

func (c *Container) startServices(proto rpc.Protocol) error {
	var err error
	c.dispatcher, err = rpc.NewDispatcher(c.po, rpc.DispatcherOptions{
		Protocol: proto,
		Timeout:  c.params.CallTimeout(),
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}

	server := rpc.NewServer(c.po, rpc.ServerOptions{Logger: c.logger})
	services := &remote.HostServices{
		Container: c.name,
		Logger:    c.logger.With("source", "guest"),
		FS:        remote.NewContainerFS(c.dir.path),
		HTTP:      c.opts.HTTPClient,
		Metrics:   c.opts.SinkMetrics,
	}
	services.Register(server)

	c.monitor = liveness.NewMonitor(liveness.Options{
		Interval:    c.opts.HeartbeatInterval,
		MissedBeats: c.opts.MissedBeats,
		Logger:      c.logger,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.monitor.Watch(runCtx, c.proc.Exited(), "process exited")
	c.monitor.Watch(runCtx, c.po.Done(), "post office broken")

	grp, gctx := errgroup.WithContext(runCtx)
	grp.Go(func() error { return server.Serve(gctx) })
	grp.Go(func() error {
		c.monitor.Run(gctx)
		return nil
	})
	grp.Go(func() error { return c.readDiagnostic(gctx) })
	c.grp = grp
	return nil
}

// readDiagnostic feeds heartbeats to the monitor.
func (c *Container) readDiagnostic(ctx context.Context) error {
	for {
		msg, err := c.po.Receive(ctx, c.diag, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("diagnostic mailbox: %w", err)
		}
		switch string(msg.Payload) {
		case protocol.Heartbeat:
			c.monitor.Beat()
		default:
			c.logger.Warn("unexpected diagnostic message", "size", len(msg.Payload))
		}
	}
}

// rollback tears down a half-built container in reverse order.
func (c *Container) rollback() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.proc != nil {
		if err := c.proc.Kill(); err != nil {
			c.logger.Warn("kill guest", "error", err)
		}
		select {
		case <-c.proc.Exited():
		case <-time.After(c.opts.StopGrace):
			c.logger.Warn("guest did not exit after kill")
		}
	}
	if c.po != nil {
		_ = c.po.Close()
	}
	if c.listener != nil {
		_ = c.listener.Close()
		if cf, ok := c.listener.(transport.ChildFiler); ok {
			_ = cf.CloseChildFiles()
		}
	}
	if c.grp != nil {
		_ = c.grp.Wait()
	}
	if c.dir != nil {
		if err := c.dir.remove(); err != nil {
			c.logger.Warn("remove working directory", "path", c.dir.path, "error", err)
		}
	}
}

// Stop asks the guest to shut down, waits up to StopGrace for it to exit,
// kills it otherwise and removes the working directory. Cleanup failures
// are logged, never returned. Only the first call does any work; later
// callers block until it has finished.
func (c *Container) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		defer close(c.stopped)
		if c.State() != StateHealthy {
			return
		}
		c.setState(StateStopping)
		c.logger.Info("stopping container")

		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := c.po.Send(sendCtx, postoffice.Message{Mailbox: c.diag, Payload: []byte(protocol.Shutdown)}); err != nil {
			c.logger.Debug("send SHUTDOWN", "error", err)
		}
		cancel()
		if er, ok := c.proc.(exitRequester); ok {
			if err := er.RequestExit(); err != nil {
				c.logger.Debug("request exit", "error", err)
			}
		}
		c.cancel()
		_ = c.dispatcher.Close()

		select {
		case <-c.proc.Exited():
		case <-time.After(c.opts.StopGrace):
			c.logger.Warn("guest ignored shutdown, killing", "grace", c.opts.StopGrace)
		case <-ctx.Done():
			c.logger.Warn("stop canceled, killing guest")
		}

		c.rollback()
		c.setState(StateDestroyed)
		c.logger.Info("container destroyed")
	})
	<-c.stopped
}

func (c *Container) setState(s State) { c.state.Store(int32(s)) }

func (c *Container) State() State { return State(c.state.Load()) }

func (c *Container) Name() string         { return c.name }
func (c *Container) Package() string      { return c.pkg }
func (c *Container) Dir() string          { return c.dir.path }
func (c *Container) Digest() string       { return c.dir.digest }
func (c *Container) ConnString() string   { return c.params.ConnectionString }
func (c *Container) Protocol() string     { return c.params.Protocol }
func (c *Container) CreatedAt() time.Time { return c.createdAt }
func (c *Container) PID() int             { return c.proc.PID() }

// Unhealthy is closed once the guest stops beating, exits or its post
// office breaks.
func (c *Container) Unhealthy() <-chan struct{} { return c.monitor.Unhealthy() }

// UnhealthyReason explains why Unhealthy closed.
func (c *Container) UnhealthyReason() string { return c.monitor.Reason() }

// Invoke calls method in the guest.
func (c *Container) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	if s := c.State(); s != StateHealthy {
		return nil, fmt.Errorf("%w: %s", ErrNotHealthy, s)
	}
	return c.dispatcher.Invoke(ctx, method, args)
}

// LoadPlugins makes the guest load plugins and returns what it has loaded.
func (c *Container) LoadPlugins(ctx context.Context, plugins []string) ([]string, error) {
	resp, err := call[protocol.LoadRequest, protocol.LoadResponse](ctx, c, protocol.MethodPluginLoad,
		protocol.LoadRequest{Plugins: plugins})
	return resp.Loaded, err
}

func (c *Container) Plugins(ctx context.Context) ([]string, error) {
	resp, err := call[struct{}, protocol.LoadResponse](ctx, c, protocol.MethodPluginList, struct{}{})
	return resp.Loaded, err
}

func (c *Container) Execute(ctx context.Context, plugin string, input []byte) (protocol.ExecuteResponse, error) {
	return call[protocol.ExecuteRequest, protocol.ExecuteResponse](ctx, c, protocol.MethodPluginExecute,
		protocol.ExecuteRequest{Plugin: plugin, Input: input})
}

func (c *Container) Ping(ctx context.Context) (protocol.PingResponse, error) {
	return call[struct{}, protocol.PingResponse](ctx, c, protocol.MethodGuestPing, struct{}{})
}

func call[Req, Resp any](ctx context.Context, c *Container, method string, req Req) (Resp, error) {
	if s := c.State(); s != StateHealthy {
		var zero Resp
		return zero, fmt.Errorf("%w: %s", ErrNotHealthy, s)
	}
	return rpc.Call[Req, Resp](ctx, c.dispatcher, method, req)
}
