package host

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/p-arndt/kapsel/internal/guest"
	"github.com/p-arndt/kapsel/internal/transport"
	"github.com/p-arndt/kapsel/protocol"
)

// LaunchSpec is what a launcher needs to start one guest.
type LaunchSpec struct {
	Params   protocol.InitParams
	Listener transport.Listener
	// Dir is the host path of the working directory.
	Dir    string
	Logger *slog.Logger
}

// Launcher starts guests. Launch returns once the guest is started; it
// does not wait for ALIVE.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a started guest.
type Process interface {
	PID() int
	// Exited is closed once the guest is gone.
	Exited() <-chan struct{}
	// Kill ends the guest without asking it.
	Kill() error
}

// exitRequester is implemented by processes that can be asked to exit
// through a channel other than the diagnostic mailbox.
type exitRequester interface {
	RequestExit() error
}

// InProcLauncher runs guests as goroutines of the host process, over the
// mem transport. The isolation is logical only.
type InProcLauncher struct {
	Catalog map[string]guest.Factory
}

func (l *InProcLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	scheme, _, err := transport.Parse(spec.Params.ConnectionString)
	if err != nil {
		return nil, err
	}
	if scheme != transport.SchemeMem {
		return nil, errors.New("in-process guests need the mem transport")
	}

	p := &inProcProcess{exited: make(chan struct{}), kill: make(chan struct{})}
	go func() {
		defer close(p.exited)
		g, err := guest.Bootstrap(context.Background(), spec.Params, guest.Options{
			Catalog: l.Catalog,
			Logger:  spec.Logger.With("side", "guest"),
		})
		if err != nil {
			spec.Logger.Warn("in-process guest failed to start", "error", err)
			return
		}
		select {
		case <-g.Done():
		case <-p.kill:
			g.Shutdown()
		}
	}()
	return p, nil
}

type inProcProcess struct {
	exited chan struct{}
	kill   chan struct{}
	once   sync.Once
}

func (p *inProcProcess) PID() int                { return os.Getpid() }
func (p *inProcProcess) Exited() <-chan struct{} { return p.exited }

func (p *inProcProcess) Kill() error {
	p.once.Do(func() { close(p.kill) })
	return nil
}
