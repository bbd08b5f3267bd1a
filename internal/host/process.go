package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/p-arndt/kapsel/internal/guest"
	"github.com/p-arndt/kapsel/internal/transport"
)

// ProcessLauncher runs each guest as a child process. Init params are the
// first line on the child's stdin; pipe transports are inherited as
// ExtraFiles. The child's stdout and stderr go to the host logger.
type ProcessLauncher struct {
	Path string
	Args []string
	// Env is appended to the host environment.
	Env []string
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	line, err := spec.Params.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	if cf, ok := spec.Listener.(transport.ChildFiler); ok {
		cmd.ExtraFiles = cf.ChildFiles()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start guest: %w", err)
	}
	if cf, ok := spec.Listener.(transport.ChildFiler); ok {
		if err := cf.CloseChildFiles(); err != nil {
			spec.Logger.Warn("close child pipe ends", "error", err)
		}
	}

	p := &childProcess{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	logger := spec.Logger.With("pid", cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(2)
	go forwardOutput(&output, stdout, logger, "stdout")
	go forwardOutput(&output, stderr, logger, "stderr")
	go func() {
		output.Wait()
		p.err = cmd.Wait()
		logger.Info("guest process exited", "error", p.err)
		close(p.exited)
	}()

	if _, err := stdin.Write(line); err != nil {
		// A child that already quit closed its stdin; the handshake
		// reports that as an early exit.
		logger.Warn("write init params", "error", err)
	}
	return p, nil
}

func forwardOutput(wg *sync.WaitGroup, r io.Reader, logger *slog.Logger, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Info("guest output", "stream", stream, "line", sc.Text())
	}
}

type childProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	err      error
	exitOnce sync.Once
}

func (p *childProcess) PID() int                { return p.cmd.Process.Pid }
func (p *childProcess) Exited() <-chan struct{} { return p.exited }

// Err is the exit status, valid once Exited is closed.
func (p *childProcess) Err() error { return p.err }

// RequestExit writes EXIT to the child's stdin and closes it.
func (p *childProcess) RequestExit() error {
	var err error
	p.exitOnce.Do(func() {
		_, err = io.WriteString(p.stdin, guest.ExitCommand+"\n")
		if cerr := p.stdin.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (p *childProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
