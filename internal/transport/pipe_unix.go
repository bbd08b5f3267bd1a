//go:build unix

package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Child-side descriptor numbers once the pipe ends are passed as ExtraFiles.
const (
	childReadFD  = 3
	childWriteFD = 4
)

type pipeSocket struct {
	r, w      *os.File
	closeOnce sync.Once
	closeErr  error
}

func newPipeSocket(r, w *os.File) *pipeSocket {
	return &pipeSocket{r: r, w: w}
}

func (s *pipeSocket) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeSocket) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *pipeSocket) Close() error {
	s.closeOnce.Do(func() {
		errR := s.r.Close()
		errW := s.w.Close()
		if errR != nil {
			s.closeErr = errR
		} else {
			s.closeErr = errW
		}
	})
	return s.closeErr
}

type pipeListener struct {
	host *pipeSocket

	mu       sync.Mutex
	childR   *os.File
	childW   *os.File
	accepted bool
	closed   bool
}

func listenPipe() (Listener, error) {
	toGuestR, toGuestW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	fromGuestR, fromGuestW, err := os.Pipe()
	if err != nil {
		toGuestR.Close()
		toGuestW.Close()
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	return &pipeListener{
		host:   newPipeSocket(fromGuestR, toGuestW),
		childR: toGuestR,
		childW: fromGuestW,
	}, nil
}

func (l *pipeListener) ConnString() string {
	return fmt.Sprintf("%s://%d,%d", SchemePipe, childReadFD, childWriteFD)
}

func (l *pipeListener) ChildFiles() []*os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []*os.File{l.childR, l.childW}
}

func (l *pipeListener) CloseChildFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range []**os.File{&l.childR, &l.childW} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	return firstErr
}

func (l *pipeListener) Accept(ctx context.Context) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrListenerClosed
	}
	if l.accepted {
		return nil, ErrAlreadyAccepted
	}
	l.accepted = true
	return l.host, nil
}

func (l *pipeListener) Close() error {
	err := l.CloseChildFiles()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if !l.accepted {
		_ = l.host.Close()
	}
	return err
}

func parsePipeAddr(addr string) (int, int, error) {
	rs, ws, ok := strings.Cut(addr, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: pipe address %q, want <readfd>,<writefd>", ErrBadAddress, addr)
	}
	rfd, err := strconv.Atoi(strings.TrimSpace(rs))
	if err != nil || rfd < 0 {
		return 0, 0, fmt.Errorf("%w: read fd %q", ErrBadAddress, rs)
	}
	wfd, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil || wfd < 0 {
		return 0, 0, fmt.Errorf("%w: write fd %q", ErrBadAddress, ws)
	}
	return rfd, wfd, nil
}

func dialPipe(_ context.Context, addr string) (Socket, error) {
	rfd, wfd, err := parsePipeAddr(addr)
	if err != nil {
		return nil, err
	}
	// Non-blocking descriptors go through the runtime poller, so Close
	// interrupts a pending Read.
	for _, fd := range []int{rfd, wfd} {
		if err := syscall.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("set nonblock fd %d: %w", fd, err)
		}
	}
	r := os.NewFile(uintptr(rfd), "kapsel-pipe-r")
	w := os.NewFile(uintptr(wfd), "kapsel-pipe-w")
	if r == nil || w == nil {
		return nil, fmt.Errorf("%w: invalid descriptors %q", ErrBadAddress, addr)
	}
	return newPipeSocket(r, w), nil
}
