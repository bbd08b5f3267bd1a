// Package transport provides the duplex byte channels a post office runs
// over. A channel is selected by the scheme prefix of a connection string.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

var (
	ErrUnknownScheme   = errors.New("unknown transport scheme")
	ErrBadAddress      = errors.New("bad transport address")
	ErrListenerClosed  = errors.New("listener closed")
	ErrAlreadyAccepted = errors.New("listener already accepted its peer")
)

// Socket is one end of a duplex byte channel. Close must unblock any
// pending Read or Write with an error.
type Socket interface {
	io.ReadWriteCloser
}

type Scheme string

const (
	SchemeMem  Scheme = "mem"
	SchemePipe Scheme = "pipe"
	SchemeTCP  Scheme = "tcp"
	SchemeUnix Scheme = "unix"
)

type dialFunc func(ctx context.Context, addr string) (Socket, error)

var dialers = map[Scheme]dialFunc{
	SchemeMem:  dialMem,
	SchemePipe: dialPipe,
	SchemeTCP:  dialTCP,
	SchemeUnix: dialUnix,
}

// Parse splits a connection string into its scheme and address. The scheme
// is matched case-insensitively.
func Parse(connString string) (Scheme, string, error) {
	prefix, addr, ok := strings.Cut(connString, "://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownScheme, connString)
	}
	scheme := Scheme(strings.ToLower(prefix))
	if _, known := dialers[scheme]; !known {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownScheme, prefix)
	}
	if addr == "" {
		return "", "", fmt.Errorf("%w: empty address in %q", ErrBadAddress, connString)
	}
	return scheme, addr, nil
}

// Dial opens the guest side of the channel described by connString.
// Nothing is opened when the scheme is unknown.
func Dial(ctx context.Context, connString string) (Socket, error) {
	scheme, addr, err := Parse(connString)
	if err != nil {
		return nil, err
	}
	sock, err := dialers[scheme](ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", scheme, err)
	}
	return sock, nil
}

// Listener is the host side of a channel. It yields exactly one peer.
type Listener interface {
	ConnString() string
	Accept(ctx context.Context) (Socket, error)
	Close() error
}

// ChildFiler is implemented by listeners whose peer end must be inherited
// by the child process (anonymous pipes).
type ChildFiler interface {
	// ChildFiles are passed as ExtraFiles, in order, starting at fd 3.
	ChildFiles() []*os.File
	// CloseChildFiles releases the host's copies once the child started.
	CloseChildFiles() error
}

type ListenOptions struct {
	// Name identifies a mem listener or the socket file of a unix listener.
	Name string
	// Dir holds unix socket files.
	Dir string
	// Addr is the TCP bind address. Defaults to 127.0.0.1:0.
	Addr string
	// AdvertiseHost replaces the TCP host in the connection string, for
	// guests that reach the host under another name.
	AdvertiseHost string
}

func Listen(scheme Scheme, opts ListenOptions) (Listener, error) {
	switch Scheme(strings.ToLower(string(scheme))) {
	case SchemeMem:
		return listenMem(opts.Name)
	case SchemePipe:
		return listenPipe()
	case SchemeTCP:
		return listenTCP(opts.Addr, opts.AdvertiseHost)
	case SchemeUnix:
		return listenUnix(opts.Dir, opts.Name)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// acceptContext accepts one connection from l, giving up when ctx ends.
func acceptContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		if d, ok := l.(deadliner); ok {
			_ = d.SetDeadline(time.Now())
			r := <-ch
			if r.conn != nil {
				_ = r.conn.Close()
			}
			_ = d.SetDeadline(time.Time{})
		}
		return nil, ctx.Err()
	}
}
