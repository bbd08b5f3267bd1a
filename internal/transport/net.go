package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// netListener serves the tcp and unix schemes. Only the first accepted
// connection is handed out.
type netListener struct {
	ln         net.Listener
	connString string

	mu       sync.Mutex
	accepted bool
}

func (l *netListener) ConnString() string { return l.connString }

func (l *netListener) Accept(ctx context.Context) (Socket, error) {
	l.mu.Lock()
	if l.accepted {
		l.mu.Unlock()
		return nil, ErrAlreadyAccepted
	}
	l.mu.Unlock()

	conn, err := acceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.accepted = true
	l.mu.Unlock()
	return conn, nil
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func listenTCP(addr, advertiseHost string) (Listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	bound := ln.Addr().String()
	if advertiseHost != "" {
		_, port, _ := net.SplitHostPort(bound)
		bound = net.JoinHostPort(advertiseHost, port)
	}
	return &netListener{ln: ln, connString: string(SchemeTCP) + "://" + bound}, nil
}

func dialTCP(ctx context.Context, addr string) (Socket, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func listenUnix(dir, name string) (Listener, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if name == "" {
		name = "kapsel-" + uuid.New().String()[:12] + ".sock"
	}
	path := filepath.Join(dir, name)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	_ = os.Chmod(path, 0600)
	return &netListener{ln: ln, connString: string(SchemeUnix) + "://" + path}, nil
}

func dialUnix(ctx context.Context, path string) (Socket, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
