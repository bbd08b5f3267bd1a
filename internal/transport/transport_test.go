package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SchemeIsCaseInsensitive(t *testing.T) {
	tests := []struct {
		conn   string
		scheme Scheme
		addr   string
	}{
		{"tcp://127.0.0.1:9000", SchemeTCP, "127.0.0.1:9000"},
		{"TCP://127.0.0.1:9000", SchemeTCP, "127.0.0.1:9000"},
		{"Mem://box", SchemeMem, "box"},
		{"PIPE://3,4", SchemePipe, "3,4"},
		{"unix:///run/kapsel.sock", SchemeUnix, "/run/kapsel.sock"},
	}
	for _, tt := range tests {
		t.Run(tt.conn, func(t *testing.T) {
			scheme, addr, err := Parse(tt.conn)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestParse_UnknownScheme(t *testing.T) {
	for _, conn := range []string{"foo://bar", "127.0.0.1:80", "", "shm//x"} {
		_, _, err := Parse(conn)
		assert.ErrorIs(t, err, ErrUnknownScheme, conn)
	}
}

func TestParse_EmptyAddress(t *testing.T) {
	_, _, err := Parse("tcp://")
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestDial_UnknownSchemeOpensNothing(t *testing.T) {
	sock, err := Dial(context.Background(), "foo://whatever")
	assert.ErrorIs(t, err, ErrUnknownScheme)
	assert.Nil(t, sock)
}

func TestListen_UnknownScheme(t *testing.T) {
	_, err := Listen("carrier-pigeon", ListenOptions{})
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

// connectPair listens on scheme and dials the resulting connection string.
func connectPair(t *testing.T, scheme Scheme, opts ListenOptions) (host, guest Socket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(scheme, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	dialed := make(chan Socket, 1)
	go func() {
		s, err := Dial(ctx, l.ConnString())
		if err != nil {
			t.Errorf("dial %s: %v", l.ConnString(), err)
		}
		dialed <- s
	}()

	host, err = l.Accept(ctx)
	require.NoError(t, err)
	guest = <-dialed
	require.NotNil(t, guest)
	t.Cleanup(func() {
		host.Close()
		guest.Close()
	})
	return host, guest
}

func assertDuplex(t *testing.T, a, b Socket) {
	t.Helper()
	go func() { _, _ = a.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	go func() { _, _ = b.Write([]byte("pong")) }()
	_, err = io.ReadFull(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func assertCloseUnblocksRead(t *testing.T, s Socket) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after close")
	}
}

func TestMem_RoundTrip(t *testing.T) {
	host, guest := connectPair(t, SchemeMem, ListenOptions{})
	assertDuplex(t, host, guest)
	assertCloseUnblocksRead(t, guest)
}

func TestMem_DuplicateName(t *testing.T) {
	l, err := Listen(SchemeMem, ListenOptions{Name: "dup"})
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(SchemeMem, ListenOptions{Name: "dup"})
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestMem_DialWithoutListener(t *testing.T) {
	_, err := Dial(context.Background(), "mem://nobody-here")
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestMem_AcceptAfterClose(t *testing.T) {
	l, err := Listen(SchemeMem, ListenOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)
}

func TestTCP_RoundTrip(t *testing.T) {
	host, guest := connectPair(t, SchemeTCP, ListenOptions{})
	assertDuplex(t, host, guest)
	assertCloseUnblocksRead(t, host)
}

func TestTCP_AdvertiseHost(t *testing.T) {
	l, err := Listen(SchemeTCP, ListenOptions{AdvertiseHost: "host.docker.internal"})
	require.NoError(t, err)
	defer l.Close()

	scheme, addr, err := Parse(l.ConnString())
	require.NoError(t, err)
	assert.Equal(t, SchemeTCP, scheme)
	assert.Contains(t, addr, "host.docker.internal:")
}

func TestTCP_AcceptHonorsContext(t *testing.T) {
	l, err := Listen(SchemeTCP, ListenOptions{})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnix_RoundTrip(t *testing.T) {
	host, guest := connectPair(t, SchemeUnix, ListenOptions{Dir: t.TempDir(), Name: "k.sock"})
	assertDuplex(t, host, guest)
}
