package remote

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// connect serves services on the host end and returns a dispatcher on
// the guest end.
func connect(t *testing.T, services *HostServices) *rpc.Dispatcher {
	t.Helper()
	a, b := net.Pipe()
	guestPO := postoffice.New(a, postoffice.Options{Role: postoffice.RoleServer, Logger: testLogger()})
	hostPO := postoffice.New(b, postoffice.Options{Role: postoffice.RoleClient, Logger: testLogger()})
	guestPO.Start()
	hostPO.Start()

	srv := rpc.NewServer(hostPO, rpc.ServerOptions{Logger: testLogger()})
	services.Register(srv)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	d, err := rpc.NewDispatcher(guestPO, rpc.DispatcherOptions{Timeout: 2 * time.Second, Logger: testLogger()})
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		<-done
		guestPO.Close()
		hostPO.Close()
	})
	return d
}

func TestLogHandler_ForwardsRecords(t *testing.T) {
	var out syncBuffer
	hostLogger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := connect(t, &HostServices{Container: "pkg-1", Logger: hostLogger})

	guestLogger := slog.New(NewLogHandler(d, slog.LevelInfo)).With("plugin", "echo").WithGroup("req")
	guestLogger.Info("executed", "id", 7)
	guestLogger.Debug("filtered out")

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"msg":"executed"`)
	}, 2*time.Second, 10*time.Millisecond)

	line := out.String()
	assert.Contains(t, line, `"container":"pkg-1"`)
	assert.Contains(t, line, `"plugin":"echo"`)
	assert.Contains(t, line, `"req.id":"7"`)
	assert.NotContains(t, line, "filtered out")
}

func TestFileSystem(t *testing.T) {
	base := afero.NewBasePathFs(afero.NewMemMapFs(), "/containers/pkg-1")
	d := connect(t, &HostServices{Container: "pkg-1", Logger: testLogger(), FS: base})
	files := NewFileSystem(d)
	ctx := context.Background()

	ok, err := files.Exists(ctx, "state.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = files.ReadFile(ctx, "state.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, files.WriteFile(ctx, "state.json", []byte(`{"n":1}`)))
	ok, err = files.Exists(ctx, "state.json")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := files.ReadFile(ctx, "state.json")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))

	require.NoError(t, files.Remove(ctx, "state.json"))
	require.NoError(t, files.Remove(ctx, "state.json"))
	ok, err = files.Exists(ctx, "state.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileSystem_ReadLimit(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/c/big.bin", bytes.Repeat([]byte("x"), 100), 0o644))
	d := connect(t, &HostServices{Logger: testLogger(), FS: afero.NewBasePathFs(mem, "/c")})

	files := NewFileSystem(d)
	files.MaxReadBytes = 10
	data, err := files.ReadFile(context.Background(), "big.bin")
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Len(t, data, 10)
}

func TestFileSystem_StaysInsideContainerDir(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/secret.txt", []byte("host only"), 0o600))
	d := connect(t, &HostServices{Logger: testLogger(), FS: afero.NewBasePathFs(mem, "/c")})
	files := NewFileSystem(d)

	_, err := files.ReadFile(context.Background(), "../secret.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	err = files.WriteFile(context.Background(), "../escape.txt", []byte("x"))
	var remote *rpc.RemoteError
	assert.ErrorAs(t, err, &remote)
	exists, _ := afero.Exists(mem, "/escape.txt")
	assert.False(t, exists)
}

func TestFileSystem_NotRegisteredWithoutFS(t *testing.T) {
	d := connect(t, &HostServices{Logger: testLogger()})
	_, err := NewFileSystem(d).Exists(context.Background(), "x")
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown method")
}

func TestRoundTripper(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen", r.Header.Get("X-Plugin"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte(r.Method+":"), body...))
	}))
	defer upstream.Close()

	d := connect(t, &HostServices{Logger: testLogger(), HTTP: upstream.Client()})
	client := NewHTTPClient(d)

	req, err := http.NewRequest(http.MethodPost, upstream.URL+"/hook", strings.NewReader("hi"))
	require.NoError(t, err)
	req.Header.Set("X-Plugin", "echo")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "echo", resp.Header.Get("X-Seen"))
	assert.Equal(t, "POST:hi", string(body))
}

func TestRoundTripper_HostErrorIsReturned(t *testing.T) {
	d := connect(t, &HostServices{Logger: testLogger()})
	_, err := NewHTTPClient(d).Get("http://127.0.0.1:1/unreachable")
	var remote *rpc.RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestMetricCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSinkMetrics(reg, "test")
	d := connect(t, &HostServices{Container: "pkg-1", Logger: testLogger(), Metrics: sink})

	mc := NewMetricCollector(d, []protocol.Dimension{{Key: "region", Value: "eu"}})
	require.NoError(t, mc.Instant(context.Background(), "unhandled_panics"))
	require.NoError(t, mc.InstantTimeout(time.Second, "unhandled_panics"))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(sink.instants.WithLabelValues("pkg-1", "unhandled_panics")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricCollector_CloseStopsSending(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSinkMetrics(reg, "test")
	d := connect(t, &HostServices{Container: "pkg-1", Logger: testLogger(), Metrics: sink})

	mc := NewMetricCollector(d, nil)
	require.NoError(t, mc.Close())
	require.NoError(t, mc.Close())

	assert.ErrorIs(t, mc.Instant(context.Background(), "unhandled_panics"), ErrCollectorClosed)
	assert.ErrorIs(t, mc.InstantTimeout(time.Second, "unhandled_panics"), ErrCollectorClosed)

	// The dispatcher is still usable by its owner.
	require.NoError(t, NewMetricCollector(d, nil).Instant(context.Background(), "unhandled_panics"))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(sink.instants.WithLabelValues("pkg-1", "unhandled_panics")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
