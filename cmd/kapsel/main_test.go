package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/p-arndt/kapsel/internal/testutil"
	"github.com/p-arndt/kapsel/internal/transport"
)

func writeInProcConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kapsel.db")
	cfg := fmt.Sprintf(`
db_path: %s
base_dir: %s
log_level: error
guest:
  launcher: inproc
  scheme: mem
  protocol: bond
  heartbeat_interval_ms: 100
packages:
  demo:
    plugins: [pid]
    dimensions:
      team: core
`, dbPath, filepath.Join(dir, "containers"))
	path := filepath.Join(dir, "kapsel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunInProc(t *testing.T) {
	cfgPath, dbPath := writeInProcConfig(t)

	out, err := execute(t, "--config", cfgPath, "run", "demo", "echo", "hello kapsel")
	require.NoError(t, err)
	assert.Equal(t, "hello kapsel", out)

	st, err := store.New(dbPath, 1)
	require.NoError(t, err)
	defer st.Close()
	all, err := st.ListContainers()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "demo", all[0].Package)
	assert.Equal(t, store.StateDestroyed, all[0].State)
	assert.Equal(t, "bond", all[0].Protocol)
}

func TestRunUnknownPlugin(t *testing.T) {
	cfgPath, _ := writeInProcConfig(t)

	_, err := execute(t, "--config", cfgPath, "run", "demo", "nope")
	assert.Error(t, err)
}

func TestPsAfterRun(t *testing.T) {
	cfgPath, _ := writeInProcConfig(t)
	_, err := execute(t, "--config", cfgPath, "run", "demo", "echo", "x")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "no containers")

	out, err = execute(t, "--config", cfgPath, "ps", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "CONTAINER")
	assert.Contains(t, out, "demo-")
	assert.Contains(t, out, store.StateDestroyed)

	out, err = execute(t, "--config", cfgPath, "ps", "--state", store.StateDestroyed, "--package", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "no containers")
}

func TestPrintContainers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printContainers(&buf, []*store.Container{
		{ID: "demo-0123456789ab", Package: "demo", State: store.StateHealthy, PID: 12, Protocol: "json", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "idle-0123456789ab", State: store.StatePoolIdle, Protocol: "bond", CreatedAt: now.Add(-time.Hour)},
	}, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "CONTAINER")
	assert.Contains(t, lines[1], "2 minutes ago")
	assert.Contains(t, lines[2], "-")
	assert.Contains(t, lines[2], store.StatePoolIdle)
}

func TestRuntimeExecutes(t *testing.T) {
	cfg := testutil.TestConfig(t)
	rt, err := newRuntime(t.Context(), cfg, testLogger(), runtimeOptions{Registerer: prometheus.NewRegistry(), WithPool: true})
	require.NoError(t, err)
	defer rt.close(t.Context())
	assert.Nil(t, rt.pool, "pool disabled in config")

	info, err := rt.provider.Load(t.Context(), "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, info.Plugins)

	resp, err := rt.provider.Execute(t.Context(), "demo", "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp.Output))

	rec, err := rt.store.GetContainer(info.Container)
	require.NoError(t, err)
	assert.Equal(t, store.StateHealthy, rec.State)
}

func TestRuntimeWithPool(t *testing.T) {
	cfg := testutil.TestConfig(t)
	cfg.Pool = config.PoolConfig{Enabled: true, Packages: map[string]int{"demo": 1}}
	rt, err := newRuntime(t.Context(), cfg, testLogger(), runtimeOptions{WithPool: true})
	require.NoError(t, err)
	defer rt.close(t.Context())
	require.NotNil(t, rt.pool)

	require.NoError(t, rt.pool.Refill(t.Context(), "demo", 1))
	assert.Equal(t, 1, rt.pool.Idle("demo"))

	idle, err := rt.store.ListByState(store.StatePoolIdle)
	require.NoError(t, err)
	require.Len(t, idle, 1)

	info, err := rt.provider.Load(t.Context(), "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, idle[0].ID, info.Container, "load takes the idle container")
	assert.True(t, info.Healthy)
}

func TestReadInput(t *testing.T) {
	in, err := readInput([]string{"p", "x"}, nil)
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = readInput([]string{"p", "x", "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(in))

	in, err = readInput([]string{"p", "x", "-"}, strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(in))
}

func TestGuestPath(t *testing.T) {
	_, err := guestPath("")
	assert.Error(t, err)

	p, err := guestPath("/opt/kapsel/kapsel-guest")
	require.NoError(t, err)
	assert.Equal(t, "/opt/kapsel/kapsel-guest", p)

	p, err = guestPath("definitely-not-next-to-the-test-binary")
	require.NoError(t, err)
	assert.Equal(t, "definitely-not-next-to-the-test-binary", p)
}

func TestHostOptions(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Guest.Scheme = "tcp"
	cfg.Guest.ListenAddr = "127.0.0.1:0"

	reg := prometheus.NewRegistry()
	launcher := &host.InProcLauncher{}
	opts, err := hostOptions(cfg, launcher, testLogger(), reg)
	require.NoError(t, err)

	assert.Equal(t, transport.SchemeTCP, opts.Scheme)
	assert.Equal(t, "json", opts.Protocol)
	assert.Equal(t, 10*time.Second, opts.StartupTimeout)
	assert.Equal(t, 2*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 3, opts.MissedBeats)
	assert.Equal(t, 64<<20, opts.MaxMessageSize)
	assert.Same(t, launcher, opts.Launcher)
	assert.NotNil(t, opts.PostOfficeMetrics)
	assert.NotNil(t, opts.SinkMetrics)

	opts, err = hostOptions(cfg, launcher, testLogger(), nil)
	require.NoError(t, err)
	assert.Nil(t, opts.PostOfficeMetrics)

	cfg.Guest.MaxMessageSize = "lots"
	_, err = hostOptions(cfg, launcher, testLogger(), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
