package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/store"
)

// TestConfig returns a Config that runs guests in-process over the mem
// transport, with fast heartbeats.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Listen:    "127.0.0.1:0",
		APIKey:    "test-api-key",
		DBPath:    filepath.Join(dir, "kapsel.db"),
		BaseDir:   filepath.Join(dir, "containers"),
		LogLevel:  "error",
		LogFormat: "text",
		Guest: config.GuestConfig{
			Launcher:            config.LauncherInProc,
			Scheme:              "mem",
			Protocol:            "json",
			StartupTimeoutMs:    5000,
			StopGraceMs:         1000,
			HeartbeatIntervalMs: 50,
			MissedBeats:         3,
			MailboxLifetimeMs:   60000,
			MaxMessageSize:      "16MiB",
		},
		Packages: map[string]config.PackageConfig{
			"demo": {Plugins: []string{"echo"}},
		},
		Pool: config.PoolConfig{
			Enabled:  false,
			Packages: make(map[string]int),
		},
		Reaper: config.ReaperConfig{IntervalSeconds: 1},
	}
}

func TestContainer(id string) *store.Container {
	now := time.Now().UTC()
	return &store.Container{
		ID:         id,
		Package:    "demo",
		State:      store.StateHealthy,
		PID:        12345,
		Workdir:    "/tmp/kapsel-test/" + id,
		ConnString: "mem://" + id,
		Protocol:   "json",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewTestStore opens a SQLite store in a temporary directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
