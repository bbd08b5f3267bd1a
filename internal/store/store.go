package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Container states recorded in the registry.
const (
	StateHealthy   = "healthy"
	StateDestroyed = "destroyed"
	// StateCrashed marks a record whose guest vanished without a Stop.
	StateCrashed = "crashed"
	// StatePoolIdle marks a pre-warmed container not yet bound to a
	// package. The reaper must not sweep its directory.
	StatePoolIdle = "pool_idle"
)

type Container struct {
	ID         string    `json:"id"`
	Package    string    `json:"package"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	Workdir    string    `json:"workdir"`
	ConnString string    `json:"conn_string"`
	Protocol   string    `json:"protocol"`
	Digest     string    `json:"digest,omitempty"`
	Recycles   int       `json:"recycles"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS containers (
	id          TEXT PRIMARY KEY,
	package     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT 'healthy',
	pid         INTEGER NOT NULL DEFAULT 0,
	workdir     TEXT NOT NULL DEFAULT '',
	conn_string TEXT NOT NULL DEFAULT '',
	protocol    TEXT NOT NULL DEFAULT 'json',
	digest      TEXT,
	recycles    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_containers_state ON containers(state);
CREATE INDEX IF NOT EXISTS idx_containers_package ON containers(package);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (pool refill + provider + reaper overlap)
	// synchronous=NORMAL: safe in WAL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-16000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, package, state, pid, workdir, conn_string, protocol, digest, recycles, created_at, updated_at FROM containers`

func (s *Store) CreateContainer(c *Container) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO containers (id, package, state, pid, workdir, conn_string, protocol, digest, recycles, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Package, c.State, c.PID, c.Workdir, c.ConnString, c.Protocol, nullable(c.Digest), c.Recycles,
			c.CreatedAt.UTC(), c.UpdatedAt,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting container: %w", err)
	}
	return nil
}

func (s *Store) GetContainer(id string) (*Container, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *Store) ListContainers() ([]*Container, error) {
	return s.query(selectColumns + ` ORDER BY created_at DESC`)
}

func (s *Store) ListByState(state string) ([]*Container, error) {
	return s.query(selectColumns+` WHERE state = ? ORDER BY created_at`, state)
}

func (s *Store) ListByPackage(pkg string) ([]*Container, error) {
	return s.query(selectColumns+` WHERE package = ? ORDER BY created_at DESC`, pkg)
}

func (s *Store) UpdateState(id, state string) error {
	return s.exec(id, "updating container state",
		`UPDATE containers SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now().UTC(), id)
}

// Assign binds a pooled container to pkg and marks it healthy.
func (s *Store) Assign(id, pkg string, recycles int) error {
	return s.exec(id, "assigning container",
		`UPDATE containers SET package = ?, recycles = ?, state = ?, updated_at = ? WHERE id = ?`,
		pkg, recycles, StateHealthy, time.Now().UTC(), id)
}

func (s *Store) DeleteContainer(id string) error {
	return s.exec(id, "deleting container", `DELETE FROM containers WHERE id = ?`, id)
}

// PruneDestroyed deletes destroyed and crashed records last updated
// before cutoff and returns how many were removed.
func (s *Store) PruneDestroyed(cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		result, e := s.db.Exec(
			`DELETE FROM containers WHERE state IN (?, ?) AND updated_at < ?`,
			StateDestroyed, StateCrashed, cutoff.UTC(),
		)
		if e != nil {
			return e
		}
		n, e = result.RowsAffected()
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning containers: %w", err)
	}
	return n, nil
}

func (s *Store) exec(id, what, query string, args ...any) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) query(query string, args ...any) ([]*Container, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating containers: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContainer(row scannable) (*Container, error) {
	var c Container
	var digest sql.NullString
	err := row.Scan(
		&c.ID, &c.Package, &c.State, &c.PID, &c.Workdir, &c.ConnString, &c.Protocol,
		&digest, &c.Recycles, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning container: %w", err)
	}
	c.Digest = digest.String
	return &c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return nil
}
