package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pupteam/pup/internal/eventlog"
)

// DB implements eventlog.Sink for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; ":memory:" works for tests.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// In-memory databases need a single connection: each new connection would
	// otherwise see its own empty :memory: instance.
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS process_events(
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		process_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		detail TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *DB) Send(ctx context.Context, e eventlog.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events(id, type, process_id, pid, exit_code, detail, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.ID, string(e.Type), e.ProcessID, e.PID, e.ExitCode, e.Detail, e.OccurredAt)
	return err
}

func (s *DB) Close() error { return s.db.Close() }
