package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pupteam/pup/internal/eventlog"
)

// DB implements eventlog.Sink for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS process_events(
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		process_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		detail TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	);`
	_, err := p.db.ExecContext(ctx, stmt)
	return err
}

func (p *DB) Send(ctx context.Context, e eventlog.Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO process_events(id, type, process_id, pid, exit_code, detail, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6,$7);`,
		e.ID, string(e.Type), e.ProcessID, e.PID, e.ExitCode, e.Detail, e.OccurredAt)
	return err
}

func (p *DB) Close() error { return p.db.Close() }
