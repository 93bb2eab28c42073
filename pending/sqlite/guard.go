// Package sqlite provides a pending.ReplayGuard backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/samber/oops"

	"github.com/hupe1980/actionmesh/pending"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// Guard remembers consumed token digests in a SQLite table. It is safe for
// concurrent use and across processes sharing the database file.
type Guard struct {
	db  *sql.DB
	now func() time.Time
}

var _ pending.ReplayGuard = (*Guard)(nil)

// Open opens (or creates) the database at path and returns a Guard using
// it. Use ":memory:" for a throwaway database.
func Open(path string) (*Guard, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.In("sqlite_guard").With("path", path).Wrapf(err, "open database")
	}
	// Writes are serialized in-process; ":memory:" would otherwise give every
	// pooled connection its own empty database.
	db.SetMaxOpenConns(1)
	g, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

// New initializes the schema in db and returns a Guard. The caller keeps
// ownership of db.
func New(db *sql.DB) (*Guard, error) {
	g := &Guard{db: db, now: time.Now}
	if err := g.initSchema(); err != nil {
		return nil, oops.In("sqlite_guard").Wrapf(err, "init schema")
	}
	return g, nil
}

func (g *Guard) initSchema() error {
	if _, err := g.db.Exec(`
		CREATE TABLE IF NOT EXISTS consumed_tokens (
			digest TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL
		);`,
	); err != nil {
		return err
	}
	_, err := g.db.Exec(`CREATE INDEX IF NOT EXISTS consumed_tokens_expires_at ON consumed_tokens (expires_at);`)
	return err
}

// Consume implements pending.ReplayGuard.
func (g *Guard) Consume(ctx context.Context, digest string, expiresAt time.Time) (bool, error) {
	now := g.now().UnixMilli()

	if _, err := g.db.ExecContext(ctx, `DELETE FROM consumed_tokens WHERE expires_at <= ?`, now); err != nil {
		return false, oops.In("sqlite_guard").Wrapf(err, "prune consumed tokens")
	}

	res, err := g.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO consumed_tokens (digest, expires_at, consumed_at)
		VALUES (?, ?, ?)`,
		digest,
		expiresAt.UnixMilli(),
		now,
	)
	if err != nil {
		return false, oops.In("sqlite_guard").Wrapf(err, "record consumed token")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, oops.In("sqlite_guard").Wrapf(err, "record consumed token")
	}
	return affected == 1, nil
}

// Close closes the underlying database.
func (g *Guard) Close() error {
	return g.db.Close()
}
