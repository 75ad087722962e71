// Package claimstore records which workspaces currently have a query running,
// as a compare-and-set claim in the surrounding deployment's metadata
// database. The claim is write-through bookkeeping for external readers, not
// a scheduler input: the pool already serializes per-workspace dispatch, so
// a losing CAS indicates stale state from a crashed process, never a live
// contender.
package claimstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspace_claims (
	workspace_key TEXT PRIMARY KEY,
	running_at    TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL
)`

// Store is a per-workspace claim table over SQLite or PostgreSQL, selected by
// DSN.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// Open connects to the claim database and ensures the schema exists.
// DSNs with a postgres:// or postgresql:// scheme select the pgx driver;
// anything else is treated as a SQLite path (":memory:" included).
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	pool, err := openPool(dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool, log: log}
	if _, err := pool.Writer().ExecContext(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("claimstore: ensure schema: %w", err)
	}
	return s, nil
}

func openPool(dsn string) (*db.Pool, error) {
	if isPostgresDSN(dsn) {
		sqlDB, err := db.OpenPostgres(dsn, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("claimstore: %w", err)
		}
		x := sqlx.NewDb(sqlDB, db.DriverPGX)
		return db.NewPool(x, x), nil
	}

	writer, err := db.OpenSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("claimstore: %w", err)
	}
	w := sqlx.NewDb(writer, db.DriverSQLite3)
	if db.IsMemoryPath(dsn) {
		return db.NewPool(w, w), nil
	}
	reader, err := db.OpenSQLiteReader(dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("claimstore: %w", err)
	}
	return db.NewPool(w, sqlx.NewDb(reader, db.DriverSQLite3)), nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Claim marks workspaceKey as running. It returns false when another claim is
// already recorded, which the caller logs and tolerates; the row is created
// on first use.
func (s *Store) Claim(ctx context.Context, workspaceKey string) (bool, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()

	insert := w.Rebind(`INSERT INTO workspace_claims (workspace_key, running_at, updated_at)
		VALUES (?, NULL, ?) ON CONFLICT (workspace_key) DO NOTHING`)
	if _, err := w.ExecContext(ctx, insert, workspaceKey, now); err != nil {
		return false, fmt.Errorf("claimstore: ensure row %s: %w", workspaceKey, err)
	}

	cas := w.Rebind(`UPDATE workspace_claims SET running_at = ?, updated_at = ?
		WHERE workspace_key = ? AND running_at IS NULL`)
	res, err := w.ExecContext(ctx, cas, now, now, workspaceKey)
	if err != nil {
		return false, fmt.Errorf("claimstore: claim %s: %w", workspaceKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claimstore: claim %s: %w", workspaceKey, err)
	}
	return n == 1, nil
}

// Release clears the claim for workspaceKey. Releasing an unclaimed key is a
// no-op so compensating releases on error paths are always safe.
func (s *Store) Release(ctx context.Context, workspaceKey string) error {
	w := s.pool.Writer()
	q := w.Rebind(`UPDATE workspace_claims SET running_at = NULL, updated_at = ?
		WHERE workspace_key = ?`)
	if _, err := w.ExecContext(ctx, q, time.Now().UTC(), workspaceKey); err != nil {
		return fmt.Errorf("claimstore: release %s: %w", workspaceKey, err)
	}
	return nil
}

// ReclaimStale clears claims older than olderThan. This is the reconciler
// path for claims orphaned by a crashed pool process; it returns the number
// of claims cleared.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()
	q := w.Rebind(`UPDATE workspace_claims SET running_at = NULL, updated_at = ?
		WHERE running_at IS NOT NULL AND running_at < ?`)
	res, err := w.ExecContext(ctx, q, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("claimstore: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claimstore: reclaim stale: %w", err)
	}
	if n > 0 {
		s.log.Warn("reclaimed stale workspace claims", zap.Int64("count", n))
	}
	return int(n), nil
}

// Running reports whether workspaceKey currently holds a claim.
func (s *Store) Running(ctx context.Context, workspaceKey string) (bool, error) {
	r := s.pool.Reader()
	q := r.Rebind(`SELECT COUNT(*) FROM workspace_claims
		WHERE workspace_key = ? AND running_at IS NOT NULL`)
	var n int
	if err := r.GetContext(ctx, &n, q, workspaceKey); err != nil {
		return false, fmt.Errorf("claimstore: running %s: %w", workspaceKey, err)
	}
	return n > 0, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return s.pool.Close()
}
