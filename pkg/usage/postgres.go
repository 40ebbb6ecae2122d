package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresTracker shares counters via a usage_counters table. The
// check-and-increment runs as a single conditional upsert so concurrent
// crossings serialize on the row, never racing between check and increment.
type PostgresTracker struct {
	db *sql.DB
}

// NewPostgresTracker creates a tracker over an existing connection pool.
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

// Migrate creates the usage_counters table if missing.
func (t *PostgresTracker) Migrate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_counters (
			tenant_id     TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			used          BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
			PRIMARY KEY (tenant_id, resource_type)
		)`)
	return err
}

func (t *PostgresTracker) CheckAndIncrement(ctx context.Context, tenantID, resourceType string, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("usage: amount must be positive, got %d", amount)
	}

	// Both branches are guarded: the SELECT keeps a fresh row from being
	// written above the limit, the WHERE on the conflict branch makes the
	// increment conditional. No row comes back when the budget would be
	// overrun, and the stored counter never exceeds it even transiently.
	row := t.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (tenant_id, resource_type, used)
		SELECT $1, $2, $3 WHERE $3 <= $4
		ON CONFLICT (tenant_id, resource_type) DO UPDATE
			SET used = usage_counters.used + $3
			WHERE usage_counters.used + $3 <= $4
		RETURNING used`,
		tenantID, resourceType, amount, limit)

	var used int64
	err := row.Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		remaining, rerr := t.remaining(ctx, tenantID, resourceType, limit)
		if errors.Is(rerr, sql.ErrNoRows) {
			// No counter row yet: the whole budget remains.
			remaining = limit
		} else if rerr != nil {
			remaining = 0
		}
		return 0, &ExceededError{
			TenantID:     tenantID,
			ResourceType: resourceType,
			Requested:    amount,
			Remaining:    remaining,
		}
	}
	if err != nil {
		return 0, fmt.Errorf("usage: postgres check-and-increment: %w", err)
	}
	return used, nil
}

func (t *PostgresTracker) Decrement(ctx context.Context, tenantID, resourceType string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("usage: amount must be positive, got %d", amount)
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE usage_counters
		SET used = GREATEST(used - $3, 0)
		WHERE tenant_id = $1 AND resource_type = $2`,
		tenantID, resourceType, amount)
	if err != nil {
		return fmt.Errorf("usage: postgres decrement: %w", err)
	}
	return nil
}

func (t *PostgresTracker) remaining(ctx context.Context, tenantID, resourceType string, limit int64) (int64, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE tenant_id = $1 AND resource_type = $2`,
		tenantID, resourceType)
	var used int64
	if err := row.Scan(&used); err != nil {
		return 0, err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
