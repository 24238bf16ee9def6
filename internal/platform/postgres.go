package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/etsi014/kme/pkg/audit"
)

// NewPostgresPool creates a pgx connection pool for databaseURL and verifies
// connectivity with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// AuditSink persists audit.Event batches to the audit_events table. It
// implements audit.Sink.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink wraps pool as an audit.Sink.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Write implements audit.Sink by batch-inserting events in a single
// transaction.
func (s *AuditSink) Write(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const stmt = `INSERT INTO audit_events (occurred_at, kms_id, action, master_sae_id, slave_sae_id, key_ids, detail)
	              VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, e := range events {
		if _, err := tx.Exec(ctx, stmt, e.Time, e.KMSID, e.Action, e.MasterSAEID, e.SlaveSAEID, e.KeyIDs, e.Detail); err != nil {
			return fmt.Errorf("inserting audit event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing audit tx: %w", err)
	}
	return nil
}
