package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReconciliationRecord is the summary emitted by one ReconciliationWorker
// pass (spec §4.13).
type ReconciliationRecord struct {
	ID               string
	RunAt            time.Time
	Type             string
	TotalBusinesses  int
	MismatchesFound  int
	MismatchesFixed  int
	Errors           []string
}

func (s *Store) InsertReconciliationRecord(ctx context.Context, id string, r ReconciliationRecord) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO reconciliation (id, run_at, type, total_businesses, mismatches_found, mismatches_fixed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, r.RunAt, r.Type, r.TotalBusinesses, r.MismatchesFound, r.MismatchesFixed, r.Errors)
	if err != nil {
		return fmt.Errorf("inserting reconciliation record: %w", err)
	}
	return nil
}

// ListReconciliationRecords backs the listing endpoint added in SPEC_FULL.md.
func (s *Store) ListReconciliationRecords(ctx context.Context, limit int) ([]ReconciliationRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, run_at, type, total_businesses, mismatches_found, mismatches_fixed, errors
		FROM reconciliation ORDER BY run_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation records: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[ReconciliationRecord])
}
