package postgres

import (
	"context"

	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.OrphanJournal = (*OrphanJournal)(nil)

// OrphanJournal implements driven.OrphanJournal on the orphaned_vectors table.
// Used when no Redis is deployed.
type OrphanJournal struct {
	db *DB
}

// NewOrphanJournal creates a new OrphanJournal
func NewOrphanJournal(db *DB) *OrphanJournal {
	return &OrphanJournal{db: db}
}

// Record journals ref; recording it twice is a no-op
func (j *OrphanJournal) Record(ctx context.Context, ref string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orphaned_vectors (ref) VALUES ($1) ON CONFLICT (ref) DO NOTHING`, ref)
	return mapError(err)
}

// List returns the oldest journaled refs first
func (j *OrphanJournal) List(ctx context.Context, limit int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT ref FROM orphaned_vectors ORDER BY recorded_at LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	refs := make([]string, 0)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, mapError(err)
		}
		refs = append(refs, ref)
	}
	return refs, mapError(rows.Err())
}

// Remove deletes ref from the journal
func (j *OrphanJournal) Remove(ctx context.Context, ref string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM orphaned_vectors WHERE ref = $1`, ref)
	return mapError(err)
}
