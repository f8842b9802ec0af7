package postgres

import (
	"context"
	"database/sql"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SourceStore = (*SourceStore)(nil)

const sourceColumns = `id, name, url, created_at, updated_at`

// SourceStore implements driven.SourceStore using PostgreSQL
type SourceStore struct {
	db *DB
}

// NewSourceStore creates a new SourceStore
func NewSourceStore(db *DB) *SourceStore {
	return &SourceStore{db: db}
}

// Get retrieves a source by ID
func (s *SourceStore) Get(ctx context.Context, id string) (*domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	return scanSource(s.db.QueryRowContext(ctx, query, id))
}

// GetByName retrieves a source by name
func (s *SourceStore) GetByName(ctx context.Context, name string) (*domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE name = $1`
	return scanSource(s.db.QueryRowContext(ctx, query, name))
}

// Create inserts a new source. The unique index on name reports races as
// domain.ErrAlreadyExists.
func (s *SourceStore) Create(ctx context.Context, source *domain.Source) error {
	query := `
		INSERT INTO sources (id, name, url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		source.ID,
		source.Name,
		source.URL,
		source.CreatedAt,
		source.UpdatedAt,
	)
	return mapError(err)
}

// Update saves name and url of an existing source
func (s *SourceStore) Update(ctx context.Context, source *domain.Source) error {
	query := `
		UPDATE sources SET name = $2, url = $3, updated_at = $4
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, source.ID, source.Name, source.URL, source.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return expectRow(result)
}

// List retrieves sources, newest first
func (s *SourceStore) List(ctx context.Context, limit, offset int) ([]*domain.Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM sources
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	sources := make([]*domain.Source, 0)
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, mapError(rows.Err())
}

// Delete deletes a source. Processed urls cascade, text records keep a NULL link.
func (s *SourceStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*domain.Source, error) {
	var source domain.Source
	err := row.Scan(
		&source.ID,
		&source.Name,
		&source.URL,
		&source.CreatedAt,
		&source.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &source, nil
}

// expectRow turns an update or delete that matched nothing into domain.ErrNotFound
func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
