package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.IngestStore = (*IngestStore)(nil)
	_ driven.IngestTx    = (*ingestTx)(nil)
)

// textRecordRowQuery joins a text record with its processed url and source.
// Outer joins keep records whose links were nulled by a delete.
const textRecordRowQuery = `
	SELECT tr.id, tr.text, tr.vector_index_ref, tr.processed_url_id, tr.created_at, tr.updated_at,
	       COALESCE(pu.url, ''), COALESCE(pu.hash, ''),
	       COALESCE(pu.source_id::text, ''), COALESCE(s.name, '')
	FROM text_records tr
	LEFT JOIN processed_urls pu ON pu.id = tr.processed_url_id
	LEFT JOIN sources s ON s.id = pu.source_id
`

// IngestStore implements driven.IngestStore using PostgreSQL
type IngestStore struct {
	db *DB
}

// NewIngestStore creates a new IngestStore
func NewIngestStore(db *DB) *IngestStore {
	return &IngestStore{db: db}
}

// InTx runs fn in one transaction; see DB.Transaction
func (s *IngestStore) InTx(ctx context.Context, fn func(tx driven.IngestTx) error) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return fn(&ingestTx{tx: tx})
	})
}

// GetTextRecordRow loads a text record with its joined provenance
func (s *IngestStore) GetTextRecordRow(ctx context.Context, id string) (*domain.TextRecordRow, error) {
	return scanTextRecordRow(s.db.QueryRowContext(ctx, textRecordRowQuery+` WHERE tr.id = $1`, id))
}

// FindByContent returns the oldest text record ingested for url with hash
func (s *IngestStore) FindByContent(ctx context.Context, url, hash string) (*domain.TextRecordRow, error) {
	query := textRecordRowQuery + `
		WHERE pu.url = $1 AND pu.hash = $2
		ORDER BY tr.created_at
		LIMIT 1
	`
	return scanTextRecordRow(s.db.QueryRowContext(ctx, query, url, hash))
}

// GetProcessedURLByURL returns the latest processed url recorded for url
func (s *IngestStore) GetProcessedURLByURL(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
	query := `
		SELECT pu.url, pu.hash, COALESCE(s.name, ''), pu.updated_at
		FROM processed_urls pu
		LEFT JOIN sources s ON s.id = pu.source_id
		WHERE pu.url = $1
		ORDER BY pu.updated_at DESC
		LIMIT 1
	`
	var view domain.ProcessedURLView
	err := s.db.QueryRowContext(ctx, query, url).Scan(&view.URL, &view.Hash, &view.SourceName, &view.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &view, nil
}

// ListByVectorRefs returns the text records referencing refs
func (s *IngestStore) ListByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordRow, error) {
	rows, err := s.db.QueryContext(ctx, textRecordRowQuery+` WHERE tr.vector_index_ref = ANY($1)`, pq.Array(refs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make([]*domain.TextRecordRow, 0, len(refs))
	for rows.Next() {
		row, err := scanTextRecordRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, mapError(rows.Err())
}

// VectorRefInUse reports whether any text record references ref
func (s *IngestStore) VectorRefInUse(ctx context.Context, ref string) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM text_records WHERE vector_index_ref = $1)`, ref,
	).Scan(&inUse)
	if err != nil {
		return false, mapError(err)
	}
	return inUse, nil
}

// Ping checks if the database is reachable
func (s *IngestStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanTextRecordRow(row rowScanner) (*domain.TextRecordRow, error) {
	var r domain.TextRecordRow
	var processedURLID sql.NullString
	err := row.Scan(
		&r.Record.ID,
		&r.Record.Text,
		&r.Record.VectorIndexRef,
		&processedURLID,
		&r.Record.CreatedAt,
		&r.Record.UpdatedAt,
		&r.URL,
		&r.Hash,
		&r.SourceID,
		&r.SourceName,
	)
	if err != nil {
		return nil, mapError(err)
	}
	r.Record.ProcessedURLID = StringPtr(processedURLID)
	return &r, nil
}

// ingestTx implements driven.IngestTx on a *sql.Tx
type ingestTx struct {
	tx *sql.Tx
}

func (t *ingestTx) CreateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error {
	query := `
		INSERT INTO processed_urls (id, url, hash, source_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.ExecContext(ctx, query,
		pu.ID,
		pu.URL,
		pu.Hash,
		NullString(pu.SourceID),
		pu.CreatedAt,
		pu.UpdatedAt,
	)
	return mapError(err)
}

func (t *ingestTx) GetProcessedURL(ctx context.Context, id string) (*domain.ProcessedURL, error) {
	query := `
		SELECT id, url, hash, source_id, created_at, updated_at
		FROM processed_urls
		WHERE id = $1
		FOR UPDATE
	`
	var pu domain.ProcessedURL
	var sourceID sql.NullString
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&pu.ID,
		&pu.URL,
		&pu.Hash,
		&sourceID,
		&pu.CreatedAt,
		&pu.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	pu.SourceID = StringPtr(sourceID)
	return &pu, nil
}

func (t *ingestTx) UpdateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error {
	query := `
		UPDATE processed_urls SET url = $2, hash = $3, updated_at = $4
		WHERE id = $1
	`
	result, err := t.tx.ExecContext(ctx, query, pu.ID, pu.URL, pu.Hash, pu.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return expectRow(result)
}

func (t *ingestTx) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	return scanSource(t.tx.QueryRowContext(ctx, query, id))
}

func (t *ingestTx) CreateTextRecord(ctx context.Context, record *domain.TextRecord) error {
	query := `
		INSERT INTO text_records (id, text, vector_index_ref, processed_url_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.ExecContext(ctx, query,
		record.ID,
		record.Text,
		record.VectorIndexRef,
		NullString(record.ProcessedURLID),
		record.CreatedAt,
		record.UpdatedAt,
	)
	return mapError(err)
}

func (t *ingestTx) GetTextRecord(ctx context.Context, id string) (*domain.TextRecord, error) {
	query := `
		SELECT id, text, vector_index_ref, processed_url_id, created_at, updated_at
		FROM text_records
		WHERE id = $1
		FOR UPDATE
	`
	var record domain.TextRecord
	var processedURLID sql.NullString
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&record.ID,
		&record.Text,
		&record.VectorIndexRef,
		&processedURLID,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	record.ProcessedURLID = StringPtr(processedURLID)
	return &record, nil
}

func (t *ingestTx) UpdateTextRecord(ctx context.Context, record *domain.TextRecord) error {
	query := `
		UPDATE text_records SET text = $2, updated_at = $3
		WHERE id = $1
	`
	result, err := t.tx.ExecContext(ctx, query, record.ID, record.Text, record.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return expectRow(result)
}

func (t *ingestTx) DeleteTextRecord(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM text_records WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectRow(result)
}
