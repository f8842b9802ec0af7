package driven

import (
	"context"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

// SourceStore persists provenance sources (PostgreSQL)
type SourceStore interface {
	// Get retrieves a source by ID
	Get(ctx context.Context, id string) (*domain.Source, error)

	// GetByName retrieves a source by its unique name
	GetByName(ctx context.Context, name string) (*domain.Source, error)

	// Create inserts a new source.
	// Returns domain.ErrAlreadyExists when the name is already taken.
	Create(ctx context.Context, source *domain.Source) error

	// Update saves name and url of an existing source.
	// Returns domain.ErrAlreadyExists when the new name belongs to another source.
	Update(ctx context.Context, source *domain.Source) error

	// List retrieves sources ordered by creation time, newest first
	List(ctx context.Context, limit, offset int) ([]*domain.Source, error)

	// Delete removes a source; its processed urls are removed by cascade
	Delete(ctx context.Context, id string) error
}

// IngestStore owns the transactional writes of the ingestion pipeline (PostgreSQL).
type IngestStore interface {
	// InTx runs fn inside one relational transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx IngestTx) error) error

	// GetTextRecordRow loads a text record joined with its processed url and source
	GetTextRecordRow(ctx context.Context, id string) (*domain.TextRecordRow, error)

	// FindByContent returns the text record already ingested for url with the given
	// content hash, or domain.ErrNotFound.
	FindByContent(ctx context.Context, url, hash string) (*domain.TextRecordRow, error)

	// GetProcessedURLByURL returns the most recently updated processed url for url
	// joined with its source name, or domain.ErrNotFound.
	GetProcessedURLByURL(ctx context.Context, url string) (*domain.ProcessedURLView, error)

	// ListByVectorRefs returns the text records referencing any of refs
	ListByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordRow, error)

	// VectorRefInUse reports whether a text record references the vector document
	VectorRefInUse(ctx context.Context, ref string) (bool, error)

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error
}

// IngestTx is the set of operations available inside an ingestion transaction.
type IngestTx interface {
	CreateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error
	GetProcessedURL(ctx context.Context, id string) (*domain.ProcessedURL, error)
	UpdateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error

	// GetSource reads a source through the transaction
	GetSource(ctx context.Context, id string) (*domain.Source, error)

	CreateTextRecord(ctx context.Context, record *domain.TextRecord) error

	// GetTextRecord loads a text record and locks it for the rest of the transaction
	GetTextRecord(ctx context.Context, id string) (*domain.TextRecord, error)
	UpdateTextRecord(ctx context.Context, record *domain.TextRecord) error
	DeleteTextRecord(ctx context.Context, id string) error
}
