package driving

import (
	"context"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

// IngestionService coordinates the dual write of text records to the
// relational store and the vector index.
type IngestionService interface {
	// Create ingests a document and returns the assembled record.
	// Re-ingesting identical content for the same url returns the existing record.
	Create(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error)

	// Update applies a partial update to an existing record
	Update(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error)

	// Get returns a record with the vector currently held by the index
	Get(ctx context.Context, id string) (*domain.TextRecordView, error)

	// Delete removes a record and its vector document
	Delete(ctx context.Context, id string) error

	// GetByVectorRefs maps vector document references back to their records.
	// Vectors are not loaded.
	GetByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordView, error)

	// CheckURL reports the latest ingestion of url so callers can skip it.
	// Returns domain.ErrNotFound when url was never ingested.
	CheckURL(ctx context.Context, url string) (*domain.ProcessedURLView, error)

	// SearchNeighbors returns the k documents nearest to vector
	SearchNeighbors(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error)
}

// HealthService reports dependency health for probes
type HealthService interface {
	// Check returns the status of every dependency keyed by component name
	Check(ctx context.Context) map[string]error
}
