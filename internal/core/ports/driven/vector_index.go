package driven

import (
	"context"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

// VectorIndex stores text with its embedding in the external search engine (Vespa).
// It has no transaction support and is safe for concurrent use.
type VectorIndex interface {
	// Index writes a new document and returns its reference
	Index(ctx context.Context, doc domain.VectorDocument) (string, error)

	// Get retrieves a document by reference. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, ref string) (*domain.VectorDocument, error)

	// Update merges the set fields of patch into the existing document.
	// It never creates a document; a missing ref yields domain.ErrNotFound.
	Update(ctx context.Context, ref string, patch domain.VectorPatch) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, ref string) error

	// Search returns the k nearest neighbours of vector
	Search(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error)

	// HealthCheck verifies the index is available
	HealthCheck(ctx context.Context) error
}

// SchemaDeployer makes sure the index has a document type with a dense vector
// field of the configured dimensionality.
type SchemaDeployer interface {
	// EnsureSchema deploys the schema unless it is already present.
	// Returns true when a deployment happened.
	EnsureSchema(ctx context.Context, dims int) (bool, error)
}

// OrphanJournal remembers vector documents written by a pipeline run whose
// relational commit failed, for later reconciliation.
type OrphanJournal interface {
	Record(ctx context.Context, ref string) error
	List(ctx context.Context, limit int) ([]string, error)
	Remove(ctx context.Context, ref string) error
}
