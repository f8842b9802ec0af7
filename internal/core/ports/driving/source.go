package driving

import (
	"context"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

// CreateSourceRequest represents a request to create a new source
type CreateSourceRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// UpdateSourceRequest represents a request to update a source
type UpdateSourceRequest struct {
	Name *string `json:"name,omitempty"`
	URL  *string `json:"url,omitempty"`
}

// SourceService manages provenance sources directly. Ingestion creates
// sources implicitly through SourceRegistry instead.
type SourceService interface {
	// Create creates a new source. Returns domain.ErrAlreadyExists on a taken name.
	Create(ctx context.Context, req CreateSourceRequest) (*domain.Source, error)

	// Get retrieves a source by ID
	Get(ctx context.Context, id string) (*domain.Source, error)

	// CheckByName retrieves a source by name, domain.ErrNotFound when absent
	CheckByName(ctx context.Context, name string) (*domain.Source, error)

	// List retrieves sources, newest first
	List(ctx context.Context, limit, offset int) ([]*domain.Source, error)

	// Update changes name and/or url.
	// Returns domain.ErrNoChange when nothing would change.
	Update(ctx context.Context, id string, req UpdateSourceRequest) (*domain.Source, error)

	// Delete deletes a source together with its processed urls
	Delete(ctx context.Context, id string) error
}
