package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// SourceRegistry resolves the source named by an ingestion request,
// creating it on first use.
type SourceRegistry struct {
	store  driven.SourceStore
	logger *slog.Logger
}

// NewSourceRegistry creates a new SourceRegistry
func NewSourceRegistry(store driven.SourceStore, logger *slog.Logger) *SourceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceRegistry{store: store, logger: logger}
}

// GetOrCreate returns the source called name, inserting it with url when absent.
// The unique index on name decides concurrent creations: the losing writer reads
// back the winner's row. An existing source's url is never changed.
func (r *SourceRegistry) GetOrCreate(ctx context.Context, name, url string) (*domain.Source, error) {
	source, err := r.store.GetByName(ctx, name)
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	source = domain.NewSource(name, url)
	err = r.store.Create(ctx, source)
	if err == nil {
		r.logger.Info("source created", "source_id", source.ID, "name", name)
		return source, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}

	r.logger.Debug("source created concurrently, reading back", "name", name)
	return r.store.GetByName(ctx, name)
}
