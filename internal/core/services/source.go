package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
)

// Ensure sourceService implements SourceService
var _ driving.SourceService = (*sourceService)(nil)

// sourceService implements the SourceService interface
type sourceService struct {
	sourceStore driven.SourceStore
}

// NewSourceService creates a new SourceService
func NewSourceService(sourceStore driven.SourceStore) driving.SourceService {
	return &sourceService{sourceStore: sourceStore}
}

// Create creates a new source
func (s *sourceService) Create(ctx context.Context, req driving.CreateSourceRequest) (*domain.Source, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.Invalid("name is required")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, domain.Invalid("url is required")
	}

	// Check if name already exists
	if _, err := s.sourceStore.GetByName(ctx, name); err == nil {
		return nil, domain.ErrAlreadyExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	source := domain.NewSource(name, strings.TrimSpace(req.URL))
	if err := s.sourceStore.Create(ctx, source); err != nil {
		return nil, err
	}
	return source, nil
}

// Get retrieves a source by ID
func (s *sourceService) Get(ctx context.Context, id string) (*domain.Source, error) {
	return s.sourceStore.Get(ctx, id)
}

// CheckByName retrieves a source by name
func (s *sourceService) CheckByName(ctx context.Context, name string) (*domain.Source, error) {
	return s.sourceStore.GetByName(ctx, strings.TrimSpace(name))
}

// List retrieves sources, newest first
func (s *sourceService) List(ctx context.Context, limit, offset int) ([]*domain.Source, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.sourceStore.List(ctx, limit, offset)
}

// Update updates a source
func (s *sourceService) Update(ctx context.Context, id string, req driving.UpdateSourceRequest) (*domain.Source, error) {
	source, err := s.sourceStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.Invalid("name must not be empty")
		}
		if name != source.Name {
			// Check if new name conflicts with existing source
			existing, err := s.sourceStore.GetByName(ctx, name)
			if err == nil && existing.ID != id {
				return nil, domain.ErrAlreadyExists
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			source.Name = name
			changed = true
		}
	}

	if req.URL != nil {
		url := strings.TrimSpace(*req.URL)
		if url == "" {
			return nil, domain.Invalid("url must not be empty")
		}
		if url != source.URL {
			source.URL = url
			changed = true
		}
	}

	if !changed {
		return nil, domain.ErrNoChange
	}

	source.UpdatedAt = time.Now().UTC()
	if err := s.sourceStore.Update(ctx, source); err != nil {
		return nil, err
	}
	return source, nil
}

// Delete deletes a source; its processed urls go with it
func (s *sourceService) Delete(ctx context.Context, id string) error {
	if _, err := s.sourceStore.Get(ctx, id); err != nil {
		return err
	}
	return s.sourceStore.Delete(ctx, id)
}
