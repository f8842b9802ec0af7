package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.SourceStore = (*MockSourceStore)(nil)

// MockSourceStore is a mock implementation of SourceStore for testing.
// Name uniqueness is enforced like the unique index of the real table.
type MockSourceStore struct {
	mu      sync.RWMutex
	sources map[string]*domain.Source
	byName  map[string]*domain.Source

	// BeforeCreate runs before the uniqueness check, letting tests interleave a racing writer
	BeforeCreate func(source *domain.Source)

	// Err, when set, is returned by every call
	Err error

	// onDelete is called with the deleted source id (used by MockIngestStore for cascades)
	onDelete func(id string)
}

// NewMockSourceStore creates a new MockSourceStore
func NewMockSourceStore() *MockSourceStore {
	return &MockSourceStore{
		sources: make(map[string]*domain.Source),
		byName:  make(map[string]*domain.Source),
	}
}

func (m *MockSourceStore) Get(ctx context.Context, id string) (*domain.Source, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	source, ok := m.sources[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *source
	return &cp, nil
}

func (m *MockSourceStore) GetByName(ctx context.Context, name string) (*domain.Source, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	source, ok := m.byName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *source
	return &cp, nil
}

func (m *MockSourceStore) Create(ctx context.Context, source *domain.Source) error {
	if m.Err != nil {
		return m.Err
	}
	if m.BeforeCreate != nil {
		m.BeforeCreate(source)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[source.Name]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *source
	m.sources[source.ID] = &cp
	m.byName[source.Name] = &cp
	return nil
}

func (m *MockSourceStore) Update(ctx context.Context, source *domain.Source) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sources[source.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if other, taken := m.byName[source.Name]; taken && other.ID != source.ID {
		return domain.ErrAlreadyExists
	}
	delete(m.byName, existing.Name)
	cp := *source
	m.sources[source.ID] = &cp
	m.byName[source.Name] = &cp
	return nil
}

func (m *MockSourceStore) List(ctx context.Context, limit, offset int) ([]*domain.Source, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.Source, 0, len(m.sources))
	for _, source := range m.sources {
		cp := *source
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if offset >= len(result) {
		return []*domain.Source{}, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockSourceStore) Delete(ctx context.Context, id string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	source, ok := m.sources[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(m.sources, id)
	delete(m.byName, source.Name)
	onDelete := m.onDelete
	m.mu.Unlock()

	if onDelete != nil {
		onDelete(id)
	}
	return nil
}

// Count returns the number of stored sources (for test assertions)
func (m *MockSourceStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}
