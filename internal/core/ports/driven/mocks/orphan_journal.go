package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.OrphanJournal = (*MockOrphanJournal)(nil)

// MockOrphanJournal is an in-memory OrphanJournal
type MockOrphanJournal struct {
	mu   sync.Mutex
	refs map[string]struct{}

	Err error
}

// NewMockOrphanJournal creates a new MockOrphanJournal
func NewMockOrphanJournal() *MockOrphanJournal {
	return &MockOrphanJournal{refs: make(map[string]struct{})}
}

func (m *MockOrphanJournal) Record(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.refs[ref] = struct{}{}
	return nil
}

func (m *MockOrphanJournal) List(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	refs := make([]string, 0, len(m.refs))
	for ref := range m.refs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	if limit > 0 && limit < len(refs) {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *MockOrphanJournal) Remove(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.refs, ref)
	return nil
}

// Contains reports whether ref is journaled
func (m *MockOrphanJournal) Contains(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[ref]
	return ok
}
