package mocks

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.VectorIndex = (*MockVectorIndex)(nil)

// MockVectorIndex is an in-memory VectorIndex with failure injection
type MockVectorIndex struct {
	mu   sync.RWMutex
	docs map[string]domain.VectorDocument
	seq  int

	IndexErr  error
	GetErr    error
	UpdateErr error
	DeleteErr error
	SearchErr error
	HealthErr error

	// HealthFn overrides HealthErr when set (called with the 1-based attempt number)
	HealthFn func(attempt int) error

	healthCalls int
	indexCalls  int
}

// NewMockVectorIndex creates a new MockVectorIndex
func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{docs: make(map[string]domain.VectorDocument)}
}

func (m *MockVectorIndex) Index(ctx context.Context, doc domain.VectorDocument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexCalls++
	if m.IndexErr != nil {
		return "", m.IndexErr
	}
	ref := domain.NewID()
	m.docs[ref] = copyDoc(doc)
	return ref, nil
}

func (m *MockVectorIndex) Get(ctx context.Context, ref string) (*domain.VectorDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	doc, ok := m.docs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := copyDoc(doc)
	return &cp, nil
}

func (m *MockVectorIndex) Update(ctx context.Context, ref string, patch domain.VectorPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	doc, ok := m.docs[ref]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Text != nil {
		doc.Text = *patch.Text
	}
	if patch.Vector != nil {
		doc.Vector = append([]float32(nil), patch.Vector...)
	}
	m.docs[ref] = doc
	return nil
}

func (m *MockVectorIndex) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.docs, ref)
	return nil
}

// Search ranks documents by cosine similarity
func (m *MockVectorIndex) Search(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	hits := make([]*domain.VectorHit, 0, len(m.docs))
	for ref, doc := range m.docs {
		hits = append(hits, &domain.VectorHit{
			Ref:    ref,
			Score:  cosine(vector, doc.Vector),
			Text:   doc.Text,
			Vector: append([]float32(nil), doc.Vector...),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MockVectorIndex) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.healthCalls++
	attempt := m.healthCalls
	fn := m.HealthFn
	m.mu.Unlock()
	if fn != nil {
		return fn(attempt)
	}
	return m.HealthErr
}

// Test helpers

// Put stores a document under a fixed reference
func (m *MockVectorIndex) Put(ref string, doc domain.VectorDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ref] = copyDoc(doc)
}

// Has reports whether a document exists
func (m *MockVectorIndex) Has(ref string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[ref]
	return ok
}

// Count returns the number of stored documents
func (m *MockVectorIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// IndexCalls returns how many times Index was called
func (m *MockVectorIndex) IndexCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexCalls
}

// HealthCalls returns how many times HealthCheck was called
func (m *MockVectorIndex) HealthCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthCalls
}

func copyDoc(doc domain.VectorDocument) domain.VectorDocument {
	return domain.VectorDocument{Text: doc.Text, Vector: append([]float32(nil), doc.Vector...)}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
