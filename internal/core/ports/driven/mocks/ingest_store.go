package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.IngestStore = (*MockIngestStore)(nil)

// MockIngestStore is an in-memory IngestStore with real rollback semantics:
// each transaction works on a copy of the tables that replaces them only on commit.
type MockIngestStore struct {
	txMu sync.Mutex // serializes transactions
	mu   sync.RWMutex

	processed map[string]*domain.ProcessedURL
	records   map[string]*domain.TextRecord
	sources   *MockSourceStore

	// Failure injection
	Err                 error // returned by every call
	CreateTextRecordErr error
	UpdateTextRecordErr error
	DeleteTextRecordErr error
	CommitErr           error // returned after fn succeeded; the transaction is discarded

	commits   int
	rollbacks int
}

// NewMockIngestStore creates a store whose joins and cascades use sources
func NewMockIngestStore(sources *MockSourceStore) *MockIngestStore {
	m := &MockIngestStore{
		processed: make(map[string]*domain.ProcessedURL),
		records:   make(map[string]*domain.TextRecord),
		sources:   sources,
	}
	sources.mu.Lock()
	sources.onDelete = m.cascadeSource
	sources.mu.Unlock()
	return m
}

// InTx runs fn against a staged copy of the tables
func (m *MockIngestStore) InTx(ctx context.Context, fn func(tx driven.IngestTx) error) error {
	if m.Err != nil {
		return m.Err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	tx := &mockIngestTx{
		store:     m,
		processed: make(map[string]*domain.ProcessedURL, len(m.processed)),
		records:   make(map[string]*domain.TextRecord, len(m.records)),
	}
	for id, pu := range m.processed {
		cp := *pu
		tx.processed[id] = &cp
	}
	for id, r := range m.records {
		cp := *r
		tx.records[id] = &cp
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		m.mu.Lock()
		m.rollbacks++
		m.mu.Unlock()
		return err
	}
	if m.CommitErr != nil {
		m.mu.Lock()
		m.rollbacks++
		m.mu.Unlock()
		return m.CommitErr
	}

	m.mu.Lock()
	m.processed = tx.processed
	m.records = tx.records
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *MockIngestStore) GetTextRecordRow(ctx context.Context, id string) (*domain.TextRecordRow, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.rowLocked(record), nil
}

func (m *MockIngestStore) FindByContent(ctx context.Context, url, hash string) (*domain.TextRecordRow, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.ProcessedURLID == nil {
			continue
		}
		pu, ok := m.processed[*record.ProcessedURLID]
		if ok && pu.URL == url && pu.Hash == hash {
			return m.rowLocked(record), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockIngestStore) GetProcessedURLByURL(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.ProcessedURL
	for _, pu := range m.processed {
		if pu.URL == url && (latest == nil || pu.UpdatedAt.After(latest.UpdatedAt)) {
			latest = pu
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	view := &domain.ProcessedURLView{URL: latest.URL, Hash: latest.Hash, UpdatedAt: latest.UpdatedAt}
	if latest.SourceID != nil {
		if source, err := m.sources.Get(context.Background(), *latest.SourceID); err == nil {
			view.SourceName = source.Name
		}
	}
	return view, nil
}

func (m *MockIngestStore) ListByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordRow, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	wanted := make(map[string]bool, len(refs))
	for _, ref := range refs {
		wanted[ref] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []*domain.TextRecordRow
	for _, record := range m.records {
		if wanted[record.VectorIndexRef] {
			rows = append(rows, m.rowLocked(record))
		}
	}
	return rows, nil
}

func (m *MockIngestStore) VectorRefInUse(ctx context.Context, ref string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.VectorIndexRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockIngestStore) Ping(ctx context.Context) error {
	return m.Err
}

// rowLocked joins a record with its processed url and source. Caller holds mu.
func (m *MockIngestStore) rowLocked(record *domain.TextRecord) *domain.TextRecordRow {
	row := &domain.TextRecordRow{Record: *record}
	if record.ProcessedURLID == nil {
		return row
	}
	pu, ok := m.processed[*record.ProcessedURLID]
	if !ok {
		return row
	}
	row.URL = pu.URL
	row.Hash = pu.Hash
	if pu.SourceID != nil {
		row.SourceID = *pu.SourceID
		if source, err := m.sources.Get(context.Background(), *pu.SourceID); err == nil {
			row.SourceName = source.Name
		}
	}
	return row
}

// cascadeSource mirrors the foreign keys: processed urls of the source are
// deleted and their text records lose the link.
func (m *MockIngestStore) cascadeSource(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pu := range m.processed {
		if pu.SourceID == nil || *pu.SourceID != sourceID {
			continue
		}
		delete(m.processed, id)
		for _, record := range m.records {
			if record.ProcessedURLID != nil && *record.ProcessedURLID == id {
				record.ProcessedURLID = nil
			}
		}
	}
}

// Test helpers

// ProcessedURLCount returns the number of committed processed urls
func (m *MockIngestStore) ProcessedURLCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed)
}

// TextRecordCount returns the number of committed text records
func (m *MockIngestStore) TextRecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// ProcessedURL returns a committed processed url by id
func (m *MockIngestStore) ProcessedURL(id string) (*domain.ProcessedURL, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pu, ok := m.processed[id]
	if !ok {
		return nil, false
	}
	cp := *pu
	return &cp, true
}

// DeleteProcessedURL removes a processed url outside any transaction, nulling its text record link
func (m *MockIngestStore) DeleteProcessedURL(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, id)
	for _, record := range m.records {
		if record.ProcessedURLID != nil && *record.ProcessedURLID == id {
			record.ProcessedURLID = nil
		}
	}
}

// Commits returns the number of committed transactions
func (m *MockIngestStore) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Rollbacks returns the number of rolled back transactions
func (m *MockIngestStore) Rollbacks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rollbacks
}

type mockIngestTx struct {
	store     *MockIngestStore
	processed map[string]*domain.ProcessedURL
	records   map[string]*domain.TextRecord
}

func (tx *mockIngestTx) CreateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error {
	if pu.SourceID != nil {
		if _, err := tx.store.sources.Get(ctx, *pu.SourceID); err != nil {
			return err
		}
	}
	cp := *pu
	tx.processed[pu.ID] = &cp
	return nil
}

func (tx *mockIngestTx) GetProcessedURL(ctx context.Context, id string) (*domain.ProcessedURL, error) {
	pu, ok := tx.processed[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *pu
	return &cp, nil
}

func (tx *mockIngestTx) UpdateProcessedURL(ctx context.Context, pu *domain.ProcessedURL) error {
	if _, ok := tx.processed[pu.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *pu
	tx.processed[pu.ID] = &cp
	return nil
}

func (tx *mockIngestTx) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	return tx.store.sources.Get(ctx, id)
}

func (tx *mockIngestTx) CreateTextRecord(ctx context.Context, record *domain.TextRecord) error {
	if tx.store.CreateTextRecordErr != nil {
		return tx.store.CreateTextRecordErr
	}
	if record.ProcessedURLID != nil {
		if _, ok := tx.processed[*record.ProcessedURLID]; !ok {
			return domain.ErrNotFound
		}
	}
	cp := *record
	tx.records[record.ID] = &cp
	return nil
}

func (tx *mockIngestTx) GetTextRecord(ctx context.Context, id string) (*domain.TextRecord, error) {
	record, ok := tx.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (tx *mockIngestTx) UpdateTextRecord(ctx context.Context, record *domain.TextRecord) error {
	if tx.store.UpdateTextRecordErr != nil {
		return tx.store.UpdateTextRecordErr
	}
	if _, ok := tx.records[record.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *record
	tx.records[record.ID] = &cp
	return nil
}

func (tx *mockIngestTx) DeleteTextRecord(ctx context.Context, id string) error {
	if tx.store.DeleteTextRecordErr != nil {
		return tx.store.DeleteTextRecordErr
	}
	if _, ok := tx.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(tx.records, id)
	return nil
}
