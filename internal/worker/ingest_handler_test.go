package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

// stubIngestion implements driving.IngestionService for testing
type stubIngestion struct {
	mu       sync.Mutex
	createFn func(req domain.IngestRequest) (*domain.TextRecordView, error)
	created  []domain.IngestRequest
}

func (s *stubIngestion) Create(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error) {
	s.mu.Lock()
	s.created = append(s.created, req)
	fn := s.createFn
	s.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if err := req.Validate(3); err != nil {
		return nil, err
	}
	return &domain.TextRecordView{ID: "tr-1", Text: req.Text, URL: req.URL, Vector: req.Vector}, nil
}

func (s *stubIngestion) Update(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error) {
	return nil, domain.ErrNotFound
}

func (s *stubIngestion) Get(ctx context.Context, id string) (*domain.TextRecordView, error) {
	return nil, domain.ErrNotFound
}

func (s *stubIngestion) Delete(ctx context.Context, id string) error {
	return domain.ErrNotFound
}

func (s *stubIngestion) GetByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordView, error) {
	return nil, nil
}

func (s *stubIngestion) CheckURL(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
	return nil, domain.ErrNotFound
}

func (s *stubIngestion) SearchNeighbors(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
	return nil, nil
}

func (s *stubIngestion) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

const validBody = `{"text":"hello world","url":"http://ex.com/a","source_name":"blog","vector":[0.1,0.2,0.3]}`

func TestIngestHandler_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		createErr   error
		wantOutcome string
		wantCreate  bool
	}{
		{"valid message", validBody, nil, "ack", true},
		{"invalid json", `{"text": "hello"`, nil, "reject", false},
		{"wrong field type", `{"text": 5}`, nil, "reject", false},
		{"wrong vector length", `{"text":"t","url":"u","source_name":"s","vector":[0.1]}`, nil, "reject", true},
		{"not found", validBody, domain.ErrNotFound, "reject", true},
		{"conflict", validBody, domain.ErrAlreadyExists, "reject", true},
		{"index unavailable", validBody, domain.Unavailable("vespa", errors.New("refused")), "requeue", true},
		{"unexpected failure", validBody, errors.New("boom"), "requeue", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubIngestion{}
			if tt.createErr != nil {
				svc.createFn = func(req domain.IngestRequest) (*domain.TextRecordView, error) {
					return nil, tt.createErr
				}
			}
			h := NewIngestHandler(svc, metrics.New(), nil)

			d := mocks.NewMockDelivery("messages", []byte(tt.body))
			h.Handle(context.Background(), d)

			if got := d.Outcome(); got != tt.wantOutcome {
				t.Errorf("expected outcome %q, got %q", tt.wantOutcome, got)
			}
			if called := svc.calls() > 0; called != tt.wantCreate {
				t.Errorf("expected create called = %v, got %v", tt.wantCreate, called)
			}
		})
	}
}

func TestIngestHandler_PassesFields(t *testing.T) {
	svc := &stubIngestion{}
	h := NewIngestHandler(svc, nil, nil)

	h.Handle(context.Background(), mocks.NewMockDelivery("messages", []byte(validBody)))

	if svc.calls() != 1 {
		t.Fatalf("expected 1 create call, got %d", svc.calls())
	}
	req := svc.created[0]
	if req.Text != "hello world" || req.URL != "http://ex.com/a" || req.SourceName != "blog" {
		t.Errorf("unexpected request %+v", req)
	}
	if len(req.Vector) != 3 {
		t.Errorf("expected 3 dimensional vector, got %d", len(req.Vector))
	}
}
