package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

// Mock services for testing

type mockIngestionService struct {
	createFn       func(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error)
	updateFn       func(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error)
	getFn          func(ctx context.Context, id string) (*domain.TextRecordView, error)
	deleteFn       func(ctx context.Context, id string) error
	byVectorRefsFn func(ctx context.Context, refs []string) ([]*domain.TextRecordView, error)
	searchFn       func(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error)
	checkURLFn     func(ctx context.Context, url string) (*domain.ProcessedURLView, error)
}

func (m *mockIngestionService) Create(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error) {
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIngestionService) Update(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, patch)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIngestionService) Get(ctx context.Context, id string) (*domain.TextRecordView, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIngestionService) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return errors.New("not implemented")
}

func (m *mockIngestionService) GetByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordView, error) {
	if m.byVectorRefsFn != nil {
		return m.byVectorRefsFn(ctx, refs)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIngestionService) CheckURL(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
	if m.checkURLFn != nil {
		return m.checkURLFn(ctx, url)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIngestionService) SearchNeighbors(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, vector, k)
	}
	return nil, errors.New("not implemented")
}

type mockSourceService struct {
	createFn      func(ctx context.Context, req driving.CreateSourceRequest) (*domain.Source, error)
	getFn         func(ctx context.Context, id string) (*domain.Source, error)
	checkByNameFn func(ctx context.Context, name string) (*domain.Source, error)
	listFn        func(ctx context.Context, limit, offset int) ([]*domain.Source, error)
	updateFn      func(ctx context.Context, id string, req driving.UpdateSourceRequest) (*domain.Source, error)
	deleteFn      func(ctx context.Context, id string) error
}

func (m *mockSourceService) Create(ctx context.Context, req driving.CreateSourceRequest) (*domain.Source, error) {
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSourceService) Get(ctx context.Context, id string) (*domain.Source, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSourceService) CheckByName(ctx context.Context, name string) (*domain.Source, error) {
	if m.checkByNameFn != nil {
		return m.checkByNameFn(ctx, name)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSourceService) List(ctx context.Context, limit, offset int) ([]*domain.Source, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit, offset)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSourceService) Update(ctx context.Context, id string, req driving.UpdateSourceRequest) (*domain.Source, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSourceService) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return errors.New("not implemented")
}

type mockHealthService struct {
	results map[string]error
}

func (m *mockHealthService) Check(ctx context.Context) map[string]error {
	return m.results
}

// Test helpers

func newTestServer(svc Services) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(DefaultConfig(), svc, metrics.New(), logger).Handler()
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error
}

func sampleView(id string) *domain.TextRecordView {
	return &domain.TextRecordView{
		ID:             id,
		URL:            "https://example.com/a",
		Text:           "hello world",
		Vector:         []float32{0.1, 0.2, 0.3},
		VectorIndexRef: "ref-" + id,
		ProcessedURLID: "purl-1",
		SourceName:     "docs",
	}
}

// Health endpoints

func TestHealthHandler(t *testing.T) {
	h := newTestServer(Services{})

	rr := doRequest(h, "GET", "/health", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", resp.Status)
	}
}

func TestReadyHandler_AllHealthy(t *testing.T) {
	h := newTestServer(Services{Health: &mockHealthService{results: map[string]error{
		"postgres": nil,
		"vespa":    nil,
		"broker":   nil,
	}}})

	rr := doRequest(h, "GET", "/ready", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var resp ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("expected status 'ready', got %s", resp.Status)
	}
	if resp.Components["vespa"] != "ok" {
		t.Errorf("expected vespa ok, got %q", resp.Components["vespa"])
	}
}

func TestReadyHandler_DependencyDown(t *testing.T) {
	h := newTestServer(Services{Health: &mockHealthService{results: map[string]error{
		"postgres": nil,
		"vespa":    domain.Unavailable("vespa", errors.New("connection refused")),
	}}})

	rr := doRequest(h, "GET", "/ready", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	var resp ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "unavailable" {
		t.Errorf("expected status 'unavailable', got %s", resp.Status)
	}
	if resp.Components["postgres"] != "ok" {
		t.Errorf("expected postgres ok, got %q", resp.Components["postgres"])
	}
	if !strings.Contains(resp.Components["vespa"], "connection refused") {
		t.Errorf("expected vespa error detail, got %q", resp.Components["vespa"])
	}
}

func TestVersionHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.Version = "1.2.3"
	h := NewServer(cfg, Services{}, nil, logger).Handler()

	rr := doRequest(h, "GET", "/version", "")

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", resp["version"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	m.VectorOrphaned()
	h := NewServer(DefaultConfig(), Services{}, m, logger).Handler()

	rr := doRequest(h, "GET", "/metrics", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sercha_ingest_orphaned_vectors_total 1") {
		t.Errorf("expected orphan counter in exposition, got:\n%s", rr.Body.String())
	}
}

func TestMetricsEndpoint_DisabledWithoutMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewServer(DefaultConfig(), Services{}, nil, logger).Handler()

	rr := doRequest(h, "GET", "/metrics", "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestOperationalServer_OmitsAPIRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	m.SetConsumerState(3)
	h := NewServer(DefaultConfig(), Services{Health: &mockHealthService{results: map[string]error{
		"postgres": nil,
		"broker":   nil,
	}}}, m, logger).Handler()

	if rr := doRequest(h, "GET", "/ready", ""); rr.Code != http.StatusOK {
		t.Errorf("expected /ready 200, got %d", rr.Code)
	}
	rr := doRequest(h, "GET", "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected /metrics 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sercha_ingest_consumer_state 3") {
		t.Errorf("expected consumer state in exposition, got:\n%s", rr.Body.String())
	}
	for _, path := range []string{"/api/v1/text-data/rec-1", "/api/v1/sources", "/api/v1/processed-urls/check?url=x"} {
		if rr := doRequest(h, "GET", path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, rr.Code)
		}
	}
}

// Text data endpoints

func TestCreateTextData_Success(t *testing.T) {
	var got domain.IngestRequest
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		createFn: func(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error) {
			got = req
			return sampleView("rec-1"), nil
		},
	}})

	body := `{"text":"hello world","url":"https://example.com/a","source_name":"docs","vector":[0.1,0.2,0.3]}`
	rr := doRequest(h, "POST", "/api/v1/text-data", body)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.SourceName != "docs" || len(got.Vector) != 3 {
		t.Errorf("request not passed through: %+v", got)
	}
	var view domain.TextRecordView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.ID != "rec-1" || view.VectorIndexRef != "ref-rec-1" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestCreateTextData_InvalidBody(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{}})

	rr := doRequest(h, "POST", "/api/v1/text-data", "{not json")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg != "invalid request body" {
		t.Errorf("unexpected error message: %s", msg)
	}
}

func TestCreateTextData_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "invalid input",
			err:        domain.Invalid("text is required"),
			wantStatus: http.StatusBadRequest,
			wantMsg:    "text is required",
		},
		{
			name:       "not found",
			err:        fmt.Errorf("source: %w", domain.ErrNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "already exists",
			err:        domain.ErrAlreadyExists,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "no change",
			err:        domain.ErrNoChange,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "dependency unavailable",
			err:        domain.Unavailable("vespa", errors.New("dial tcp: refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "failed to ingest text",
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "failed to ingest text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(Services{Ingestion: &mockIngestionService{
				createFn: func(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error) {
					return nil, tt.err
				},
			}})

			rr := doRequest(h, "POST", "/api/v1/text-data", `{"text":"x"}`)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			msg := decodeError(t, rr)
			if tt.wantMsg != "" && !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, msg)
			}
			if tt.wantStatus >= http.StatusInternalServerError && strings.Contains(msg, "refused") {
				t.Errorf("server error leaked detail: %q", msg)
			}
		})
	}
}

func TestGetTextData_Success(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		getFn: func(ctx context.Context, id string) (*domain.TextRecordView, error) {
			if id == "rec-1" {
				return sampleView(id), nil
			}
			return nil, domain.ErrNotFound
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/text-data/rec-1", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var view domain.TextRecordView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(view.Vector) != 3 {
		t.Errorf("expected vector of 3 dims, got %v", view.Vector)
	}
}

func TestGetTextData_NotFound(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		getFn: func(ctx context.Context, id string) (*domain.TextRecordView, error) {
			return nil, domain.ErrNotFound
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/text-data/missing", "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestUpdateTextData(t *testing.T) {
	var gotID string
	var gotPatch domain.TextRecordPatch
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		updateFn: func(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error) {
			gotID, gotPatch = id, patch
			view := sampleView(id)
			view.Text = *patch.Text
			return view, nil
		},
	}})

	rr := doRequest(h, "PUT", "/api/v1/text-data/rec-9", `{"text":"updated"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotID != "rec-9" {
		t.Errorf("expected id rec-9, got %s", gotID)
	}
	if gotPatch.Text == nil || *gotPatch.Text != "updated" {
		t.Errorf("expected text patch, got %+v", gotPatch)
	}
	if gotPatch.URL != nil || gotPatch.Vector != nil {
		t.Errorf("expected only text in patch, got %+v", gotPatch)
	}
}

func TestUpdateTextData_NoChange(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		updateFn: func(ctx context.Context, id string, patch domain.TextRecordPatch) (*domain.TextRecordView, error) {
			return nil, domain.ErrNoChange
		},
	}})

	rr := doRequest(h, "PUT", "/api/v1/text-data/rec-1", `{}`)

	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestDeleteTextData(t *testing.T) {
	deleted := ""
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		deleteFn: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}})

	rr := doRequest(h, "DELETE", "/api/v1/text-data/rec-1", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if deleted != "rec-1" {
		t.Errorf("expected rec-1 deleted, got %q", deleted)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "deleted" {
		t.Errorf("expected status 'deleted', got %s", resp.Status)
	}
}

func TestGetByVectorRefs(t *testing.T) {
	var gotRefs []string
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		byVectorRefsFn: func(ctx context.Context, refs []string) ([]*domain.TextRecordView, error) {
			gotRefs = refs
			return []*domain.TextRecordView{{ID: "rec-1", VectorIndexRef: refs[0]}}, nil
		},
	}})

	rr := doRequest(h, "POST", "/api/v1/text-data/by-vector-refs", `{"vector_index_refs":["ref-a","ref-b"]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(gotRefs) != 2 || gotRefs[1] != "ref-b" {
		t.Errorf("unexpected refs: %v", gotRefs)
	}
	var views []domain.TextRecordView
	if err := json.NewDecoder(rr.Body).Decode(&views); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(views) != 1 || views[0].VectorIndexRef != "ref-a" {
		t.Errorf("unexpected views: %+v", views)
	}
}

func TestCheckProcessedURL(t *testing.T) {
	var gotURL string
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		checkURLFn: func(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
			gotURL = url
			if url == "https://example.com/new" {
				return nil, domain.ErrNotFound
			}
			return &domain.ProcessedURLView{URL: url, Hash: "abc", SourceName: "blog"}, nil
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/processed-urls/check?url=https://example.com/a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotURL != "https://example.com/a" {
		t.Errorf("unexpected url passed to service: %q", gotURL)
	}
	var view domain.ProcessedURLView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.Hash != "abc" || view.SourceName != "blog" {
		t.Errorf("unexpected view: %+v", view)
	}

	rr = doRequest(h, "GET", "/api/v1/processed-urls/check?url=https://example.com/new", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown url, got %d", rr.Code)
	}

	rr = doRequest(h, "GET", "/api/v1/processed-urls/check", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without url, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); !strings.Contains(msg, "url") {
		t.Errorf("unexpected error message: %q", msg)
	}
}

func TestSearchVectors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantK      int
	}{
		{name: "explicit k", body: `{"vector":[1,0],"k":5}`, wantStatus: http.StatusOK, wantK: 5},
		{name: "default k", body: `{"vector":[1,0]}`, wantStatus: http.StatusOK, wantK: defaultSearchK},
		{name: "max k", body: `{"vector":[1,0],"k":100}`, wantStatus: http.StatusOK, wantK: 100},
		{name: "k too large", body: `{"vector":[1,0],"k":101}`, wantStatus: http.StatusBadRequest},
		{name: "negative k", body: `{"vector":[1,0],"k":-1}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotK := 0
			h := newTestServer(Services{Ingestion: &mockIngestionService{
				searchFn: func(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
					gotK = k
					return []*domain.VectorHit{{Ref: "ref-a", Score: 0.9, Text: "hello", TextRecordID: "rec-1"}}, nil
				},
			}})

			rr := doRequest(h, "POST", "/api/v1/vectors/search", tt.body)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus == http.StatusOK && gotK != tt.wantK {
				t.Errorf("expected k=%d, got %d", tt.wantK, gotK)
			}
			if tt.wantStatus != http.StatusOK && gotK != 0 {
				t.Error("service should not be called for an invalid k")
			}
		})
	}
}

// Source endpoints

func TestListSources(t *testing.T) {
	var gotLimit, gotOffset int
	h := newTestServer(Services{Sources: &mockSourceService{
		listFn: func(ctx context.Context, limit, offset int) ([]*domain.Source, error) {
			gotLimit, gotOffset = limit, offset
			return []*domain.Source{{ID: "s1", Name: "docs"}, {ID: "s2", Name: "blog"}}, nil
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/sources?limit=20&offset=40", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotLimit != 20 || gotOffset != 40 {
		t.Errorf("expected limit 20 offset 40, got %d %d", gotLimit, gotOffset)
	}
	var sources []domain.Source
	if err := json.NewDecoder(rr.Body).Decode(&sources); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(sources))
	}
}

func TestListSources_InvalidPaging(t *testing.T) {
	h := newTestServer(Services{Sources: &mockSourceService{}})

	for _, q := range []string{"limit=abc", "offset=-1"} {
		rr := doRequest(h, "GET", "/api/v1/sources?"+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", q, rr.Code)
		}
	}
}

func TestListSources_ByName(t *testing.T) {
	h := newTestServer(Services{Sources: &mockSourceService{
		checkByNameFn: func(ctx context.Context, name string) (*domain.Source, error) {
			if name == "docs" {
				return &domain.Source{ID: "s1", Name: name}, nil
			}
			return nil, domain.ErrNotFound
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/sources?name=docs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var sources []domain.Source
	if err := json.NewDecoder(rr.Body).Decode(&sources); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(sources) != 1 || sources[0].ID != "s1" {
		t.Errorf("unexpected sources: %+v", sources)
	}

	rr = doRequest(h, "GET", "/api/v1/sources?name=missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestCreateSource(t *testing.T) {
	h := newTestServer(Services{Sources: &mockSourceService{
		createFn: func(ctx context.Context, req driving.CreateSourceRequest) (*domain.Source, error) {
			if req.Name == "taken" {
				return nil, fmt.Errorf("source %q: %w", req.Name, domain.ErrAlreadyExists)
			}
			return &domain.Source{ID: "s1", Name: req.Name, URL: req.URL, CreatedAt: time.Now()}, nil
		},
	}})

	rr := doRequest(h, "POST", "/api/v1/sources", `{"name":"docs","url":"https://docs.example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rr.Code)
	}

	rr = doRequest(h, "POST", "/api/v1/sources", `{"name":"taken","url":"https://x.example.com"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestGetSource(t *testing.T) {
	h := newTestServer(Services{Sources: &mockSourceService{
		getFn: func(ctx context.Context, id string) (*domain.Source, error) {
			if id == "s1" {
				return &domain.Source{ID: id, Name: "docs"}, nil
			}
			return nil, domain.ErrNotFound
		},
	}})

	rr := doRequest(h, "GET", "/api/v1/sources/s1", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	rr = doRequest(h, "GET", "/api/v1/sources/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestUpdateSource(t *testing.T) {
	var got driving.UpdateSourceRequest
	h := newTestServer(Services{Sources: &mockSourceService{
		updateFn: func(ctx context.Context, id string, req driving.UpdateSourceRequest) (*domain.Source, error) {
			got = req
			return &domain.Source{ID: id, Name: *req.Name}, nil
		},
	}})

	rr := doRequest(h, "PUT", "/api/v1/sources/s1", `{"name":"renamed"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.Name == nil || *got.Name != "renamed" || got.URL != nil {
		t.Errorf("unexpected update request: %+v", got)
	}
}

func TestDeleteSource(t *testing.T) {
	h := newTestServer(Services{Sources: &mockSourceService{
		deleteFn: func(ctx context.Context, id string) error {
			if id == "s1" {
				return nil
			}
			return domain.ErrNotFound
		},
	}})

	rr := doRequest(h, "DELETE", "/api/v1/sources/s1", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	rr = doRequest(h, "DELETE", "/api/v1/sources/s2", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{}})

	rr := doRequest(h, "PATCH", "/api/v1/text-data/rec-1", "")

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("bad"), http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrNoChange, http.StatusConflict},
		{domain.Unavailable("postgres", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDecode_BodyTooLarge(t *testing.T) {
	h := newTestServer(Services{Ingestion: &mockIngestionService{
		createFn: func(ctx context.Context, req domain.IngestRequest) (*domain.TextRecordView, error) {
			t.Error("service should not be called")
			return nil, nil
		},
	}})

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	body := `{"text":"` + string(big) + `"}`
	rr := doRequest(h, "POST", "/api/v1/text-data", body)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()

	writeJSON(rr, http.StatusOK, map[string]string{"key": "value"})

	if rr.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", rr.Header().Get("Content-Type"))
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %s", resp["key"])
	}
}
