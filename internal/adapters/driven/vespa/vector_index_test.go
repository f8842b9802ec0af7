package vespa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

const docPrefix = "/document/v1/sercha/text_vector/docid/"

// fakeVespa keeps documents in memory and speaks enough of the document/v1
// and search APIs for the adapter.
type fakeVespa struct {
	mu         sync.Mutex
	docs       map[string]map[string]any
	status     int
	lastSearch map[string]any
}

func newFakeVespa(t *testing.T) (*fakeVespa, *VectorIndex) {
	fv := &fakeVespa{docs: make(map[string]map[string]any)}
	srv := httptest.NewServer(http.HandlerFunc(fv.serve))
	t.Cleanup(srv.Close)
	return fv, NewVectorIndex(DefaultConfig(srv.URL))
}

func (fv *fakeVespa) serve(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	if fv.status != 0 {
		w.WriteHeader(fv.status)
		_, _ = w.Write([]byte(`{"message":"forced"}`))
		return
	}

	switch {
	case r.URL.Path == "/state/v1/health":
		_, _ = w.Write([]byte(`{"status":{"code":"up"}}`))

	case r.URL.Path == "/search/":
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		fv.lastSearch = req
		children := []map[string]any{}
		for ref, fields := range fv.docs {
			children = append(children, map[string]any{
				"relevance": 0.9,
				"fields": map[string]any{
					"documentid": "id:sercha:text_vector::" + ref,
					"text":       fields["text"],
					"vector":     fields["vector"],
				},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"root": map[string]any{"children": children}})

	case strings.HasPrefix(r.URL.Path, docPrefix):
		fv.document(w, r, strings.TrimPrefix(r.URL.Path, docPrefix))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fv *fakeVespa) document(w http.ResponseWriter, r *http.Request, ref string) {
	switch r.Method {
	case http.MethodPost:
		var doc struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fv.docs[ref] = doc.Fields
		_, _ = w.Write([]byte(`{}`))

	case http.MethodGet:
		fields, ok := fv.docs[ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// short-value rendering: a dense tensor is a bare array
		out := map[string]any{"text": fields["text"]}
		if v, ok := fields["vector"].(map[string]any); ok {
			out["vector"] = v["values"]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"fields": out})

	case http.MethodPut:
		fields, ok := fv.docs[ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Document does not exist"}`))
			return
		}
		var upd struct {
			Fields map[string]struct {
				Assign any `json:"assign"`
			} `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&upd)
		for name, op := range upd.Fields {
			fields[name] = op.Assign
		}
		_, _ = w.Write([]byte(`{}`))

	case http.MethodDelete:
		if _, ok := fv.docs[ref]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(fv.docs, ref)
		_, _ = w.Write([]byte(`{}`))
	}
}

func TestVectorIndex_IndexAndGet(t *testing.T) {
	fv, idx := newFakeVespa(t)
	ctx := context.Background()

	ref, err := idx.Index(ctx, domain.VectorDocument{Text: "hello", Vector: []float32{0.1, 0.2, 0.3}})
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	assert.Contains(t, fv.docs, ref)

	doc, err := idx.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, doc.Vector, 1e-6)
}

func TestVectorIndex_GetMissing(t *testing.T) {
	_, idx := newFakeVespa(t)

	_, err := idx.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVectorIndex_Update(t *testing.T) {
	_, idx := newFakeVespa(t)
	ctx := context.Background()

	ref, err := idx.Index(ctx, domain.VectorDocument{Text: "old", Vector: []float32{1, 0}})
	require.NoError(t, err)

	text := "new"
	require.NoError(t, idx.Update(ctx, ref, domain.VectorPatch{Text: &text, Vector: []float32{0, 1}}))

	doc, err := idx.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "new", doc.Text)
	assert.InDeltaSlice(t, []float32{0, 1}, doc.Vector, 1e-6)
}

func TestVectorIndex_UpdateMissingDoesNotCreate(t *testing.T) {
	fv, idx := newFakeVespa(t)

	text := "x"
	err := idx.Update(context.Background(), "ghost", domain.VectorPatch{Text: &text})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, fv.docs)
}

func TestVectorIndex_DeleteIsIdempotent(t *testing.T) {
	fv, idx := newFakeVespa(t)
	ctx := context.Background()

	ref, err := idx.Index(ctx, domain.VectorDocument{Text: "t", Vector: []float32{1}})
	require.NoError(t, err)

	require.NoError(t, idx.Delete(ctx, ref))
	assert.Empty(t, fv.docs)
	assert.NoError(t, idx.Delete(ctx, ref))
}

func TestVectorIndex_Search(t *testing.T) {
	fv, idx := newFakeVespa(t)
	ctx := context.Background()

	ref, err := idx.Index(ctx, domain.VectorDocument{Text: "near", Vector: []float32{1, 0}})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ref, hits[0].Ref)
	assert.Equal(t, "near", hits[0].Text)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9)

	assert.Equal(t, "closeness", fv.lastSearch["ranking.profile"])
	assert.Contains(t, fv.lastSearch["yql"], "{targetHits:3}nearestNeighbor(vector, q)")
	assert.EqualValues(t, 3, fv.lastSearch["hits"])
}

func TestVectorIndex_SearchRejectsNonPositiveK(t *testing.T) {
	_, idx := newFakeVespa(t)

	_, err := idx.Search(context.Background(), []float32{1}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestVectorIndex_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"overloaded", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv, idx := newFakeVespa(t)
			fv.status = tt.status

			_, err := idx.Index(context.Background(), domain.VectorDocument{Text: "t", Vector: []float32{1}})
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			if !tt.transient {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
			}
		})
	}
}

func TestVectorIndex_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	idx := NewVectorIndex(DefaultConfig(srv.URL))
	srv.Close()

	_, err := idx.Index(context.Background(), domain.VectorDocument{Text: "t", Vector: []float32{1}})
	assert.True(t, domain.IsTransient(err), "expected transient error, got %v", err)
	assert.True(t, domain.IsTransient(idx.HealthCheck(context.Background())))
}

func TestVectorIndex_HealthCheck(t *testing.T) {
	fv, idx := newFakeVespa(t)
	assert.NoError(t, idx.HealthCheck(context.Background()))

	fv.status = http.StatusServiceUnavailable
	assert.True(t, domain.IsTransient(idx.HealthCheck(context.Background())))
}

func TestRefFromDocumentID(t *testing.T) {
	assert.Equal(t, "abc", refFromDocumentID("id:sercha:text_vector::abc"))
	assert.Equal(t, "plain", refFromDocumentID("plain"))
}
