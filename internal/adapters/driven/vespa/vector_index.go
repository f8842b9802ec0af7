package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// VectorIndex implements driven.VectorIndex on the Vespa document and query APIs
type VectorIndex struct {
	baseURL    string
	namespace  string
	docType    string
	httpClient *http.Client
}

// Config holds Vespa connection configuration
type Config struct {
	// BaseURL is the Vespa container endpoint (e.g., http://localhost:8080)
	BaseURL string

	// Namespace and DocType address documents as id:{Namespace}:{DocType}::{ref}
	Namespace string
	DocType   string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Namespace: "sercha",
		DocType:   "text_vector",
		Timeout:   30 * time.Second,
	}
}

// NewVectorIndex creates a new Vespa-backed VectorIndex
func NewVectorIndex(cfg Config) *VectorIndex {
	if cfg.Namespace == "" {
		cfg.Namespace = "sercha"
	}
	if cfg.DocType == "" {
		cfg.DocType = "text_vector"
	}
	return &VectorIndex{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		namespace: cfg.Namespace,
		docType:   cfg.DocType,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// tensorValues is the short dense tensor form: {"values": [...]}.
// Vespa may also render it as a bare array, which UnmarshalJSON accepts.
type tensorValues struct {
	Values []float32 `json:"values"`
}

func (t *tensorValues) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &t.Values)
	}
	type plain tensorValues
	return json.Unmarshal(b, (*plain)(t))
}

type vespaFields struct {
	Text   string        `json:"text"`
	Vector *tensorValues `json:"vector,omitempty"`
}

type vespaDocument struct {
	ID     string      `json:"id,omitempty"`
	Fields vespaFields `json:"fields"`
}

type assignOp struct {
	Assign any `json:"assign"`
}

func (v *VectorIndex) docURL(ref string) string {
	return fmt.Sprintf("%s/document/v1/%s/%s/docid/%s",
		v.baseURL, v.namespace, v.docType, url.PathEscape(ref))
}

// Index writes a new document under a freshly generated reference
func (v *VectorIndex) Index(ctx context.Context, doc domain.VectorDocument) (string, error) {
	ref := domain.NewID()

	body, err := json.Marshal(vespaDocument{
		Fields: vespaFields{
			Text:   doc.Text,
			Vector: &tensorValues{Values: doc.Vector},
		},
	})
	if err != nil {
		return "", err
	}

	resp, err := v.do(ctx, http.MethodPost, v.docURL(ref), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", statusError("feed", resp)
	}
	return ref, nil
}

// Get retrieves a document by reference
func (v *VectorIndex) Get(ctx context.Context, ref string) (*domain.VectorDocument, error) {
	u := v.docURL(ref) + "?format.tensors=short-value"

	resp, err := v.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError("get", resp)
	}

	var doc vespaDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, domain.Unavailable("vespa", fmt.Errorf("decode document %s: %w", ref, err))
	}

	out := &domain.VectorDocument{Text: doc.Fields.Text}
	if doc.Fields.Vector != nil {
		out.Vector = doc.Fields.Vector.Values
	}
	return out, nil
}

// Update assigns the set fields of patch. Without create=true Vespa answers
// 404 for a missing document, so the update never creates one.
func (v *VectorIndex) Update(ctx context.Context, ref string, patch domain.VectorPatch) error {
	fields := make(map[string]assignOp, 2)
	if patch.Text != nil {
		fields["text"] = assignOp{Assign: *patch.Text}
	}
	if patch.Vector != nil {
		fields["vector"] = assignOp{Assign: tensorValues{Values: patch.Vector}}
	}
	if len(fields) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return err
	}

	resp, err := v.do(ctx, http.MethodPut, v.docURL(ref), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError("update", resp)
	}

	// Older Vespa versions report a missing document on update as 200 with
	// a "not found" message.
	var result struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil &&
		strings.Contains(strings.ToLower(result.Message), "not found") {
		return fmt.Errorf("vector document %s: %w", ref, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a document by reference
func (v *VectorIndex) Delete(ctx context.Context, ref string) error {
	resp, err := v.do(ctx, http.MethodDelete, v.docURL(ref), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404 is OK - document already deleted
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return statusError("delete", resp)
	}
	return nil
}

// vespaSearchResponse represents Vespa's search response format
type vespaSearchResponse struct {
	Root struct {
		Children []struct {
			Relevance float64 `json:"relevance"`
			Fields    struct {
				DocumentID string        `json:"documentid"`
				Text       string        `json:"text"`
				Vector     *tensorValues `json:"vector"`
			} `json:"fields"`
		} `json:"children"`
	} `json:"root"`
}

// Search returns the k nearest neighbours of vector by the closeness rank profile
func (v *VectorIndex) Search(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
	if k <= 0 {
		return nil, domain.Invalid("k must be positive")
	}

	searchReq := map[string]any{
		"yql": fmt.Sprintf("select * from %s where {targetHits:%d}nearestNeighbor(vector, q)",
			v.docType, k),
		"hits":                        k,
		"input.query(q)":              vector,
		"ranking.profile":             "closeness",
		"presentation.format.tensors": "short-value",
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, err
	}

	resp, err := v.do(ctx, http.MethodPost, v.baseURL+"/search/", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError("search", resp)
	}

	var searchResp vespaSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, domain.Unavailable("vespa", fmt.Errorf("decode search response: %w", err))
	}

	hits := make([]*domain.VectorHit, 0, len(searchResp.Root.Children))
	for _, child := range searchResp.Root.Children {
		hit := &domain.VectorHit{
			Ref:   refFromDocumentID(child.Fields.DocumentID),
			Score: child.Relevance,
			Text:  child.Fields.Text,
		}
		if child.Fields.Vector != nil {
			hit.Vector = child.Fields.Vector.Values
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// HealthCheck verifies the container is up
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	resp, err := v.do(ctx, http.MethodGet, v.baseURL+"/state/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Unavailable("vespa", fmt.Errorf("vespa unhealthy: %s", resp.Status))
	}
	return nil
}

func (v *VectorIndex) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, domain.Unavailable("vespa", err)
	}
	return resp, nil
}

// statusError classifies a failed Vespa response. 404 is NotFound, other
// 4xx except 429 mean the request itself is unacceptable, everything else is
// an availability problem.
func statusError(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("vespa %s failed: %s - %s", op, resp.Status, string(respBody))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.Unavailable("vespa", err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
}

// refFromDocumentID extracts the user-specified part of id:ns:type::ref
func refFromDocumentID(id string) string {
	if i := strings.LastIndex(id, "::"); i >= 0 {
		return id[i+2:]
	}
	return id
}
