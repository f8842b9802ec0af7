package domain

import (
	"encoding/json"
	"math"
	"strings"
)

// IngestRequest is the payload of a direct create call and of a queue message:
//
//	{"text": "...", "url": "...", "source_name": "...", "vector": [0.1, ...]}
type IngestRequest struct {
	Text       string    `json:"text"`
	URL        string    `json:"url"`
	SourceName string    `json:"source_name"`
	Vector     []float32 `json:"vector"`
}

// ParseIngestRequest decodes a message body. Malformed JSON is a validation failure.
func ParseIngestRequest(body []byte) (*IngestRequest, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, Invalid("malformed ingestion payload: %v", err)
	}
	return &req, nil
}

// Validate checks required fields and the embedding dimensionality.
func (r *IngestRequest) Validate(dims int) error {
	if strings.TrimSpace(r.Text) == "" {
		return Invalid("text is required")
	}
	if strings.TrimSpace(r.URL) == "" {
		return Invalid("url is required")
	}
	if strings.TrimSpace(r.SourceName) == "" {
		return Invalid("source_name is required")
	}
	return ValidateVector(r.Vector, dims)
}

// TextRecordPatch holds the optional fields of an update. A nil field is left untouched.
type TextRecordPatch struct {
	Text   *string   `json:"text,omitempty"`
	URL    *string   `json:"url,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
}

// IsEmpty reports whether the patch sets no field at all.
func (p *TextRecordPatch) IsEmpty() bool {
	return p.Text == nil && p.URL == nil && p.Vector == nil
}

// Validate checks the fields that are present.
func (p *TextRecordPatch) Validate(dims int) error {
	if p.IsEmpty() {
		return ErrNoChange
	}
	if p.Text != nil && strings.TrimSpace(*p.Text) == "" {
		return Invalid("text must not be empty")
	}
	if p.URL != nil && strings.TrimSpace(*p.URL) == "" {
		return Invalid("url must not be empty")
	}
	if p.Vector != nil {
		return ValidateVector(p.Vector, dims)
	}
	return nil
}

// ValidateVector checks that vector has exactly dims finite components.
func ValidateVector(vector []float32, dims int) error {
	if len(vector) != dims {
		return Invalid("vector has %d dimensions, expected %d", len(vector), dims)
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Invalid("vector[%d] is not a finite number", i)
		}
	}
	return nil
}
