package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the SHA-256 hex digest of text.
// Identical text always yields the identical hash.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// VectorDocument is the document stored in the vector index
type VectorDocument struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// VectorPatch is a partial update merged into an existing vector document
type VectorPatch struct {
	Text   *string
	Vector []float32
}

// VectorHit is a nearest-neighbour search result from the index
type VectorHit struct {
	Ref    string    `json:"vector_index_ref"`
	Score  float64   `json:"score"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`

	// TextRecordID is set when a text record references the hit
	TextRecordID string `json:"text_record_id,omitempty"`
}
