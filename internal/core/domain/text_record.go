package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random identifier for relational rows and vector documents.
func NewID() string {
	return uuid.NewString()
}

// ProcessedURL records one ingested document's origin URL and content fingerprint.
type ProcessedURL struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Hash      string    `json:"hash"`
	SourceID  *string   `json:"source_id,omitempty"` // nil once the owning source is deleted
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessedURLView answers whether a url was already ingested and with which content
type ProcessedURLView struct {
	URL        string    `json:"url"`
	Hash       string    `json:"hash"`
	SourceName string    `json:"source_name"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TextRecord links stored text to its vector document in the external index.
type TextRecord struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	VectorIndexRef string    `json:"vector_index_ref"`
	ProcessedURLID *string   `json:"processed_url_id,omitempty"` // nil once the processed url is deleted
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TextRecordRow is a text record joined with its processed url and source.
// URL, SourceID and SourceName are empty when the link was nulled.
type TextRecordRow struct {
	Record     TextRecord `json:"record"`
	URL        string     `json:"url"`
	Hash       string     `json:"hash"`
	SourceID   string     `json:"source_id"`
	SourceName string     `json:"source_name"`
}

// TextRecordView is the assembled read model of an ingested record.
type TextRecordView struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Text           string    `json:"text"`
	Vector         []float32 `json:"vector,omitempty"`
	VectorIndexRef string    `json:"vector_index_ref"`
	ProcessedURLID string    `json:"processed_url_id"`
	SourceName     string    `json:"source_name,omitempty"`
}

// ViewFromRow builds the read model from a joined row and the vector held in the index.
func ViewFromRow(row *TextRecordRow, vector []float32) *TextRecordView {
	view := &TextRecordView{
		ID:             row.Record.ID,
		URL:            row.URL,
		Text:           row.Record.Text,
		Vector:         vector,
		VectorIndexRef: row.Record.VectorIndexRef,
		SourceName:     row.SourceName,
	}
	if row.Record.ProcessedURLID != nil {
		view.ProcessedURLID = *row.Record.ProcessedURLID
	}
	return view
}
