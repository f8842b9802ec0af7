package domain

import "time"

// Source is a named provenance origin of ingested documents (a site, a feed, a crawler).
// Names are unique.
type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"` // Base address of the source
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSource creates a source with a fresh ID and timestamps
func NewSource(name, url string) *Source {
	now := time.Now().UTC()
	return &Source{
		ID:        NewID(),
		Name:      name,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
