package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

// Ensure IngestionCoordinator implements IngestionService
var _ driving.IngestionService = (*IngestionCoordinator)(nil)

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// IngestionCoordinator writes text records to the relational store and their
// vectors to the vector index.
//
// The relational transaction is the single point deciding commit or rollback.
// Writes always run in this order: relational insert, vector index write,
// final relational write and commit. A failing index write therefore costs a
// plain rollback, while a failing commit after a successful index write leaves
// an orphaned vector document which is journaled for the Reconciler.
type IngestionCoordinator struct {
	store    driven.IngestStore
	index    driven.VectorIndex
	orphans  driven.OrphanJournal
	registry *SourceRegistry
	dims     int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// IngestionConfig holds the coordinator's dependencies
type IngestionConfig struct {
	Store   driven.IngestStore
	Sources driven.SourceStore
	Index   driven.VectorIndex
	Orphans driven.OrphanJournal // Optional: orphaned vector refs are only logged without it
	Dims    int                  // Embedding dimensionality (default: 768)
	Metrics *metrics.Metrics     // Optional
	Logger  *slog.Logger
}

// NewIngestionCoordinator creates a new IngestionCoordinator
func NewIngestionCoordinator(cfg IngestionConfig) *IngestionCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dims := cfg.Dims
	if dims <= 0 {
		dims = 768
	}
	return &IngestionCoordinator{
		store:    cfg.Store,
		index:    cfg.Index,
		orphans:  cfg.Orphans,
		registry: NewSourceRegistry(cfg.Sources, logger),
		dims:     dims,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Create ingests one document.
func (c *IngestionCoordinator) Create(ctx context.Context, req domain.IngestRequest) (view *domain.TextRecordView, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opCreate, start, err) }()

	if err := req.Validate(c.dims); err != nil {
		c.metrics.StageFailed(opCreate, metrics.StageValidate)
		return nil, err
	}

	source, err := c.registry.GetOrCreate(ctx, req.SourceName, req.URL)
	if err != nil {
		c.metrics.StageFailed(opCreate, metrics.StageSource)
		return nil, fmt.Errorf("resolve source %q: %w", req.SourceName, err)
	}

	hash := domain.ContentHash(req.Text)

	existing, err := c.findDuplicate(ctx, req.URL, hash, source.ID)
	if err != nil {
		c.metrics.StageFailed(opCreate, metrics.StageRelational)
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	pu := &domain.ProcessedURL{
		ID:        domain.NewID(),
		URL:       req.URL,
		Hash:      hash,
		SourceID:  &source.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record := &domain.TextRecord{
		ID:             domain.NewID(),
		Text:           req.Text,
		ProcessedURLID: &pu.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var ref string
	stage := metrics.StageRelational
	err = c.store.InTx(ctx, func(tx driven.IngestTx) error {
		if err := tx.CreateProcessedURL(ctx, pu); err != nil {
			return fmt.Errorf("insert processed url: %w", err)
		}

		stage = metrics.StageVectorIndex
		indexed, err := c.index.Index(ctx, domain.VectorDocument{Text: req.Text, Vector: req.Vector})
		if err != nil {
			return fmt.Errorf("index vector document: %w", err)
		}
		ref = indexed
		record.VectorIndexRef = ref

		stage = metrics.StageCommit
		if err := tx.CreateTextRecord(ctx, record); err != nil {
			return fmt.Errorf("insert text record: %w", err)
		}
		return nil
	})
	if err != nil {
		c.metrics.StageFailed(opCreate, stage)
		if ref != "" {
			c.journalOrphan(ctx, ref, err)
		}
		return nil, err
	}

	c.logger.Debug("text record created",
		"text_record_id", record.ID,
		"vector_ref", ref,
		"source_id", source.ID,
	)

	return &domain.TextRecordView{
		ID:             record.ID,
		URL:            pu.URL,
		Text:           record.Text,
		Vector:         req.Vector,
		VectorIndexRef: ref,
		ProcessedURLID: pu.ID,
		SourceName:     source.Name,
	}, nil
}

// findDuplicate returns the record already holding this content for url under
// the same source, making redelivered messages a no-op.
func (c *IngestionCoordinator) findDuplicate(ctx context.Context, url, hash, sourceID string) (*domain.TextRecordView, error) {
	row, err := c.store.FindByContent(ctx, url, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up processed url: %w", err)
	}
	if row.SourceID != sourceID {
		return nil, nil
	}

	doc, err := c.index.Get(ctx, row.Record.VectorIndexRef)
	if errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("duplicate content has no vector document, ingesting again",
			"text_record_id", row.Record.ID,
			"vector_ref", row.Record.VectorIndexRef,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vector document: %w", err)
	}

	c.logger.Debug("content already ingested", "text_record_id", row.Record.ID, "url", url)
	return domain.ViewFromRow(row, doc.Vector), nil
}

// Update applies patch to the record id. Every present field is applied in
// order: text rehash, processed url, vector document, text record.
func (c *IngestionCoordinator) Update(ctx context.Context, id string, patch domain.TextRecordPatch) (view *domain.TextRecordView, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opUpdate, start, err) }()

	if err := patch.Validate(c.dims); err != nil {
		c.metrics.StageFailed(opUpdate, metrics.StageValidate)
		return nil, err
	}

	var (
		row          *domain.TextRecordRow
		vector       []float32
		indexMutated bool
	)
	stage := metrics.StageRelational

	err = c.store.InTx(ctx, func(tx driven.IngestTx) error {
		record, err := tx.GetTextRecord(ctx, id)
		if err != nil {
			return fmt.Errorf("text record %s: %w", id, err)
		}
		if record.ProcessedURLID == nil {
			return fmt.Errorf("text record %s has no processed url: %w", id, domain.ErrNotFound)
		}
		pu, err := tx.GetProcessedURL(ctx, *record.ProcessedURLID)
		if err != nil {
			return fmt.Errorf("processed url %s: %w", *record.ProcessedURLID, err)
		}
		if pu.SourceID == nil {
			return fmt.Errorf("processed url %s has no source: %w", pu.ID, domain.ErrNotFound)
		}
		source, err := tx.GetSource(ctx, *pu.SourceID)
		if err != nil {
			return fmt.Errorf("source %s: %w", *pu.SourceID, err)
		}

		textChanged := patch.Text != nil && *patch.Text != record.Text
		urlChanged := patch.URL != nil && *patch.URL != pu.URL
		vectorChanged := false
		if patch.Vector != nil {
			stage = metrics.StageVectorIndex
			current, err := c.index.Get(ctx, record.VectorIndexRef)
			if err != nil {
				return fmt.Errorf("load vector document %s: %w", record.VectorIndexRef, err)
			}
			vectorChanged = !slices.Equal(current.Vector, patch.Vector)
			stage = metrics.StageRelational
		}
		if !textChanged && !urlChanged && !vectorChanged {
			return domain.ErrNoChange
		}

		now := time.Now().UTC()

		hash := pu.Hash
		if textChanged {
			hash = domain.ContentHash(*patch.Text)
		}
		if urlChanged || hash != pu.Hash {
			if urlChanged {
				pu.URL = *patch.URL
			}
			pu.Hash = hash
			pu.UpdatedAt = now
			if err := tx.UpdateProcessedURL(ctx, pu); err != nil {
				return fmt.Errorf("update processed url: %w", err)
			}
		}

		var vp domain.VectorPatch
		if textChanged {
			vp.Text = patch.Text
		}
		if vectorChanged {
			vp.Vector = patch.Vector
		}
		if vp.Text != nil || vp.Vector != nil {
			stage = metrics.StageVectorIndex
			if err := c.index.Update(ctx, record.VectorIndexRef, vp); err != nil {
				return fmt.Errorf("update vector document %s: %w", record.VectorIndexRef, err)
			}
			indexMutated = true
		}

		stage = metrics.StageVectorIndex
		doc, err := c.index.Get(ctx, record.VectorIndexRef)
		if err != nil {
			return fmt.Errorf("load vector document %s: %w", record.VectorIndexRef, err)
		}
		vector = doc.Vector

		stage = metrics.StageCommit
		if textChanged {
			record.Text = *patch.Text
		}
		record.UpdatedAt = now
		if err := tx.UpdateTextRecord(ctx, record); err != nil {
			return fmt.Errorf("update text record: %w", err)
		}

		row = &domain.TextRecordRow{
			Record:     *record,
			URL:        pu.URL,
			Hash:       pu.Hash,
			SourceID:   source.ID,
			SourceName: source.Name,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNoChange) {
			c.metrics.StageFailed(opUpdate, stage)
		}
		if indexMutated {
			c.logger.Error("vector document updated but relational update failed",
				"text_record_id", id,
				"error", err,
			)
		}
		return nil, err
	}

	return domain.ViewFromRow(row, vector), nil
}

// Get returns the record id with the vector currently held by the index.
func (c *IngestionCoordinator) Get(ctx context.Context, id string) (*domain.TextRecordView, error) {
	row, err := c.store.GetTextRecordRow(ctx, id)
	if err != nil {
		return nil, err
	}

	doc, err := c.index.Get(ctx, row.Record.VectorIndexRef)
	if errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("text record without vector document",
			"text_record_id", id,
			"vector_ref", row.Record.VectorIndexRef,
		)
		return domain.ViewFromRow(row, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vector document: %w", err)
	}
	return domain.ViewFromRow(row, doc.Vector), nil
}

// Delete removes the record and its vector document. The row delete is rolled
// back when the vector document cannot be removed.
func (c *IngestionCoordinator) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOperation(opDelete, start, err) }()

	stage := metrics.StageRelational
	err = c.store.InTx(ctx, func(tx driven.IngestTx) error {
		record, err := tx.GetTextRecord(ctx, id)
		if err != nil {
			return fmt.Errorf("text record %s: %w", id, err)
		}
		if err := tx.DeleteTextRecord(ctx, id); err != nil {
			return fmt.Errorf("delete text record: %w", err)
		}
		stage = metrics.StageVectorDelete
		if err := c.index.Delete(ctx, record.VectorIndexRef); err != nil {
			return fmt.Errorf("delete vector document %s: %w", record.VectorIndexRef, err)
		}
		stage = metrics.StageCommit
		return nil
	})
	if err != nil {
		c.metrics.StageFailed(opDelete, stage)
		return err
	}

	c.logger.Debug("text record deleted", "text_record_id", id)
	return nil
}

// GetByVectorRefs maps vector document references to their records
func (c *IngestionCoordinator) GetByVectorRefs(ctx context.Context, refs []string) ([]*domain.TextRecordView, error) {
	if len(refs) == 0 {
		return []*domain.TextRecordView{}, nil
	}
	rows, err := c.store.ListByVectorRefs(ctx, refs)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.TextRecordView, 0, len(rows))
	for _, row := range rows {
		views = append(views, domain.ViewFromRow(row, nil))
	}
	return views, nil
}

// CheckURL looks up the latest processed url recorded for url
func (c *IngestionCoordinator) CheckURL(ctx context.Context, url string) (*domain.ProcessedURLView, error) {
	if strings.TrimSpace(url) == "" {
		return nil, domain.Invalid("url must not be empty")
	}
	return c.store.GetProcessedURLByURL(ctx, url)
}

// SearchNeighbors queries the index and links every hit to its text record
func (c *IngestionCoordinator) SearchNeighbors(ctx context.Context, vector []float32, k int) ([]*domain.VectorHit, error) {
	if err := domain.ValidateVector(vector, c.dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	hits, err := c.index.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return hits, nil
	}

	refs := make([]string, 0, len(hits))
	for _, hit := range hits {
		refs = append(refs, hit.Ref)
	}
	rows, err := c.store.ListByVectorRefs(ctx, refs)
	if err != nil {
		return nil, err
	}
	byRef := make(map[string]string, len(rows))
	for _, row := range rows {
		byRef[row.Record.VectorIndexRef] = row.Record.ID
	}
	for _, hit := range hits {
		hit.TextRecordID = byRef[hit.Ref]
	}
	return hits, nil
}

func (c *IngestionCoordinator) journalOrphan(ctx context.Context, ref string, cause error) {
	c.metrics.VectorOrphaned()
	c.logger.Error("vector document orphaned by failed relational commit",
		"vector_ref", ref,
		"error", cause,
	)
	if c.orphans == nil {
		return
	}
	// The caller's context may already be the reason the commit failed.
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.orphans.Record(journalCtx, ref); err != nil {
		c.logger.Error("failed to journal orphaned vector document", "vector_ref", ref, "error", err)
	}
}
