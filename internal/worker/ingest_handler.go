package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

// IngestHandler turns queue messages into ingestion requests.
//
//   - malformed or invalid payloads are rejected without requeue
//   - transient infrastructure failures are requeued for a later attempt
//   - success acknowledges the message
type IngestHandler struct {
	ingestion driving.IngestionService
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(ingestion driving.IngestionService, m *metrics.Metrics, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{ingestion: ingestion, metrics: m, logger: logger}
}

// Handle processes one delivery; it matches HandlerFunc.
func (h *IngestHandler) Handle(ctx context.Context, d driven.Delivery) {
	logger := h.logger.With("queue", d.Queue(), "attempt", d.Attempt())

	req, err := domain.ParseIngestRequest(d.Body())
	if err != nil {
		logger.Warn("rejecting malformed message", "error", err)
		h.settle(ctx, d, metrics.OutcomeReject, logger)
		return
	}

	startTime := time.Now()
	view, err := h.ingestion.Create(ctx, *req)
	duration := time.Since(startTime)

	switch {
	case err == nil:
		logger.Info("message ingested",
			"text_record_id", view.ID,
			"vector_ref", view.VectorIndexRef,
			"duration", duration,
		)
		h.settle(ctx, d, metrics.OutcomeAck, logger)
	case domain.IsPermanent(err):
		logger.Warn("rejecting message", "url", req.URL, "error", err)
		h.settle(ctx, d, metrics.OutcomeReject, logger)
	default:
		logger.Error("ingestion failed, requeueing message",
			"url", req.URL,
			"duration", duration,
			"error", err,
		)
		h.settle(ctx, d, metrics.OutcomeRequeue, logger)
	}
}

func (h *IngestHandler) settle(ctx context.Context, d driven.Delivery, outcome string, logger *slog.Logger) {
	var err error
	switch outcome {
	case metrics.OutcomeAck:
		err = d.Ack(ctx)
	case metrics.OutcomeReject:
		err = d.Reject(ctx, false)
	default:
		err = d.Reject(ctx, true)
	}
	if err != nil {
		logger.Error("failed to settle message", "outcome", outcome, "error", err)
		return
	}
	h.metrics.MessageSettled(d.Queue(), outcome)
}
