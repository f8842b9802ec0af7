package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.OrphanJournal = (*OrphanJournal)(nil)

const orphanKey = "sercha-ingest:orphaned-vectors"

// OrphanJournal implements driven.OrphanJournal as a sorted set scored by
// the time a ref was first recorded.
type OrphanJournal struct {
	client *redis.Client
	now    func() time.Time
}

// NewOrphanJournal creates a Redis-backed orphan journal
func NewOrphanJournal(client *redis.Client) *OrphanJournal {
	return &OrphanJournal{client: client, now: time.Now}
}

// Record journals ref. Re-recording keeps the original timestamp.
func (j *OrphanJournal) Record(ctx context.Context, ref string) error {
	err := j.client.ZAddNX(ctx, orphanKey, redis.Z{
		Score:  float64(j.now().UnixMilli()),
		Member: ref,
	}).Err()
	return mapError("record orphan "+ref, err)
}

// List returns up to limit refs, oldest first
func (j *OrphanJournal) List(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	refs, err := j.client.ZRange(ctx, orphanKey, 0, stop).Result()
	if err != nil {
		return nil, mapError("list orphans", err)
	}
	return refs, nil
}

// Remove drops ref from the journal
func (j *OrphanJournal) Remove(ctx context.Context, ref string) error {
	return mapError("remove orphan "+ref, j.client.ZRem(ctx, orphanKey, ref).Err())
}
