package redis

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

// mapError classifies a go-redis error. redis.Nil is NotFound; everything
// else means Redis could not serve the command.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return domain.Unavailable("redis", fmt.Errorf("%s: %w", op, err))
}
