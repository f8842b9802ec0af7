package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-ingest/internal/retry"
)

// Ensure HealthGuard implements HealthService
var _ driving.HealthService = (*HealthGuard)(nil)

// Probe is a liveness check of one dependency
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthGuard blocks startup until every dependency answers its probe and
// afterwards serves the same probes for readiness checks.
type HealthGuard struct {
	probes      []Probe
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger
}

// HealthGuardConfig holds configuration for the health guard.
type HealthGuardConfig struct {
	Probes      []Probe
	MaxAttempts int           // Attempts per probe before startup fails (default: 20)
	Delay       time.Duration // Fixed wait between attempts (default: 3s)
	Logger      *slog.Logger
}

// NewHealthGuard creates a new HealthGuard
func NewHealthGuard(cfg HealthGuardConfig) *HealthGuard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	delay := cfg.Delay
	if delay == 0 {
		delay = 3 * time.Second
	}
	return &HealthGuard{
		probes:      cfg.Probes,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger,
	}
}

// WaitReady probes every dependency in turn. Only service-unavailable errors
// are retried; any other error fails at once. Exhausting the attempts yields
// an error wrapping domain.ErrStartupUnavailable.
func (g *HealthGuard) WaitReady(ctx context.Context) error {
	for _, probe := range g.probes {
		policy := retry.Policy{
			MaxAttempts: g.maxAttempts,
			Delay:       retry.Fixed(g.delay),
			Retryable:   domain.IsTransient,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				g.logger.Warn("dependency not ready",
					"dependency", probe.Name,
					"attempt", attempt,
					"max_attempts", g.maxAttempts,
					"retry_in", wait,
					"error", err,
				)
			},
		}

		if err := retry.Do(ctx, policy, probe.Check); err != nil {
			if domain.IsTransient(err) {
				return fmt.Errorf("%w: %s: %w", domain.ErrStartupUnavailable, probe.Name, err)
			}
			return fmt.Errorf("%s: %w", probe.Name, err)
		}
		g.logger.Info("dependency ready", "dependency", probe.Name)
	}
	return nil
}

// Check runs every probe once
func (g *HealthGuard) Check(ctx context.Context) map[string]error {
	results := make(map[string]error, len(g.probes))
	for _, probe := range g.probes {
		results[probe.Name] = probe.Check(ctx)
	}
	return results
}
