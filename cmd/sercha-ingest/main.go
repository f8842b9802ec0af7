package main

// @title           Sercha Ingest API
// @version         1.0
// @description     Text and vector ingestion into PostgreSQL and Vespa, fed over HTTP or a message queue.

// @contact.name   Sercha OSS
// @contact.url    https://github.com/custodia-labs/sercha-ingest/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8000
// @BasePath  /api/v1
// @schemes   http https

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/sercha-ingest/internal/adapters/driven/postgres"
	natsqueue "github.com/custodia-labs/sercha-ingest/internal/adapters/driven/queue/nats"
	redisqueue "github.com/custodia-labs/sercha-ingest/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/sercha-ingest/internal/adapters/driven/redis"
	"github.com/custodia-labs/sercha-ingest/internal/adapters/driven/vespa"
	"github.com/custodia-labs/sercha-ingest/internal/adapters/driving/http"
	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/core/services"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
	"github.com/custodia-labs/sercha-ingest/internal/worker"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, domain.ErrStartupUnavailable) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sercha-ingest",
		Short:         "Text and vector ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `sercha-ingest stores text with its embedding in PostgreSQL and Vespa.

Records arrive over the HTTP API or from a work queue (Redis Streams or
NATS JetStream). Without a subcommand the mode comes from RUN_MODE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), loadConfig())
		},
	}

	for _, m := range []struct{ mode, short string }{
		{"api", "Serve the HTTP API only"},
		{"worker", "Consume ingestion queues and reconcile orphans only"},
		{"all", "Serve the HTTP API and consume queues"},
	} {
		mode := m.mode
		cmd.AddCommand(&cobra.Command{
			Use:   mode,
			Short: m.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := loadConfig()
				cfg.Mode = mode
				return runMode(cmd.Context(), cfg)
			},
		})
	}

	cmd.AddCommand(publishCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sercha-ingest %s\n", version)
		},
	})

	return cmd
}

// app holds the process-wide clients and services, built once at startup
type app struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	db       *postgres.DB
	redis    *redis.Client
	index    *vespa.VectorIndex
	broker   driven.MessageBroker
	lock     driven.DistributedLock
	journal  driven.OrphanJournal
	health   *services.HealthGuard
	ingest   *services.IngestionCoordinator
	ingestSt *postgres.IngestStore
	sources  *postgres.SourceStore
}

func runMode(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	logger := cfg.newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sercha-ingest starting", "version", version, "mode", cfg.Mode, "broker", cfg.Broker)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Mode == "api" || cfg.Mode == "all" {
		g.Go(func() error { return a.serveAPI(gctx) })
	}
	if cfg.Mode == "worker" || cfg.Mode == "all" {
		g.Go(func() error { return a.runWorker(gctx) })
	}
	if cfg.Mode == "worker" {
		g.Go(func() error { return a.serveOps(gctx) })
	}
	err = g.Wait()
	logger.Info("sercha-ingest stopped")
	return err
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	// ===== PostgreSQL (reachability is checked by the health guard) =====
	db, err := postgres.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.sources = postgres.NewSourceStore(db)
	a.ingestSt = postgres.NewIngestStore(db)

	// ===== Vespa =====
	a.index = vespa.NewVectorIndex(vespa.Config{
		BaseURL:   cfg.VespaURL,
		Namespace: cfg.VespaNamespace,
		DocType:   cfg.VespaDocType,
		Timeout:   30 * time.Second,
	})

	// ===== Redis (optional) =====
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	// ===== Distributed lock and orphan journal (Redis if available, otherwise PostgreSQL) =====
	if a.redis != nil {
		a.lock = redisadapter.NewLock(a.redis)
		a.journal = redisadapter.NewOrphanJournal(a.redis)
		logger.Info("using redis lock and orphan journal")
	} else {
		a.lock = postgres.NewAdvisoryLock(db)
		a.journal = postgres.NewOrphanJournal(db)
		logger.Info("using postgres advisory lock and orphan journal")
	}

	// ===== Message broker (worker modes only) =====
	if cfg.Mode != "api" {
		broker, err := newBroker(cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.broker = broker
	}

	a.ingest = services.NewIngestionCoordinator(services.IngestionConfig{
		Store:   a.ingestSt,
		Sources: a.sources,
		Index:   a.index,
		Orphans: a.journal,
		Dims:    cfg.EmbeddingDims,
		Metrics: a.metrics,
		Logger:  logger,
	})

	a.health = services.NewHealthGuard(services.HealthGuardConfig{
		Probes:      a.probes(),
		MaxAttempts: cfg.HealthAttempts,
		Delay:       cfg.HealthDelay,
		Logger:      logger,
	})

	return a, nil
}

func newBroker(cfg Config) (driven.MessageBroker, error) {
	switch cfg.Broker {
	case brokerNATS:
		return natsqueue.NewBroker(natsqueue.DefaultConfig(cfg.NATSURL)), nil
	default:
		broker, err := redisqueue.NewBroker(redisqueue.DefaultConfig(cfg.RedisURL))
		if err != nil {
			return nil, err
		}
		return broker, nil
	}
}

// probes lists the dependencies gating startup and readiness
func (a *app) probes() []services.Probe {
	probes := []services.Probe{
		{Name: "postgres", Check: a.db.Ping},
		{Name: "vespa", Check: a.index.HealthCheck},
	}
	if a.redis != nil {
		probes = append(probes, services.Probe{Name: "redis", Check: a.lock.Ping})
	}
	if a.broker != nil {
		broker := a.broker
		probes = append(probes, services.Probe{Name: "broker", Check: func(ctx context.Context) error {
			if err := broker.Connect(ctx); err != nil {
				return err
			}
			return broker.Ping(ctx)
		}})
	}
	return probes
}

// startup blocks until every dependency answers, then prepares the vector
// schema and the relational schema. Nothing is served before it returns.
func (a *app) startup(ctx context.Context) error {
	if err := a.health.WaitReady(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	if a.cfg.VespaConfigURL != "" {
		deployer, err := vespa.NewDeployer(a.cfg.VespaConfigURL, a.cfg.VespaDocType)
		if err != nil {
			return fmt.Errorf("vespa config url: %w", err)
		}
		deployed, err := deployer.EnsureSchema(ctx, a.cfg.EmbeddingDims)
		if err != nil {
			return fmt.Errorf("vespa schema: %w", err)
		}
		a.logger.Info("vespa schema ready",
			"doctype", a.cfg.VespaDocType,
			"dims", a.cfg.EmbeddingDims,
			"deployed", deployed,
		)
	}

	if err := a.db.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	a.logger.Info("postgres schema initialized")
	return nil
}

func (a *app) serveAPI(ctx context.Context) error {
	cfg := http.DefaultConfig()
	cfg.Port = a.cfg.Port
	cfg.Version = version
	cfg.CORSOrigins = a.cfg.CORSOrigins

	server := http.NewServer(cfg, http.Services{
		Ingestion: a.ingest,
		Sources:   services.NewSourceService(a.sources),
		Health:    a.health,
	}, a.metrics, a.logger)

	return server.Start(ctx)
}

// serveOps exposes health, readiness and metrics of a worker without the API routes
func (a *app) serveOps(ctx context.Context) error {
	cfg := http.DefaultConfig()
	cfg.Port = a.cfg.Port
	cfg.Version = version

	return http.NewServer(cfg, http.Services{Health: a.health}, a.metrics, a.logger).Start(ctx)
}

// runWorker consumes every configured queue and sweeps orphaned vectors
// until ctx is cancelled or the consumer gives up reconnecting.
func (a *app) runWorker(ctx context.Context) error {
	consumer := worker.NewConsumer(worker.ConsumerConfig{
		Broker:            a.broker,
		Metrics:           a.metrics,
		Logger:            a.logger,
		Prefetch:          a.cfg.Prefetch,
		ReconnectAttempts: a.cfg.BrokerAttempts,
		ReconnectMaxDelay: a.cfg.BrokerMaxDelay,
	})
	handler := worker.NewIngestHandler(a.ingest, a.metrics, a.logger)
	for _, queue := range a.cfg.Queues {
		consumer.Register(queue, handler.Handle)
	}

	if a.cfg.ReconcileOn {
		reconciler := services.NewReconciler(services.ReconcilerConfig{
			Journal:   a.journal,
			Store:     a.ingestSt,
			Index:     a.index,
			Lock:      a.lock,
			Metrics:   a.metrics,
			Logger:    a.logger,
			Interval:  a.cfg.ReconcileEvery,
			BatchSize: a.cfg.ReconcileBatch,
		})
		if err := reconciler.Start(ctx); err != nil {
			return err
		}
		defer reconciler.Stop()
	}

	if err := consumer.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		consumer.Stop()
		return nil
	case <-consumer.Done():
		consumer.Stop()
		if err := consumer.Err(); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	}
}

func (a *app) close() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func publishCmd() *cobra.Command {
	var (
		queue string
		file  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish ingestion messages to a queue",
		Long: `Publish reads one JSON ingestion message, or a JSON array of them, and
appends each to the queue through the configured broker. Messages are
validated against EMBEDDING_DIMS before anything is sent.`,
		Example: `  sercha-ingest publish --queue messages --file req.json
  cat req.json | sercha-ingest publish --count 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			slog.SetDefault(cfg.newLogger())
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			bodies, err := readMessages(r, cfg.EmbeddingDims)
			if err != nil {
				return err
			}

			broker, err := newBroker(cfg)
			if err != nil {
				return err
			}
			defer broker.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := broker.Connect(ctx); err != nil {
				return err
			}
			if err := broker.DeclareQueue(ctx, queue); err != nil {
				return err
			}

			sent := 0
			for i := 0; i < count; i++ {
				for _, body := range bodies {
					if err := broker.Publish(ctx, queue, body); err != nil {
						return fmt.Errorf("published %d messages: %w", sent, err)
					}
					sent++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d messages to %s\n", sent, queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "messages", "Queue to publish to")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with one message or an array (- for stdin)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Times to publish each message")

	return cmd
}

// readMessages decodes a single message or an array and re-encodes each
// validated message as its own body.
func readMessages(r io.Reader, dims int) ([][]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = []json.RawMessage{data}
	}
	if len(raw) == 0 {
		return nil, domain.Invalid("no messages to publish")
	}

	bodies := make([][]byte, 0, len(raw))
	for i, msg := range raw {
		req, err := domain.ParseIngestRequest(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if err := req.Validate(dims); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}
