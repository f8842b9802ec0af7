package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
	"github.com/custodia-labs/sercha-ingest/internal/retry"
)

// State is the position of the consumer in its connection lifecycle
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// HandlerFunc processes one delivery and must settle it
type HandlerFunc func(ctx context.Context, d driven.Delivery)

// Consumer reads every registered queue from the broker and dispatches
// deliveries to their handlers.
//
// Each queue runs its own consumption loop. All loops share one semaphore of
// size prefetch, bounding the messages in flight across the connection. A lost
// connection is re-established with exponential backoff. Consumption that keeps
// failing right after connecting counts against the same attempt budget; when
// it is exhausted the consumer stops and Err reports why.
type Consumer struct {
	broker   driven.MessageBroker
	handlers map[string]HandlerFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Configuration
	prefetch          int
	reconnectAttempts int
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	state     atomic.Int32
	delivered atomic.Int64
	slots     *semaphore.Weighted
	inflight  sync.WaitGroup

	// Internal state
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	err     error
}

// ConsumerConfig holds configuration for the consumer.
type ConsumerConfig struct {
	Broker            driven.MessageBroker
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	Prefetch          int           // Messages in flight across all queues (default: 10)
	ReconnectAttempts int           // Connection attempts before giving up (default: 5)
	ReconnectDelay    time.Duration // First reconnect delay (default: 1s)
	ReconnectMaxDelay time.Duration // Reconnect delay cap (default: 10s)
}

// NewConsumer creates a new consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	c := &Consumer{
		broker:            cfg.Broker,
		handlers:          make(map[string]HandlerFunc),
		metrics:           cfg.Metrics,
		logger:            logger,
		prefetch:          prefetch,
		reconnectAttempts: attempts,
		reconnectDelay:    delay,
		reconnectMaxDelay: maxDelay,
		slots:             semaphore.NewWeighted(int64(prefetch)),
	}
	c.setState(StateDisconnected)
	return c
}

// Register binds a handler to a queue. Must be called before Start.
func (c *Consumer) Register(queue string, handler HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[queue] = handler
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Start connects and begins consuming in the background.
// It runs until Stop is called, ctx is cancelled or reconnecting fails.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if len(c.handlers) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no queue handlers registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	c.err = nil
	c.mu.Unlock()

	c.logger.Info("consumer starting",
		"queues", c.queues(),
		"prefetch", c.prefetch,
	)

	go c.run(runCtx)

	return nil
}

// Stop stops consuming and waits for in-flight messages to be settled.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	doneCh := c.doneCh
	c.mu.Unlock()

	<-doneCh

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.logger.Info("consumer stopped")
}

// Done is closed once the consumer has stopped on its own or through Stop
func (c *Consumer) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doneCh
}

// Err returns the error that stopped the consumer, if any
func (c *Consumer) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.inflight.Wait()
	defer c.setState(StateDisconnected)

	// Sessions that fail before delivering anything share one backoff schedule
	// and one attempt budget with each other.
	wait := retry.Exponential(c.reconnectDelay, c.reconnectMaxDelay)()
	failures := 0

	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("broker unreachable, consumer giving up",
				"attempts", c.reconnectAttempts,
				"error", err,
			)
			c.fail(err)
			return
		}

		started := time.Now()
		before := c.delivered.Load()
		err := c.consume(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = domain.Unavailable("broker", errors.New("consumption ended unexpectedly"))
		}

		if c.delivered.Load() > before || time.Since(started) >= c.reconnectMaxDelay {
			failures = 0
			wait.Reset()
		}
		failures++
		if failures >= c.reconnectAttempts {
			c.logger.Error("broker consumption keeps failing, consumer giving up",
				"attempts", failures,
				"error", err,
			)
			c.fail(fmt.Errorf("consume: %w", err))
			return
		}

		delay := wait.NextBackOff()
		c.logger.Warn("broker connection lost, reconnecting",
			"attempt", failures,
			"retry_in", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Consumer) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// connect establishes the connection and declares every queue
func (c *Consumer) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	policy := retry.Policy{
		MaxAttempts: c.reconnectAttempts,
		Delay:       retry.Exponential(c.reconnectDelay, c.reconnectMaxDelay),
		Retryable:   domain.IsTransient,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("broker connection failed",
				"attempt", attempt,
				"retry_in", wait,
				"error", err,
			)
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.broker.Connect(ctx); err != nil {
			return err
		}
		for _, queue := range c.queues() {
			if err := c.broker.DeclareQueue(ctx, queue); err != nil {
				return fmt.Errorf("declare queue %s: %w", queue, err)
			}
		}
		return nil
	})
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	c.logger.Info("broker connected")
	return nil
}

// consume runs one loop per queue until ctx is done or a loop fails
func (c *Consumer) consume(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	c.mu.RLock()
	for queue, handler := range c.handlers {
		g.Go(func() error {
			c.logger.Info("consuming queue", "queue", queue)
			return c.broker.Consume(gctx, queue, c.prefetch, c.dispatch(ctx, handler))
		})
	}
	c.mu.RUnlock()

	c.setState(StateConsuming)
	return g.Wait()
}

// dispatch returns the broker callback for one queue. It blocks until an
// in-flight slot is free, then processes the delivery in its own goroutine.
// Handlers run on a context that outlives Stop so they can settle their message.
func (c *Consumer) dispatch(ctx context.Context, handler HandlerFunc) driven.DeliveryHandler {
	handlerCtx := context.WithoutCancel(ctx)
	return func(consumeCtx context.Context, d driven.Delivery) {
		if err := c.slots.Acquire(consumeCtx, 1); err != nil {
			// Unsettled; the broker redelivers it after reconnecting.
			return
		}
		c.delivered.Add(1)
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			defer c.slots.Release(1)
			handler(handlerCtx, d)
		}()
	}
}

func (c *Consumer) queues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	queues := make([]string, 0, len(c.handlers))
	for queue := range c.handlers {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetConsumerState(int(s))
}
