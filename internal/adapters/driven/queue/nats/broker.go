package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.MessageBroker = (*Broker)(nil)

// Config holds JetStream broker configuration
type Config struct {
	// URL is the NATS server URL (e.g., nats://localhost:4222)
	URL string

	// Stream is the JetStream stream holding every queue
	Stream string

	// SubjectPrefix maps queue q to subject {SubjectPrefix}.{q}
	SubjectPrefix string

	// Durable prefixes the durable consumer name of each queue
	Durable string

	// AckWait is how long the server waits for a settle before redelivering
	AckWait time.Duration

	// MaxDeliveries is the delivery attempt after which a message is dead-lettered
	MaxDeliveries int

	// MaxAckPending bounds unsettled messages per consumer on the server side
	MaxAckPending int

	// RetryDelay and MaxRetryDelay bound the exponential NAK delay of requeued messages
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// FetchWait is how long one fetch waits for messages
	FetchWait time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Stream:        "SERCHA_INGEST",
		SubjectPrefix: "ingest",
		Durable:       "sercha-ingest",
		AckWait:       5 * time.Minute,
		MaxDeliveries: 10,
		MaxAckPending: 100,
		RetryDelay:    time.Second,
		MaxRetryDelay: time.Minute,
		FetchWait:     2 * time.Second,
	}
}

// Broker implements MessageBroker on NATS JetStream.
//
// All queues share one work-queue stream; each queue has its own durable
// pull consumer filtered on the queue subject. Terminated messages are
// copied to {subject}.dead first so they are never lost.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	nc        *nats.Conn
	js        jetstream.JetStream
	consumers map[string]jetstream.Consumer
}

// NewBroker creates a JetStream broker. It does not connect.
func NewBroker(cfg Config) *Broker {
	def := DefaultConfig(cfg.URL)
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Durable == "" {
		cfg.Durable = def.Durable
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = def.MaxAckPending
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = def.FetchWait
	}
	return &Broker{cfg: cfg, consumers: make(map[string]jetstream.Consumer)}
}

// Connect opens a connection unless a live one exists. A connection that is
// reconnecting on its own reports unavailable so the caller backs off.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil && !b.nc.IsClosed() {
		if b.nc.IsConnected() {
			return nil
		}
		return unavailable("connect", nats.ErrDisconnected)
	}

	opts := []nats.Option{
		nats.Name("sercha-ingest"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(5),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return unavailable("connect", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return unavailable("jetstream", err)
	}

	b.nc = nc
	b.js = js
	b.consumers = make(map[string]jetstream.Consumer)
	return nil
}

func (b *Broker) jetStream() (jetstream.JetStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.js == nil || b.nc == nil || b.nc.IsClosed() {
		return nil, unavailable("jetstream", nats.ErrConnectionClosed)
	}
	return b.js, nil
}

// subject maps a queue name onto the stream's subject space
func (b *Broker) subject(queue string) string {
	return b.cfg.SubjectPrefix + "." + queue
}

func (b *Broker) durable(queue string) string {
	return b.cfg.Durable + "-" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(queue)
}

// DeclareQueue creates the stream and the queue's durable consumer if missing
func (b *Broker) DeclareQueue(ctx context.Context, queue string) error {
	js, err := b.jetStream()
	if err != nil {
		return err
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return unavailable("declare stream "+b.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.durable(queue),
		FilterSubject: b.subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliveries,
		MaxAckPending: b.cfg.MaxAckPending,
	})
	if err != nil {
		return unavailable("declare consumer for "+queue, err)
	}

	b.mu.Lock()
	b.consumers[queue] = consumer
	b.mu.Unlock()
	return nil
}

// Publish appends body to the queue subject and waits for the stream ack
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	js, err := b.jetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, b.subject(queue), body); err != nil {
		return unavailable("publish to "+queue, err)
	}
	return nil
}

// Consume fetches from the queue's consumer until ctx is cancelled or the
// connection drops. At most prefetch deliveries are unsettled at any time.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler driven.DeliveryHandler) error {
	b.mu.Lock()
	consumer, ok := b.consumers[queue]
	nc := b.nc
	b.mu.Unlock()
	if !ok || nc == nil {
		return unavailable("consume", fmt.Errorf("queue %s not declared", queue))
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	slots := semaphore.NewWeighted(int64(prefetch))

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		count := 1
		for count < prefetch && slots.TryAcquire(1) {
			count++
		}

		if !nc.IsConnected() {
			slots.Release(int64(count))
			if ctx.Err() != nil {
				return nil
			}
			return unavailable("consume "+queue, nats.ErrDisconnected)
		}

		batch, err := consumer.Fetch(count, jetstream.FetchMaxWait(b.cfg.FetchWait))
		if err != nil {
			slots.Release(int64(count))
			if ctx.Err() != nil {
				return nil
			}
			return unavailable("fetch "+queue, err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			handler(ctx, b.newDelivery(queue, msg, func() { slots.Release(1) }))
		}
		if unused := count - received; unused > 0 {
			slots.Release(int64(unused))
		}

		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			if ctx.Err() != nil {
				return nil
			}
			return unavailable("fetch "+queue, err)
		}
	}
}

// Ping flushes a round trip to the server
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return unavailable("ping", nats.ErrConnectionClosed)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return unavailable("ping", nc.FlushWithContext(ctx))
}

// Close closes the connection; unsettled messages are redelivered after AckWait
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
		b.js = nil
	}
	return nil
}

// retryDelay is RetryDelay doubled per previous attempt, capped at MaxRetryDelay
func (b *Broker) retryDelay(attempt int) time.Duration {
	delay := b.cfg.RetryDelay
	for i := 1; i < attempt && delay < b.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > b.cfg.MaxRetryDelay {
		delay = b.cfg.MaxRetryDelay
	}
	return delay
}

type delivery struct {
	broker  *Broker
	queue   string
	msg     jetstream.Msg
	attempt int

	once    sync.Once
	release func()
}

func (b *Broker) newDelivery(queue string, msg jetstream.Msg, release func()) *delivery {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}
	return &delivery{broker: b, queue: queue, msg: msg, attempt: attempt, release: release}
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Body() []byte  { return d.msg.Data() }
func (d *delivery) Attempt() int  { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle("ack", func() error { return d.msg.Ack() })
}

// Reject terminates the message, or with requeue NAKs it with a backoff delay.
// A requeue past MaxDeliveries terminates instead.
func (d *delivery) Reject(ctx context.Context, requeue bool) error {
	if requeue && d.attempt < d.broker.cfg.MaxDeliveries {
		return d.settle("requeue", func() error {
			return d.msg.NakWithDelay(d.broker.retryDelay(d.attempt))
		})
	}
	return d.settle("dead-letter", func() error {
		js, err := d.broker.jetStream()
		if err != nil {
			return err
		}
		if _, err := js.Publish(ctx, d.broker.subject(d.queue)+".dead", d.msg.Data()); err != nil {
			return err
		}
		return d.msg.Term()
	})
}

func (d *delivery) settle(op string, fn func() error) error {
	settled := false
	var err error
	d.once.Do(func() {
		settled = true
		defer d.release()
		err = fn()
	})
	if !settled {
		return fmt.Errorf("message on %s already settled", d.queue)
	}
	return unavailable(op, err)
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, jetstream.ErrNoMessages)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.Unavailable("nats", fmt.Errorf("%s: %w", op, err))
}
