package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

const (
	// Stream fields
	fieldBody    = "body"
	fieldAttempt = "attempt"

	// Key suffixes derived from the queue (stream) name
	delayedSuffix = ":delayed"
	deadSuffix    = ":dead"

	// Default consumer group and consumer name prefix
	defaultGroup   = "sercha-ingest"
	consumerPrefix = "worker-"
)

// Verify interface compliance
var _ driven.MessageBroker = (*Broker)(nil)

// Config holds Redis Streams broker configuration
type Config struct {
	// URL is the Redis URL (e.g., redis://localhost:6379/0)
	URL string

	// Group is the consumer group shared by all workers
	Group string

	// Consumer names this worker within the group; must be unique per instance
	Consumer string

	// ClaimTimeout is how long a delivered message may stay unsettled before
	// another worker claims it
	ClaimTimeout time.Duration

	// MaxDeliveries is the delivery attempt after which a message is dead-lettered
	MaxDeliveries int

	// RetryDelay and MaxRetryDelay bound the exponential redelivery delay of requeued messages
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Block is how long one read waits for new messages
	Block time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	hostname, _ := os.Hostname()
	return Config{
		URL:           url,
		Group:         defaultGroup,
		Consumer:      fmt.Sprintf("%s%s-%d", consumerPrefix, hostname, os.Getpid()),
		ClaimTimeout:  5 * time.Minute,
		MaxDeliveries: 10,
		RetryDelay:    time.Second,
		MaxRetryDelay: time.Minute,
		Block:         2 * time.Second,
	}
}

// Broker implements MessageBroker on Redis Streams with consumer groups.
//
// Every queue is a stream read by one consumer group. A requeued message is
// acknowledged and parked in a sorted set until its redelivery time, then
// appended to the stream again with its attempt counter raised. Messages
// rejected without requeue, or past MaxDeliveries, go to the <queue>:dead stream.
type Broker struct {
	cfg  Config
	opts *redis.Options
	now  func() time.Time

	mu     sync.Mutex
	client *redis.Client
}

// NewBroker creates a new Redis Streams broker. It does not connect.
func NewBroker(cfg Config) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, domain.Invalid("redis url: %v", err)
	}

	def := DefaultConfig(cfg.URL)
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = def.Consumer
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}

	return &Broker{cfg: cfg, opts: opts, now: time.Now}, nil
}

// Connect creates the client on first use and verifies the server answers
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client == nil {
		b.client = redis.NewClient(b.opts)
	}
	client := b.client
	b.mu.Unlock()

	if err := client.Ping(ctx).Err(); err != nil {
		return domain.Unavailable("redis", fmt.Errorf("connect: %w", err))
	}
	return nil
}

func (b *Broker) conn() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, domain.Unavailable("redis", errors.New("broker not connected"))
	}
	return b.client, nil
}

// DeclareQueue creates the stream and consumer group if they don't exist
func (b *Broker) DeclareQueue(ctx context.Context, queue string) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	err = client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return unavailable("declare queue "+queue, err)
	}
	return nil
}

// Publish appends body to the queue stream as a first attempt
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{
			fieldBody:    body,
			fieldAttempt: 1,
		},
	}).Err()
	return unavailable("publish to "+queue, err)
}

// Consume reads queue until ctx is cancelled or the connection fails.
// At most prefetch deliveries are unsettled at any time.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler driven.DeliveryHandler) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	slots := semaphore.NewWeighted(int64(prefetch))
	lastReclaim := time.Time{}

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		count := 1
		for count < prefetch && slots.TryAcquire(1) {
			count++
		}

		if err := b.promoteDelayed(ctx, client, queue); err != nil {
			slots.Release(int64(count))
			return b.consumeError(ctx, err)
		}

		var msgs []redis.XMessage
		if b.now().Sub(lastReclaim) >= b.cfg.ClaimTimeout/2 {
			lastReclaim = b.now()
			msgs, err = b.claimAbandoned(ctx, client, queue, count)
			if err != nil {
				slots.Release(int64(count))
				return b.consumeError(ctx, err)
			}
		}

		if len(msgs) == 0 {
			msgs, err = b.read(ctx, client, queue, count)
			if err != nil {
				slots.Release(int64(count))
				return b.consumeError(ctx, err)
			}
		}

		if unused := count - len(msgs); unused > 0 {
			slots.Release(int64(unused))
		}

		for _, msg := range msgs {
			d := b.newDelivery(client, queue, msg, func() { slots.Release(1) })
			if d.attempt > b.cfg.MaxDeliveries {
				// Exhausted while a previous holder still had it
				if err := d.deadLetter(ctx); err != nil {
					return b.consumeError(ctx, err)
				}
				continue
			}
			handler(ctx, d)
		}
	}
}

func (b *Broker) read(ctx context.Context, client *redis.Client, queue string, count int) ([]redis.XMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{queue, ">"},
		Count:    int64(count),
		Block:    b.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// consumeError turns a read failure into Consume's return value. A cancelled
// context is a clean shutdown.
func (b *Broker) consumeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return unavailable("consume", err)
}

// promoteDelayed moves due requeued messages back onto the stream
func (b *Broker) promoteDelayed(ctx context.Context, client *redis.Client, queue string) error {
	due, err := client.ZRangeByScore(ctx, queue+delayedSuffix, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		var msg delayedMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			// unreadable entry, drop it
			client.ZRem(ctx, queue+delayedSuffix, member)
			continue
		}

		// Only the worker whose ZREM succeeds republishes
		removed, err := client.ZRem(ctx, queue+delayedSuffix, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		err = client.XAdd(ctx, &redis.XAddArgs{
			Stream: queue,
			Values: map[string]interface{}{
				fieldBody:    msg.Body,
				fieldAttempt: msg.Attempt,
			},
		}).Err()
		if err != nil {
			return err
		}
	}
	return nil
}

// claimAbandoned takes over messages another consumer read but never settled
func (b *Broker) claimAbandoned(ctx context.Context, client *redis.Client, queue string, count int) ([]redis.XMessage, error) {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
		Idle:   b.cfg.ClaimTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   queue,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	// Each earlier delivery of a claimed message counts as an attempt
	msgs := claimed[:0]
	for _, msg := range claimed {
		if msg.Values == nil {
			continue // deleted while pending
		}
		attempt := parseAttempt(msg.Values) + int(retries[msg.ID])
		msg.Values[fieldAttempt] = strconv.Itoa(attempt)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ping checks if Redis is reachable
func (b *Broker) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return unavailable("ping", client.Ping(ctx).Err())
}

// Close closes the client. A later Connect opens a new one.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
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

// delayedMessage is the sorted set member of a requeued message. ID keeps
// identical bodies distinct.
type delayedMessage struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
	Body    []byte `json:"body"`
}

type delivery struct {
	broker  *Broker
	client  *redis.Client
	queue   string
	id      string
	body    []byte
	attempt int

	once    sync.Once
	release func()
}

func (b *Broker) newDelivery(client *redis.Client, queue string, msg redis.XMessage, release func()) *delivery {
	d := &delivery{
		broker:  b,
		client:  client,
		queue:   queue,
		id:      msg.ID,
		attempt: parseAttempt(msg.Values),
		release: release,
	}
	if body, ok := msg.Values[fieldBody].(string); ok {
		d.body = []byte(body)
	}
	return d
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Body() []byte  { return d.body }
func (d *delivery) Attempt() int  { return d.attempt }

// Ack acknowledges and deletes the stream entry
func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, "ack", nil)
}

// Reject dead-letters the message, or with requeue schedules a redelivery.
// A requeue past MaxDeliveries dead-letters instead.
func (d *delivery) Reject(ctx context.Context, requeue bool) error {
	if !requeue || d.attempt >= d.broker.cfg.MaxDeliveries {
		return d.deadLetter(ctx)
	}

	member, err := json.Marshal(delayedMessage{
		ID:      uuid.NewString(),
		Attempt: d.attempt + 1,
		Body:    d.body,
	})
	if err != nil {
		return err
	}
	due := d.broker.now().Add(d.broker.retryDelay(d.attempt))

	return d.settle(ctx, "requeue", func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, d.queue+delayedSuffix, redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(member),
		})
	})
}

func (d *delivery) deadLetter(ctx context.Context) error {
	return d.settle(ctx, "dead-letter", func(pipe redis.Pipeliner) {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: d.queue + deadSuffix,
			Values: map[string]interface{}{
				fieldBody:    d.body,
				fieldAttempt: d.attempt,
				"source_id":  d.id,
			},
		})
	})
}

// settle removes the entry from the stream together with the extra commands
// in one MULTI/EXEC. Settling twice is an error.
func (d *delivery) settle(ctx context.Context, op string, extra func(pipe redis.Pipeliner)) error {
	settled := false
	var err error
	d.once.Do(func() {
		settled = true
		defer d.release()

		_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if extra != nil {
				extra(pipe)
			}
			pipe.XAck(ctx, d.queue, d.broker.cfg.Group, d.id)
			pipe.XDel(ctx, d.queue, d.id)
			return nil
		})
	})
	if !settled {
		return fmt.Errorf("message %s already settled", d.id)
	}
	return unavailable(op+" "+d.id, err)
}

func parseAttempt(values map[string]interface{}) int {
	s, _ := values[fieldAttempt].(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.Unavailable("redis", fmt.Errorf("%s: %w", op, err))
}

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
