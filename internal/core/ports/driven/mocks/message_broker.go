package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.MessageBroker = (*MockBroker)(nil)

// MockBroker is an in-memory MessageBroker. Messages live in buffered channels,
// settlements are recorded for assertions.
type MockBroker struct {
	mu        sync.Mutex
	queues    map[string]chan *MockDelivery
	connected bool
	lost      chan struct{}

	// ConnectFn, when set, decides the outcome of each Connect call (1-based attempt)
	ConnectFn    func(attempt int) error
	connectCalls int

	// ConsumeErr, when set, makes every Consume call fail immediately
	ConsumeErr error
	PublishErr error

	acked    [][]byte
	rejected [][]byte
	requeued [][]byte
}

// NewMockBroker creates a new MockBroker
func NewMockBroker() *MockBroker {
	return &MockBroker{
		queues: make(map[string]chan *MockDelivery),
		lost:   make(chan struct{}),
	}
}

func (m *MockBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.ConnectFn != nil {
		if err := m.ConnectFn(m.connectCalls); err != nil {
			return err
		}
	}
	m.connected = true
	m.lost = make(chan struct{})
	return nil
}

func (m *MockBroker) DeclareQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.Unavailable("mock broker", errors.New("not connected"))
	}
	m.queueLocked(queue)
	return nil
}

func (m *MockBroker) Consume(ctx context.Context, queue string, prefetch int, handler driven.DeliveryHandler) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return domain.Unavailable("mock broker", errors.New("not connected"))
	}
	if m.ConsumeErr != nil {
		m.mu.Unlock()
		return m.ConsumeErr
	}
	q := m.queueLocked(queue)
	lost := m.lost
	m.mu.Unlock()

	if prefetch < 1 {
		prefetch = 1
	}
	slots := make(chan struct{}, prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return domain.Unavailable("mock broker", errors.New("connection lost"))
		case d := <-q:
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			d.release = func() { <-slots }
			handler(ctx, d)
		}
	}
}

func (m *MockBroker) Publish(ctx context.Context, queue string, body []byte) error {
	m.mu.Lock()
	if m.PublishErr != nil {
		m.mu.Unlock()
		return m.PublishErr
	}
	q := m.queueLocked(queue)
	m.mu.Unlock()

	d := &MockDelivery{broker: m, queue: queue, body: append([]byte(nil), body...), attempt: 1}
	select {
	case q <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockBroker) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.Unavailable("mock broker", errors.New("not connected"))
	}
	return nil
}

func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// DropConnection simulates a connection loss; running Consume calls return an error
func (m *MockBroker) DropConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.connected = false
		close(m.lost)
	}
}

// ConnectCalls returns the number of Connect calls
func (m *MockBroker) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// Acked returns the bodies of acknowledged messages
func (m *MockBroker) Acked() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.acked...)
}

// Rejected returns the bodies of messages rejected without requeue
func (m *MockBroker) Rejected() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.rejected...)
}

// Requeued returns the bodies of messages rejected with requeue
func (m *MockBroker) Requeued() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.requeued...)
}

func (m *MockBroker) queueLocked(queue string) chan *MockDelivery {
	q, ok := m.queues[queue]
	if !ok {
		q = make(chan *MockDelivery, 1024)
		m.queues[queue] = q
	}
	return q
}

// MockDelivery is a message handed out by MockBroker
type MockDelivery struct {
	broker  *MockBroker
	queue   string
	body    []byte
	attempt int
	release func()
	once    sync.Once
}

// NewMockDelivery creates a standalone delivery (not bound to a broker queue)
func NewMockDelivery(queue string, body []byte) *MockDelivery {
	return &MockDelivery{broker: NewMockBroker(), queue: queue, body: body, attempt: 1}
}

func (d *MockDelivery) Queue() string { return d.queue }
func (d *MockDelivery) Body() []byte  { return d.body }
func (d *MockDelivery) Attempt() int  { return d.attempt }

func (d *MockDelivery) Ack(ctx context.Context) error {
	d.settle(func(m *MockBroker) { m.acked = append(m.acked, d.body) })
	return nil
}

func (d *MockDelivery) Reject(ctx context.Context, requeue bool) error {
	if !requeue {
		d.settle(func(m *MockBroker) { m.rejected = append(m.rejected, d.body) })
		return nil
	}
	d.settle(func(m *MockBroker) { m.requeued = append(m.requeued, d.body) })
	m := d.broker
	m.mu.Lock()
	q := m.queueLocked(d.queue)
	m.mu.Unlock()
	q <- &MockDelivery{broker: m, queue: d.queue, body: d.body, attempt: d.attempt + 1}
	return nil
}

func (d *MockDelivery) settle(record func(m *MockBroker)) {
	d.once.Do(func() {
		d.broker.mu.Lock()
		record(d.broker)
		d.broker.mu.Unlock()
		if d.release != nil {
			d.release()
		}
	})
}

// Outcome returns "ack", "reject", "requeue" or "" for a standalone delivery
func (d *MockDelivery) Outcome() string {
	m := d.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case len(m.acked) > 0:
		return "ack"
	case len(m.rejected) > 0:
		return "reject"
	case len(m.requeued) > 0:
		return "requeue"
	}
	return ""
}
