// Package bus provides the in-process publish/subscribe bus that workers
// and the orchestrator use to coordinate without direct references to each
// other. Delivery is at-least-once with per-topic FIFO ordering.
package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/anvil/pkg/models"
)

// ErrQueueFull indicates a publish was rejected because a subscriber queue
// on the topic is full and the bus uses the fail-fast policy.
var ErrQueueFull = errors.New("topic queue full")

// ErrClosed indicates the bus has been closed.
var ErrClosed = errors.New("bus closed")

// ErrorTopic carries handler-failure diagnostics. A handler that panics or
// returns an error is reported here; the failure never reaches the publisher.
const ErrorTopic = "bus.error"

// Policy selects what Publish does when a subscriber queue is full.
type Policy string

const (
	// PolicyBlock makes Publish wait until the queue drains. Lossless;
	// used for pipelines that cannot tolerate drops.
	PolicyBlock Policy = "block"
	// PolicyFailFast makes Publish return ErrQueueFull immediately.
	PolicyFailFast Policy = "fail_fast"
)

// Valid returns true if the policy is a known value.
func (p Policy) Valid() bool {
	return p == PolicyBlock || p == PolicyFailFast
}

// DefaultQueueCapacity is the per-subscriber queue depth used when the
// configured capacity is zero or negative.
const DefaultQueueCapacity = 1000

// Handler processes one message. Handlers for the same subscription run
// sequentially in publish order; handlers on different subscriptions run
// independently.
type Handler func(msg models.Message) error

// SubscriptionID identifies one subscription for Unsubscribe.
type SubscriptionID string

// HandlerFailure is the payload published on ErrorTopic when a handler
// panics or returns an error.
type HandlerFailure struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID SubscriptionID
	// Topic is the topic of the message the handler was processing.
	Topic string
	// Seq is the sequence number of that message.
	Seq uint64
	// Reason describes the panic value or returned error.
	Reason string
}

// subscriber owns a bounded queue and a drain goroutine. Per-subscriber
// queues keep a slow or failing handler from delaying the other
// subscribers on the same topic.
type subscriber struct {
	id      SubscriptionID
	topic   string
	handler Handler
	queue   chan models.Message
	stop    chan struct{}
	done    chan struct{}
}

// topicState tracks the subscribers and sequence counter for one topic.
// The mutex is held for the full enqueue pass so that concurrent
// publishers cannot interleave out of sequence order.
type topicState struct {
	mu   sync.Mutex
	seq  uint64
	subs []*subscriber
}

// Bus is the in-process message bus. Safe for concurrent use.
type Bus struct {
	capacity int
	policy   Policy

	mu     sync.RWMutex
	topics map[string]*topicState
	byID   map[SubscriptionID]*subscriber
	closed bool

	published       atomic.Uint64
	handlerFailures atomic.Uint64

	wg sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the per-subscriber queue capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithPolicy sets the overflow policy.
func WithPolicy(p Policy) Option {
	return func(b *Bus) {
		if p.Valid() {
			b.policy = p
		}
	}
}

// New creates a Bus with the default capacity and the blocking policy.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity: DefaultQueueCapacity,
		policy:   PolicyBlock,
		topics:   make(map[string]*topicState),
		byID:     make(map[SubscriptionID]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Policy returns the configured overflow policy.
func (b *Bus) Policy() Policy {
	return b.policy
}

// Subscribe registers a handler for a topic and returns the subscription
// ID. The handler starts receiving messages published after this call.
func (b *Bus) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	s := &subscriber{
		id:      SubscriptionID(uuid.New().String()[:8]),
		topic:   topic,
		handler: handler,
		queue:   make(chan models.Message, b.capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	t := b.topics[topic]
	if t == nil {
		t = &topicState{}
		b.topics[topic] = t
	}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	b.byID[s.id] = s

	b.wg.Add(1)
	go b.drain(s)

	return s.id, nil
}

// Unsubscribe removes a subscription. Messages already queued for the
// subscriber are still delivered before its goroutine exits.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	s, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
	}
	t := (*topicState)(nil)
	if ok {
		t = b.topics[s.topic]
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if t != nil {
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
	close(s.stop)
	<-s.done
}

// Publish sends a payload to every current subscriber of the topic and
// returns the assigned per-topic sequence number. Under the blocking
// policy a full subscriber queue stalls the publisher; under fail-fast
// the publish is rejected with ErrQueueFull and the sequence number is
// not consumed.
func (b *Bus) Publish(topic, senderID string, payload any) (uint64, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	t := b.topics[topic]
	b.mu.RUnlock()

	if t == nil {
		// No subscribers yet; the topic still counts sequence numbers so
		// late subscribers observe a consistent stream.
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return 0, ErrClosed
		}
		t = b.topics[topic]
		if t == nil {
			t = &topicState{}
			b.topics[topic] = t
		}
		b.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if b.policy == PolicyFailFast {
		// Check every queue before touching any of them so a rejected
		// publish has no partial effect.
		for _, s := range t.subs {
			if len(s.queue) == cap(s.queue) {
				return 0, ErrQueueFull
			}
		}
	}

	t.seq++
	msg := models.Message{
		Topic:     topic,
		SenderID:  senderID,
		Payload:   payload,
		Seq:       t.seq,
		Timestamp: time.Now(),
	}

	for _, s := range t.subs {
		select {
		case s.queue <- msg:
		case <-s.stop:
			// Subscriber is going away; skip it.
		}
	}

	b.published.Add(1)
	return msg.Seq, nil
}

// drain delivers queued messages to a subscriber's handler until the
// subscription is removed or the bus closes.
func (b *Bus) drain(s *subscriber) {
	defer b.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case msg := <-s.queue:
					b.deliver(s, msg)
				default:
					return
				}
			}
		case msg := <-s.queue:
			b.deliver(s, msg)
		}
	}
}

// deliver invokes the handler for one message, isolating panics and
// reporting failures on ErrorTopic.
func (b *Bus) deliver(s *subscriber, msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(s, msg, fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := s.handler(msg); err != nil {
		b.reportFailure(s, msg, err.Error())
	}
}

// reportFailure counts a handler failure and publishes a diagnostic on
// ErrorTopic. Failures of ErrorTopic handlers themselves are only counted,
// never re-published.
func (b *Bus) reportFailure(s *subscriber, msg models.Message, reason string) {
	b.handlerFailures.Add(1)
	log.Printf("[bus] handler %s failed on %s seq=%d: %s", s.id, msg.Topic, msg.Seq, reason)
	if msg.Topic == ErrorTopic {
		return
	}
	_, _ = b.Publish(ErrorTopic, "bus", HandlerFailure{
		SubscriptionID: s.id,
		Topic:          msg.Topic,
		Seq:            msg.Seq,
		Reason:         reason,
	})
}

// Published returns the total number of accepted publishes.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// HandlerFailures returns the total number of handler panics and errors.
func (b *Bus) HandlerFailures() uint64 {
	return b.handlerFailures.Load()
}

// Close stops all subscriptions after draining their queues. Publishing
// or subscribing after Close returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.byID = make(map[SubscriptionID]*subscriber)
	for _, t := range b.topics {
		t.mu.Lock()
		t.subs = nil
		t.mu.Unlock()
	}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.stop)
	}
	b.wg.Wait()
}
