package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
)

const memoryReplyQueue = "memory.reply-to"

type memoryMessage struct {
	body          []byte
	correlationID string
	replyTo       string
	redelivered   bool
}

type memoryQueue struct {
	name     string
	durable  bool
	ready    []*memoryMessage
	signal   chan struct{}
	deleted  chan struct{}
	inFlight int

	// owner is the single active consumer; others wait on released
	owner    *Subscription
	released chan struct{}
}

func newMemoryQueue(name string, durable bool) *memoryQueue {
	return &memoryQueue{
		name:    name,
		durable: durable,
		signal:   make(chan struct{}, 1),
		deleted:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (q *memoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// MemoryBroker is an in-process Broker used in single-process mode and tests. Messages are
// lost when the process exits.
type MemoryBroker struct {
	opts Options

	mu      sync.Mutex
	queues  map[string]*memoryQueue
	waiters map[string]chan *Reply
	closed  bool
	subs    map[*Subscription]struct{}
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:    opts.withDefaults(),
		queues:  make(map[string]*memoryQueue),
		waiters: make(map[string]chan *Reply),
		subs:    make(map[*Subscription]struct{}),
	}
}

// CreateQueue declares a queue
func (b *MemoryBroker) CreateQueue(ctx context.Context, name string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newMemoryQueue(name, durable)
		log.WithField("queue", name).Debug("Declared queue")
	}
	return nil
}

// DeleteQueue removes a queue, dropping its messages and ending its consumers
func (b *MemoryBroker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	close(q.deleted)

	log.WithFields(log.Fields{
		"queue":   name,
		"dropped": len(q.ready),
	}).Debug("Deleted queue")
	return nil
}

// DeleteQueueIfEmpty removes a queue that has no ready messages
func (b *MemoryBroker) DeleteQueueIfEmpty(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return true, nil
	}
	if len(q.ready) > 0 {
		return false, nil
	}
	delete(b.queues, name)
	close(q.deleted)

	log.WithField("queue", name).Debug("Deleted empty queue")
	return true, nil
}

// QueueExists reports whether the queue is declared
func (b *MemoryBroker) QueueExists(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok, nil
}

// Pending returns the number of ready messages
func (b *MemoryBroker) Pending(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, ErrQueueNotFound
	}
	return len(q.ready), nil
}

// Publish enqueues a message
func (b *MemoryBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	return b.enqueue(queue, &memoryMessage{body: append([]byte(nil), payload...)})
}

func (b *MemoryBroker) enqueue(queue string, msg *memoryMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return ErrQueueNotFound
	}
	q.ready = append(q.ready, msg)
	q.wake()
	return nil
}

// RPC enqueues a message and waits for its correlated reply
func (b *MemoryBroker) RPC(ctx context.Context, queue string, payload []byte) (*Reply, error) {
	correlationID := uuid.NewString()
	replies := make(chan *Reply, 1)

	b.mu.Lock()
	b.waiters[correlationID] = replies
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, correlationID)
		b.mu.Unlock()
	}()

	msg := &memoryMessage{
		body:          append([]byte(nil), payload...),
		correlationID: correlationID,
		replyTo:       memoryReplyQueue,
	}
	if err := b.enqueue(queue, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrRPCTimeout
		}
		return nil, ctx.Err()
	}
}

// Consume starts a prefetch-1 consumer on queue
func (b *MemoryBroker) Consume(ctx context.Context, queue string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return nil, ErrQueueNotFound
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(queue, cancel)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.consume(consumeCtx, q, sub, handler)

	log.WithField("queue", queue).Debug("Started consumer")
	return sub, nil
}

func (b *MemoryBroker) consume(ctx context.Context, q *memoryQueue, sub *Subscription, handler Handler) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.finish()
	}()

	if !b.claim(ctx, q, sub) {
		return
	}
	defer b.release(q, sub)

	for {
		msg := b.next(ctx, q)
		if msg == nil {
			return
		}

		d := &Delivery{
			Queue:         q.name,
			Body:          msg.body,
			CorrelationID: msg.correlationID,
			ReplyTo:       msg.replyTo,
			Redelivered:   msg.redelivered,
		}

		requeue, reply := dispatch(ctx, handler, d)
		if requeue {
			sleepCtx(ctx, b.opts.RetryDelay)
			b.requeue(q, msg)
			continue
		}

		b.ack(q)
		if d.IsRPC() && reply != nil {
			b.reply(msg.correlationID, reply)
		}
		d.runAfterAck()
	}
}

// claim makes sub the queue's only consumer, waiting while another consumer holds it.
// Returns false if the consumer was cancelled or the queue deleted first.
func (b *MemoryBroker) claim(ctx context.Context, q *memoryQueue, sub *Subscription) bool {
	for {
		b.mu.Lock()
		if q.owner == nil {
			q.owner = sub
			b.mu.Unlock()
			return true
		}
		released := q.released
		b.mu.Unlock()

		log.WithField("queue", q.name).Debug("Queue has an active consumer, standing by")
		select {
		case <-ctx.Done():
			return false
		case <-q.deleted:
			return false
		case <-released:
		}
	}
}

func (b *MemoryBroker) release(q *memoryQueue, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.owner == sub {
		q.owner = nil
		close(q.released)
		q.released = make(chan struct{})
	}
}

// next blocks until a message is ready, the consumer is cancelled or the queue is deleted
func (b *MemoryBroker) next(ctx context.Context, q *memoryQueue) *memoryMessage {
	for {
		if ctx.Err() != nil {
			return nil
		}

		b.mu.Lock()
		select {
		case <-q.deleted:
			b.mu.Unlock()
			return nil
		default:
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.inFlight++
			b.mu.Unlock()
			return msg
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.deleted:
			return nil
		case <-q.signal:
		}
	}
}

func (b *MemoryBroker) ack(q *memoryQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.inFlight--
}

// requeue puts a failed message back at the head of its queue
func (b *MemoryBroker) requeue(q *memoryQueue, msg *memoryMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q.inFlight--
	select {
	case <-q.deleted:
		return
	default:
	}
	msg.redelivered = true
	q.ready = append([]*memoryMessage{msg}, q.ready...)
	q.wake()
}

func (b *MemoryBroker) reply(correlationID string, reply *Reply) {
	b.mu.Lock()
	waiter, ok := b.waiters[correlationID]
	b.mu.Unlock()

	if !ok {
		log.WithField("correlationId", correlationID).Debug("Dropping reply for caller that stopped waiting")
		return
	}
	select {
	case waiter <- reply:
	default:
	}
}

// Close cancels every consumer and rejects further use
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
		<-sub.Done()
	}
	return nil
}
