package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
)

// directReplyTo is RabbitMQ's pseudo-queue for RPC replies. Requests must be published on
// the channel that consumes it.
const directReplyTo = "amq.rabbitmq.reply-to"

const dialTimeout = 10 * time.Second

// AMQPBroker implements Broker on RabbitMQ. Queues are addressed through the default exchange.
type AMQPBroker struct {
	url  string
	name string
	opts Options

	mu      sync.RWMutex
	conn    *amqp.Connection
	rpcCh   *amqp.Channel
	ready   chan struct{}
	closed  bool
	closing chan struct{}

	pubMu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[string]chan *Reply

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// NewAMQPBroker creates a broker for the given AMQP URL. Call Connect before use.
func NewAMQPBroker(amqpURL, name string, opts Options) (*AMQPBroker, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return &AMQPBroker{
		url:     cleanURL,
		name:    name,
		opts:    opts.withDefaults(),
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
		waiters: make(map[string]chan *Reply),
		subs:    make(map[*Subscription]struct{}),
	}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Connect dials RabbitMQ, retrying with a fixed backoff until it succeeds or ctx is done.
// After the first connection, lost connections are re-established in the background.
func (b *AMQPBroker) Connect(ctx context.Context) error {
	for {
		err := b.dial()
		if err == nil {
			return nil
		}

		log.WithFields(log.Fields{
			"error": err,
			"retry": b.opts.ReconnectDelay,
		}).Warn("RabbitMQ unreachable, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		case <-b.closing:
			return ErrClosed
		case <-time.After(b.opts.ReconnectDelay):
		}
	}
}

func (b *AMQPBroker) dial() error {
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{"connection_name": b.name},
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume replies: %w", err)
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	b.conn = conn
	b.rpcCh = ch
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	b.mu.Unlock()

	go b.routeReplies(replies)
	go b.supervise(notify)

	log.WithField("name", b.name).Info("Connected to RabbitMQ")
	return nil
}

// supervise waits for the connection to drop and reconnects until the broker is closed
func (b *AMQPBroker) supervise(notify <-chan *amqp.Error) {
	select {
	case <-b.closing:
		return
	case amqpErr := <-notify:
		b.mu.Lock()
		b.conn = nil
		b.rpcCh = nil
		b.ready = make(chan struct{})
		b.mu.Unlock()

		if amqpErr != nil {
			log.WithError(amqpErr).Warn("RabbitMQ connection lost, reconnecting")
		}
	}

	for {
		select {
		case <-b.closing:
			return
		case <-time.After(b.opts.ReconnectDelay):
		}

		if err := b.dial(); err != nil {
			log.WithError(err).Warn("RabbitMQ reconnect failed")
			continue
		}
		return
	}
}

func (b *AMQPBroker) routeReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var reply Reply
		if err := json.Unmarshal(d.Body, &reply); err != nil {
			log.WithFields(log.Fields{
				"correlationId": d.CorrelationId,
				"error":         err,
			}).Error("Failed to decode RPC reply")
			continue
		}

		b.waitersMu.Lock()
		waiter, ok := b.waiters[d.CorrelationId]
		b.waitersMu.Unlock()

		if !ok {
			log.WithField("correlationId", d.CorrelationId).Debug("Dropping reply for caller that stopped waiting")
			continue
		}
		select {
		case waiter <- &reply:
		default:
		}
	}
}

// waitReady blocks until a connection is available
func (b *AMQPBroker) waitReady(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	for {
		b.mu.RLock()
		conn, ch, ready, closed := b.conn, b.rpcCh, b.ready, b.closed
		b.mu.RUnlock()

		if closed {
			return nil, nil, ErrClosed
		}
		if conn != nil && !conn.IsClosed() {
			return conn, ch, nil
		}

		if conn != nil {
			// Closed but not yet noticed by supervise
			sleepCtx(ctx, 50*time.Millisecond)
		} else {
			select {
			case <-ready:
			case <-ctx.Done():
			case <-b.closing:
			}
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}
}

// withChannel runs fn on a short-lived channel. Passive declares close their channel on a
// missing queue, so they never run on a shared one.
func (b *AMQPBroker) withChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	conn, _, err := b.waitReady(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()
	return fn(ch)
}

func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

func isAccessRefused(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// CreateQueue declares a queue
func (b *AMQPBroker) CreateQueue(ctx context.Context, name string, durable bool) error {
	return b.withChannel(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		return nil
	})
}

// DeleteQueue deletes a queue, ending its consumers
func (b *AMQPBroker) DeleteQueue(ctx context.Context, name string) error {
	return b.withChannel(ctx, func(ch *amqp.Channel) error {
		dropped, err := ch.QueueDelete(name, false, false, false)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to delete queue %s: %w", name, err)
		}
		log.WithFields(log.Fields{
			"queue":   name,
			"dropped": dropped,
		}).Debug("Deleted queue")
		return nil
	})
}

// DeleteQueueIfEmpty deletes the queue unless it holds ready messages. The server refuses a
// non-empty queue with a precondition failure, which closes the short-lived channel.
func (b *AMQPBroker) DeleteQueueIfEmpty(ctx context.Context, name string) (bool, error) {
	deleted := true
	err := b.withChannel(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, true, false); err != nil {
			switch {
			case isNotFound(err):
				return nil
			case isPreconditionFailed(err):
				deleted = false
				return nil
			}
			return fmt.Errorf("failed to delete queue %s: %w", name, err)
		}
		log.WithField("queue", name).Debug("Deleted empty queue")
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// QueueExists reports whether the queue is declared
func (b *AMQPBroker) QueueExists(ctx context.Context, name string) (bool, error) {
	exists := false
	err := b.withChannel(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		exists = true
		return nil
	})
	return exists, err
}

// Pending returns the number of ready messages
func (b *AMQPBroker) Pending(ctx context.Context, name string) (int, error) {
	pending := 0
	err := b.withChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			if isNotFound(err) {
				return ErrQueueNotFound
			}
			return fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		pending = q.Messages
		return nil
	})
	return pending, err
}

// Publish enqueues a persistent message
func (b *AMQPBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	return b.publish(ctx, queue, payload, "", "")
}

func (b *AMQPBroker) publish(ctx context.Context, queue string, payload []byte, correlationID, replyTo string) error {
	exists, err := b.QueueExists(ctx, queue)
	if err != nil {
		return err
	}
	if !exists {
		return ErrQueueNotFound
	}

	_, ch, err := b.waitReady(ctx)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
		Timestamp:     time.Now(),
		Body:          payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// RPC publishes a request with a fresh correlation id and waits for the reply
func (b *AMQPBroker) RPC(ctx context.Context, queue string, payload []byte) (*Reply, error) {
	correlationID := uuid.NewString()
	replies := make(chan *Reply, 1)

	b.waitersMu.Lock()
	b.waiters[correlationID] = replies
	b.waitersMu.Unlock()

	defer func() {
		b.waitersMu.Lock()
		delete(b.waiters, correlationID)
		b.waitersMu.Unlock()
	}()

	if err := b.publish(ctx, queue, payload, correlationID, directReplyTo); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrRPCTimeout
		}
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

// Consume starts a prefetch-1 consumer that survives reconnects
func (b *AMQPBroker) Consume(ctx context.Context, queue string, handler Handler) (*Subscription, error) {
	exists, err := b.QueueExists(ctx, queue)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrQueueNotFound
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(queue, cancel)

	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()

	go b.consume(consumeCtx, sub, handler)

	log.WithField("queue", queue).Info("Started consumer")
	return sub, nil
}

func (b *AMQPBroker) consume(ctx context.Context, sub *Subscription, handler Handler) {
	defer func() {
		b.subsMu.Lock()
		delete(b.subs, sub)
		b.subsMu.Unlock()
		sub.finish()
	}()

	for {
		conn, _, err := b.waitReady(ctx)
		if err != nil {
			return
		}

		if done := b.consumeOnce(ctx, conn, sub.Queue, handler); done {
			return
		}

		// The channel ended without cancellation: the connection dropped or the queue was deleted
		sleepCtx(ctx, b.opts.ReconnectDelay)
		if ctx.Err() != nil {
			return
		}
		exists, err := b.QueueExists(ctx, sub.Queue)
		if err == nil && !exists {
			log.WithField("queue", sub.Queue).Info("Queue deleted, stopping consumer")
			return
		}
	}
}

// consumeOnce consumes on one channel until it closes. Returns true when the consumer must stop.
func (b *AMQPBroker) consumeOnce(ctx context.Context, conn *amqp.Connection, queue string, handler Handler) bool {
	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Warn("Failed to open consumer channel")
		return false
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := ch.Qos(1, 0, false); err != nil {
		log.WithError(err).Warn("Failed to set prefetch")
		return false
	}

	tag := "raffler-" + uuid.NewString()
	// Exclusive, so a second process stands by instead of sharing the queue
	deliveries, err := ch.Consume(queue, tag, false, true, false, false, nil)
	if err != nil {
		if isNotFound(err) {
			log.WithField("queue", queue).Info("Queue no longer exists, stopping consumer")
			return true
		}
		if isAccessRefused(err) {
			log.WithField("queue", queue).Debug("Queue has an active consumer, standing by")
			return false
		}
		log.WithError(err).Warn("Failed to start consuming")
		return false
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
		case <-stop:
		}
	}()

	for raw := range deliveries {
		if ctx.Err() != nil {
			_ = raw.Nack(false, true)
			return true
		}
		b.handle(ctx, ch, queue, raw, handler)
	}

	return ctx.Err() != nil
}

func (b *AMQPBroker) handle(ctx context.Context, ch *amqp.Channel, queue string, raw amqp.Delivery, handler Handler) {
	d := &Delivery{
		Queue:         queue,
		Body:          raw.Body,
		CorrelationID: raw.CorrelationId,
		ReplyTo:       raw.ReplyTo,
		Redelivered:   raw.Redelivered,
	}

	requeue, reply := dispatch(ctx, handler, d)
	if requeue {
		sleepCtx(ctx, b.opts.RetryDelay)
		if err := raw.Nack(false, true); err != nil {
			log.WithError(err).Warn("Failed to requeue message")
		}
		return
	}

	if err := raw.Ack(false); err != nil {
		// The broker will redeliver; handlers are idempotent
		log.WithError(err).Warn("Failed to ack message")
		return
	}

	if d.IsRPC() && reply != nil {
		b.sendReply(ch, d, reply)
	}
	d.runAfterAck()
}

func (b *AMQPBroker) sendReply(ch *amqp.Channel, d *Delivery, reply *Reply) {
	body, err := json.Marshal(reply)
	if err != nil {
		log.WithError(err).Error("Failed to encode reply")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationID,
		Body:          body,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"correlationId": d.CorrelationID,
			"error":         err,
		}).Warn("Failed to send reply")
	}
}

// Close stops every consumer and closes the connection
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	conn := b.conn
	b.mu.Unlock()

	b.subsMu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
		<-sub.Done()
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	log.Info("RabbitMQ connection closed")
	return nil
}
