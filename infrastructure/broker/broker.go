// Package broker provides the queue abstraction the pipelines are serialized on:
// fire-and-forget publishing, correlated RPC and prefetch-1 consumers.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"raffler/domain"
)

var (
	// ErrQueueNotFound is returned when publishing to a queue that does not exist
	ErrQueueNotFound = errors.New("queue not found")
	// ErrClosed is returned by a broker after Close
	ErrClosed = errors.New("broker closed")
)

// Broker is a message broker holding named queues
type Broker interface {
	// CreateQueue declares a queue. Declaring an existing queue is a no-op.
	CreateQueue(ctx context.Context, name string, durable bool) error

	// DeleteQueue removes a queue and ends its consumers. Deleting a missing queue is a no-op.
	DeleteQueue(ctx context.Context, name string) error

	// DeleteQueueIfEmpty removes a queue only while no message is ready in it. Returns false
	// when messages remain; a missing queue counts as deleted.
	DeleteQueueIfEmpty(ctx context.Context, name string) (bool, error)

	// QueueExists reports whether the queue is declared
	QueueExists(ctx context.Context, name string) (bool, error)

	// Pending returns the number of messages ready for delivery
	Pending(ctx context.Context, name string) (int, error)

	// Publish enqueues a message without waiting for it to be processed
	Publish(ctx context.Context, queue string, payload []byte) error

	// RPC enqueues a message and waits for the correlated reply. Returns domain.ErrRPCTimeout
	// when ctx expires first; the message may still be processed later.
	RPC(ctx context.Context, queue string, payload []byte) (*Reply, error)

	// Consume delivers messages of queue to handler one at a time. A queue has at most one
	// active consumer; further consumers stand by until it stops.
	Consume(ctx context.Context, queue string, handler Handler) (*Subscription, error)

	// Close releases the broker's resources
	Close() error
}

// Handler processes one delivery. The returned value is encoded as the reply data for RPC
// callers. The error's domain kind decides whether the delivery is acked or requeued.
type Handler func(ctx context.Context, d *Delivery) (any, error)

// Delivery is a message handed to a consumer
type Delivery struct {
	Queue         string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Redelivered   bool

	mu       sync.Mutex
	afterAck []func()
}

// IsRPC reports whether the sender waits for a reply
func (d *Delivery) IsRPC() bool {
	return d.ReplyTo != ""
}

// AfterAck registers fn to run once the delivery has been acknowledged
func (d *Delivery) AfterAck(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.afterAck = append(d.afterAck, fn)
}

func (d *Delivery) runAfterAck() {
	d.mu.Lock()
	hooks := d.afterAck
	d.afterAck = nil
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// ErrorDescriptor is the wire form of a rejected request
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reply is sent back to RPC callers
type Reply struct {
	Authorized bool             `json:"authorized"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Error      *ErrorDescriptor `json:"error,omitempty"`
}

// Err returns the typed error carried by a rejected reply, or nil
func (r *Reply) Err() error {
	if r.Authorized {
		return nil
	}
	if r.Error == nil {
		return domain.FromDescriptor("", domain.CodeInternal, "request was rejected")
	}
	return domain.FromDescriptor(r.Error.Kind, r.Error.Code, r.Error.Message)
}

// Decode unmarshals the reply data into v, returning the carried error for rejected replies
func (r *Reply) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}

// NewSuccessReply encodes data into an authorized reply
func NewSuccessReply(data any) (*Reply, error) {
	reply := &Reply{Authorized: true}
	if data == nil {
		return reply, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply data: %w", err)
	}
	reply.Data = raw
	return reply, nil
}

// NewErrorReply builds a rejected reply. Only business errors expose their message.
func NewErrorReply(err error) *Reply {
	return &Reply{
		Authorized: false,
		Error: &ErrorDescriptor{
			Code:    domain.CodeOf(err),
			Kind:    string(domain.KindOf(err)),
			Message: domain.PublicMessage(err),
		},
	}
}

// Subscription is an active consumer
type Subscription struct {
	Queue string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSubscription(queue string, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		Queue:  queue,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel stops consumption after the in-flight delivery, if any. It does not wait, so it
// is safe to call from a handler or an AfterAck hook.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the consumer has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) finish() {
	s.once.Do(func() { close(s.done) })
}

// Options tunes broker behavior
type Options struct {
	// RetryDelay is how long an infrastructure failure waits before its message is requeued
	RetryDelay time.Duration
	// ReconnectDelay is the fixed backoff between connection attempts
	ReconnectDelay time.Duration
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		RetryDelay:     time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	return o
}

// dispatch runs handler and decides the delivery's fate. requeue is true for infrastructure
// failures; otherwise reply holds the answer for RPC callers.
func dispatch(ctx context.Context, handler Handler, d *Delivery) (requeue bool, reply *Reply) {
	logger := log.WithFields(log.Fields{
		"queue":         d.Queue,
		"correlationId": d.CorrelationID,
		"redelivered":   d.Redelivered,
	})

	data, err := invoke(ctx, handler, d)
	if err == nil {
		reply, err = NewSuccessReply(data)
		if err == nil {
			return false, reply
		}
		err = domain.NewConsistencyError(domain.CodeInternal, "reply could not be encoded", err)
	}

	switch domain.KindOf(err) {
	case domain.KindBusiness:
		logger.WithFields(log.Fields{
			"code":  domain.CodeOf(err),
			"error": err,
		}).Info("Request rejected")
		return false, NewErrorReply(err)
	case domain.KindConsistency:
		logger.WithFields(log.Fields{
			"code":  domain.CodeOf(err),
			"error": err,
		}).Error("Consistency fault, message will not be redelivered")
		return false, NewErrorReply(err)
	default:
		logger.WithError(err).Warn("Handler failed, message will be redelivered")
		return true, nil
	}
}

// invoke calls handler, converting a panic into a consistency fault so a poison message
// cannot loop forever
func invoke(ctx context.Context, handler Handler, d *Delivery) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = domain.NewConsistencyError(domain.CodeInternal, "handler panicked", fmt.Errorf("%v", r))
		}
	}()
	return handler(ctx, d)
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
