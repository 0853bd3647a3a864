package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/skillshare-booking/internal/queue"
)

// EventPublisher delivers committed booking transitions to downstream
// consumers.  Implementations must not block for long; callers log the
// returned error and carry on.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.BookingEvent) error
}

// NopPublisher drops every event.  It is used when EVENTS_ENABLED is off.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, queue.BookingEvent) error { return nil }

var (
	// ErrPublishBufferFull is returned when the publisher goroutine has
	// fallen behind and the event was dropped.
	ErrPublishBufferFull = errors.New("event buffer full")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher closed")
)

const (
	defaultDialTimeout    = 3 * time.Second
	defaultPublishTimeout = 5 * time.Second
	minRedialBackoff      = 500 * time.Millisecond
	maxRedialBackoff      = 30 * time.Second
)

// AMQPPublisher publishes BookingEvents to a durable RabbitMQ queue.
// Publish only enqueues; a single goroutine owns the broker connection and
// does the dialing and sending.  While the broker is unreachable the
// goroutine waits out a growing backoff between dials and drops the events
// that arrive in the meantime.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *slog.Logger

	dialTimeout    time.Duration
	publishTimeout time.Duration

	events    chan queue.BookingEvent
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by run
	conn    *amqp.Connection
	ch      *amqp.Channel
	backoff time.Duration
	retryAt time.Time
}

// NewAMQPPublisher starts a publisher for the given broker URL and queue
// holding at most buffer pending events.  No connection is made until the
// first event arrives.
func NewAMQPPublisher(url, queueName string, buffer int, logger *slog.Logger) *AMQPPublisher {
	return newAMQPPublisher(url, queueName, buffer, defaultDialTimeout, logger)
}

func newAMQPPublisher(url, queueName string, buffer int, dialTimeout time.Duration, logger *slog.Logger) *AMQPPublisher {
	if queueName == "" {
		queueName = queue.DefaultQueue
	}
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{
		url:            url,
		queue:          queueName,
		logger:         logger,
		dialTimeout:    dialTimeout,
		publishTimeout: defaultPublishTimeout,
		events:         make(chan queue.BookingEvent, buffer),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish hands ev to the publisher goroutine without waiting on the
// broker.  It fails when the buffer is full or the publisher is closed.
func (p *AMQPPublisher) Publish(_ context.Context, ev queue.BookingEvent) error {
	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}
	select {
	case p.events <- ev:
		return nil
	default:
		return ErrPublishBufferFull
	}
}

// Close stops the publisher goroutine after it has tried to send what is
// still buffered, then releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.stopped
	return nil
}

func (p *AMQPPublisher) run() {
	defer close(p.stopped)
	defer p.closeConn()
	for {
		select {
		case ev := <-p.events:
			p.deliver(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.events:
					p.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *AMQPPublisher) deliver(ev queue.BookingEvent) {
	ch, err := p.channel()
	if err != nil {
		p.logger.Warn("booking event dropped", "type", ev.Type, "booking_id", ev.BookingID, "err", err)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal booking event", "type", ev.Type, "err", err)
		return
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.closeConn()
		p.logger.Warn("booking event dropped", "type", ev.Type, "booking_id", ev.BookingID, "err", fmt.Errorf("rabbitmq publish: %w", err))
	}
}

// channel returns an open channel, dialing and declaring the queue when
// needed.  After a failed dial it refuses to dial again until the backoff
// has passed.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeConn()
	if time.Now().Before(p.retryAt) {
		return nil, fmt.Errorf("rabbitmq unavailable, next dial in %s", time.Until(p.retryAt).Round(time.Millisecond))
	}

	conn, ch, err := p.dial()
	if err != nil {
		p.tripBreaker()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	p.backoff, p.retryAt = 0, time.Time{}
	return ch, nil
}

func (p *AMQPPublisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(p.dialTimeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return conn, ch, nil
}

func (p *AMQPPublisher) tripBreaker() {
	if p.backoff == 0 {
		p.backoff = minRedialBackoff
	} else {
		p.backoff *= 2
	}
	if p.backoff > maxRedialBackoff {
		p.backoff = maxRedialBackoff
	}
	p.retryAt = time.Now().Add(p.backoff)
}

func (p *AMQPPublisher) closeConn() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
