// Package rabbitmq implements flowmq.Backend over RabbitMQ using AMQP 0-9-1
// (github.com/rabbitmq/amqp091-go), grounded on the teacher's
// pkg/messaging/rabbitmq/pubsub_test.go and pkg/events/rabbitmq/publisher.go.
//
// Each queue/topic name maps to a non-durable queue of the same name,
// bound to a fixed direct exchange. Acknowledgement is delivery-tag based
// and therefore cumulative: acking tag N also acks every lower unacked tag
// on the same channel (spec.md §4.1's "Adapter-specific notes").
package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flowmq/flowmq"
)

const exchangeName = "flowmq.direct"

// Backend opens AMQP connections against a single broker URL scheme; the
// address passed to CreatePub/CreateSub is the full amqp:// connection
// string.
type Backend struct {
	logger *slog.Logger
}

// New returns a RabbitMQ-backed flowmq.Backend.
func New(opts ...Option) *Backend {
	b := &Backend{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ flowmq.Backend = (*Backend)(nil)

func dial(ctx context.Context, address string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(address, amqp.Config{})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, amqp.ExchangeDirect, false, true, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, false, true, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(name, name, exchangeName, false, nil)
}

// CreatePub implements flowmq.Backend. It idempotently declares the queue
// as non-durable, binds it, and enables publisher confirms (spec.md
// §4.1).
func (b *Backend) CreatePub(ctx context.Context, address, name string) (flowmq.PubHandle, error) {
	if name == "" {
		return nil, flowmq.ErrEmptyName
	}
	conn, ch, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, name); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &pubHandle{
		conn:     conn,
		ch:       ch,
		queue:    name,
		confirms: confirms,
		logger:   b.logger,
	}, nil
}

// CreateSub implements flowmq.Backend. It sets Channel.Qos(prefetch, 0,
// false) so at most prefetch unacked messages are outstanding.
func (b *Backend) CreateSub(ctx context.Context, address, name string, prefetch int) (flowmq.SubHandle, error) {
	if name == "" {
		return nil, flowmq.ErrEmptyName
	}
	conn, ch, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, name); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &subHandle{conn: conn, ch: ch, queue: name, logger: b.logger}, nil
}

type pubHandle struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	confirms <-chan amqp.Confirmation
	logger   *slog.Logger
	closed   bool
}

var _ flowmq.PubHandle = (*pubHandle)(nil)

func (p *pubHandle) Send(ctx context.Context, data []byte) error {
	if p.closed {
		return flowmq.ErrNotConnected
	}
	err := p.ch.PublishWithContext(ctx, exchangeName, p.queue, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        data,
	})
	if err != nil {
		return err
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return flowmq.ErrNotConnected
		}
		if !confirm.Ack {
			return &flowmq.UpstreamError{Err: errBrokerNacked}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *pubHandle) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

type subHandle struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
	closed bool
}

var _ flowmq.SubHandle = (*subHandle)(nil)

// CumulativeAck reports true: acking a delivery tag on an AMQP channel
// cumulatively acks every lower unacked tag (spec.md §4.1).
func (s *subHandle) CumulativeAck() bool { return true }

func (s *subHandle) GetOne(ctx context.Context) (*flowmq.Message, bool, error) {
	if s.closed {
		return nil, false, flowmq.ErrNotConnected
	}
	delivery, ok, err := s.ch.Get(s.queue, false)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &flowmq.Message{ID: delivery.DeliveryTag, Data: delivery.Body}, true, nil
}

func (s *subHandle) Ack(ctx context.Context, id flowmq.MessageID) error {
	if s.closed {
		return flowmq.ErrNotConnected
	}
	return s.ch.Ack(id.(uint64), true)
}

func (s *subHandle) Nack(ctx context.Context, id flowmq.MessageID) error {
	if s.closed {
		return flowmq.ErrNotConnected
	}
	return s.ch.Nack(id.(uint64), false, true)
}

func (s *subHandle) Stream(ctx context.Context, timeout time.Duration) (flowmq.MessageStream, error) {
	if s.closed {
		return nil, flowmq.ErrNotConnected
	}
	tag := consumerTag()
	deliveries, err := s.ch.Consume(s.queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &messageStream{ch: s.ch, tag: tag, deliveries: deliveries, timeout: timeout, logger: s.logger}, nil
}

func (s *subHandle) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// messageStream wraps an amqp091-go delivery channel with an inactivity
// timer. On timeout or Close it cancels the channel-side consumer (spec.md
// §4.1's delivery-tag adapter note: "on stream termination it cancels the
// channel-side consumer").
type messageStream struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	timeout    time.Duration
	logger     *slog.Logger
	cancelled  bool
}

var _ flowmq.MessageStream = (*messageStream)(nil)

func (m *messageStream) Next(ctx context.Context) (*flowmq.Message, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case delivery, ok := <-m.deliveries:
		if !ok {
			return nil, nil
		}
		return &flowmq.Message{ID: delivery.DeliveryTag, Data: delivery.Body}, nil
	case <-timer.C:
		if err := m.Close(); err != nil {
			m.logger.Warn("failed to cancel consumer after inactivity timeout", slog.Any("error", err))
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *messageStream) Close() error {
	if m.cancelled {
		return nil
	}
	m.cancelled = true
	return m.ch.Cancel(m.tag, false)
}

var errBrokerNacked = flowmqError("broker nacked the publish")

type flowmqError string

func (e flowmqError) Error() string { return string(e) }

func consumerTag() string {
	return "flowmq-" + uuid.NewString()
}
