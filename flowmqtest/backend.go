// Package flowmqtest provides an in-memory flowmq.Backend double for unit
// testing the ReceiveSession and Queue state machines without a running
// broker. It plays the role the teacher's pubsub_test.go msgChan/handler
// fixtures play, generalized into a reusable fake that implements the full
// Backend contract (including delivery-tag-style cumulative ack, to keep
// unit tests honest about spec.md §4.3's tie-breaks).
package flowmqtest

import (
	"context"
	"sync"
	"time"

	"github.com/flowmq/flowmq"
)

// Backend is an in-memory, single-process flowmq.Backend. Each distinct
// queue name gets its own FIFO. Backend is safe for concurrent use; the
// handles it returns are not (matching the real contract).
type Backend struct {
	mu     sync.Mutex
	queues map[string]*queueState

	// Acks and Nacks record every id passed to SubHandle.Ack/Nack across
	// every SubHandle this Backend has produced, in call order. Tests read
	// these directly to assert the ack/nack invariants of spec.md §8.
	Acks   []flowmq.MessageID
	Nacks  []flowmq.MessageID
	mu2    sync.Mutex // guards Acks/Nacks only, kept separate from queue state
}

type queueState struct {
	mu      sync.Mutex
	pending []flowmq.Message
	nextID  uint64
	closed  bool
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{queues: make(map[string]*queueState)}
}

func (b *Backend) queue(name string) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{}
		b.queues[name] = q
	}
	return q
}

// CreatePub implements flowmq.Backend.
func (b *Backend) CreatePub(_ context.Context, _, name string) (flowmq.PubHandle, error) {
	return &pubHandle{backend: b, queue: b.queue(name)}, nil
}

// CreateSub implements flowmq.Backend.
func (b *Backend) CreateSub(_ context.Context, _, name string, prefetch int) (flowmq.SubHandle, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	return &subHandle{backend: b, queue: b.queue(name), prefetch: prefetch}, nil
}

func (b *Backend) recordAck(id flowmq.MessageID) {
	b.mu2.Lock()
	b.Acks = append(b.Acks, id)
	b.mu2.Unlock()
}

func (b *Backend) recordNack(id flowmq.MessageID) {
	b.mu2.Lock()
	b.Nacks = append(b.Nacks, id)
	b.mu2.Unlock()
}

type pubHandle struct {
	backend *Backend
	queue   *queueState
	closed  bool
}

func (p *pubHandle) Send(_ context.Context, data []byte) error {
	if p.closed {
		return flowmq.ErrNotConnected
	}
	p.queue.mu.Lock()
	defer p.queue.mu.Unlock()
	p.queue.nextID++
	cp := make([]byte, len(data))
	copy(cp, data)
	p.queue.pending = append(p.queue.pending, flowmq.Message{ID: p.queue.nextID, Data: cp})
	return nil
}

func (p *pubHandle) Close() error {
	p.closed = true
	return nil
}

// subHandle is a delivery-tag-style fake: Ack(id) cumulatively acknowledges
// id and everything lower still outstanding, matching the RabbitMQ
// adapter's semantics so unit tests exercise the same edge cases spec.md
// §4.3 calls out.
type subHandle struct {
	backend  *Backend
	queue    *queueState
	prefetch int
	closed   bool

	mu          sync.Mutex
	delivered   map[uint64]flowmq.Message // ids handed out and not yet acked/nacked
	injectedErr error
}

func (s *subHandle) GetOne(_ context.Context) (*flowmq.Message, bool, error) {
	if s.closed {
		return nil, false, flowmq.ErrNotConnected
	}
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	if len(s.queue.pending) == 0 {
		return nil, false, nil
	}
	msg := s.queue.pending[0]
	s.queue.pending = s.queue.pending[1:]
	s.markDelivered(msg)
	return &msg, true, nil
}

func (s *subHandle) markDelivered(msg flowmq.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = make(map[uint64]flowmq.Message)
	}
	s.delivered[msg.ID.(uint64)] = msg
}

func (s *subHandle) Ack(_ context.Context, id flowmq.MessageID) error {
	if s.closed {
		return flowmq.ErrNotConnected
	}
	tag := id.(uint64)
	s.mu.Lock()
	for outstanding := range s.delivered {
		if outstanding <= tag {
			delete(s.delivered, outstanding)
		}
	}
	s.mu.Unlock()
	s.backend.recordAck(id)
	return nil
}

func (s *subHandle) Nack(_ context.Context, id flowmq.MessageID) error {
	if s.closed {
		return flowmq.ErrNotConnected
	}
	tag := id.(uint64)
	s.mu.Lock()
	msg, known := s.delivered[tag]
	delete(s.delivered, tag)
	s.mu.Unlock()
	if !known {
		msg = flowmq.Message{ID: id}
	}

	s.queue.mu.Lock()
	s.queue.pending = append(s.queue.pending, msg)
	s.queue.mu.Unlock()

	s.backend.recordNack(id)
	return nil
}

func (s *subHandle) CumulativeAck() bool { return true }

func (s *subHandle) Stream(ctx context.Context, timeout time.Duration) (flowmq.MessageStream, error) {
	if s.closed {
		return nil, flowmq.ErrNotConnected
	}
	return &messageStream{sub: s, timeout: timeout}, nil
}

func (s *subHandle) Close() error {
	s.closed = true
	return nil
}

// InjectUpstreamError arranges for the next Stream.Next call on any stream
// currently or subsequently opened from this SubHandle to fail with err.
// Used to exercise spec.md §8 scenario 6 (upstream error propagation).
func (s *subHandle) InjectUpstreamError(err error) {
	s.mu.Lock()
	s.injectedErr = err
	s.mu.Unlock()
}

// Injectable is implemented by the SubHandle this package returns. Tests
// type-assert to it to call InjectUpstreamError without depending on the
// unexported concrete type.
type Injectable interface {
	InjectUpstreamError(err error)
}

var _ Injectable = (*subHandle)(nil)

type messageStream struct {
	sub     *subHandle
	timeout time.Duration
	closed  bool
}

func (m *messageStream) Next(ctx context.Context) (*flowmq.Message, error) {
	if m.closed {
		return nil, flowmq.ErrNotConnected
	}

	m.sub.mu.Lock()
	injected := m.sub.injectedErr
	m.sub.injectedErr = nil
	m.sub.mu.Unlock()
	if injected != nil {
		return nil, injected
	}

	deadline := time.Now().Add(m.timeout)
	for {
		m.sub.queue.mu.Lock()
		if len(m.sub.queue.pending) > 0 {
			msg := m.sub.queue.pending[0]
			m.sub.queue.pending = m.sub.queue.pending[1:]
			m.sub.queue.mu.Unlock()
			m.sub.markDelivered(msg)
			return &msg, nil
		}
		m.sub.queue.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *messageStream) Close() error {
	m.closed = true
	return nil
}
