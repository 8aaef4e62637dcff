package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"buscart/internal/log"
	"buscart/internal/metrics"
)

// Broker moves encoded live messages between publishers and subscribers of a
// topic. Delivery is best effort: a subscriber that is not connected when a
// message is published never sees it.
type Broker interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is one consumer of a topic. C is never closed; consumers stop
// reading when Done is closed.
type Subscription interface {
	C() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

const (
	subscriberBuffer = 64
	dropLogEvery     = 100
)

var dropCount atomic.Uint64

// MemoryBroker is the in-process broker used by single-node deployments and
// tests.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string][]*memSub
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memSub)}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg []byte) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	subs := append([]*memSub(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			reason := dropReason(ctx.Err())
			metrics.IncLiveDrop(reason)
			if n := dropCount.Add(1); n%dropLogEvery == 0 {
				l := log.WithComponent("live")
				l.Warn().Str("topic", topic).Str("reason", reason).Uint64("dropped", n).
					Msg("memory broker failed to publish before deadline")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &memSub{b: b, topic: topic, ch: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s, nil
}

// Close drops every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()
	for _, lst := range all {
		for _, s := range lst {
			s.once.Do(func() { close(s.done) })
		}
	}
	return nil
}

// Subscribers reports how many subscriptions a topic has.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

type memSub struct {
	b     *MemoryBroker
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *memSub) C() <-chan []byte      { return s.ch }
func (s *memSub) Done() <-chan struct{} { return s.done }

func (s *memSub) Close() error {
	s.b.mu.Lock()
	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	s.b.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
