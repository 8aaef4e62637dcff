package live

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"buscart/internal/config"
	"buscart/internal/log"
	"buscart/internal/metrics"
)

// RedisBroker fans live messages out through Redis pub/sub so every API
// process sees events relayed by any other.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg config.RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisBroker{client: client, prefix: "buscart:"}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, msg).Err(); err != nil {
		metrics.IncLiveDrop("redis_error")
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}
	s := &redisSub{
		ps:       ps,
		ch:       make(chan []byte, subscriberBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.pump(topic)
	return s, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps       *redis.PubSub
	ch       chan []byte
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

func (s *redisSub) pump(topic string) {
	defer close(s.finished)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				s.once.Do(func() { close(s.done) })
				return
			}
			select {
			case s.ch <- []byte(m.Payload):
			case <-s.done:
				return
			default:
				metrics.IncLiveDrop("slow_subscriber")
				l := log.WithComponent("live")
				l.Debug().Str("topic", topic).Msg("dropping message for slow subscriber")
			}
		}
	}
}

func (s *redisSub) C() <-chan []byte      { return s.ch }
func (s *redisSub) Done() <-chan struct{} { return s.done }

func (s *redisSub) Close() error {
	s.once.Do(func() { close(s.done) })
	err := s.ps.Close()
	<-s.finished
	return err
}

var _ Broker = (*RedisBroker)(nil)
