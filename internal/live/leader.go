package live

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeader is a lease on a Redis key. The holder must call Hold more
// often than ttl or the lease passes to another process.
type RedisLeader struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Leader returns a relay lease sharing the broker's connection.
func (b *RedisBroker) Leader(ttl time.Duration) *RedisLeader {
	return NewRedisLeader(b.client, b.prefix+"relay-leader", ttl)
}

func NewRedisLeader(client *redis.Client, key string, ttl time.Duration) *RedisLeader {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLeader{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLeader) Hold(ctx context.Context) (bool, error) {
	renewed, err := renewLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if renewed == 1 {
		return true, nil
	}
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *RedisLeader) Release(ctx context.Context) error {
	return releaseLease.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
