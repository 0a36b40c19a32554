package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by [RedisLog].
const DefaultKeyPrefix = "koschei:history:"

// RedisLog is a [Log] backed by Redis lists, one per (round, speaker), so
// several façade replicas share the same history.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
	max    int
	ttl    time.Duration
}

// RedisOption is a functional option for [NewRedisLog].
type RedisOption func(*RedisLog)

// WithKeyPrefix overrides [DefaultKeyPrefix].
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLog) { l.prefix = prefix }
}

// WithTTL expires a log after it has been idle for ttl. Zero keeps logs
// forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLog) { l.ttl = ttl }
}

// NewRedisLog creates a RedisLog on client retaining at most max messages per
// key. max <= 0 selects [DefaultMaxMessages]. The client is owned by the
// caller.
func NewRedisLog(client redis.UniversalClient, max int, opts ...RedisOption) *RedisLog {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	l := &RedisLog{client: client, prefix: DefaultKeyPrefix, max: max}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Dial connects to the Redis server at addr and verifies it with a PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("history: connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// keyEscaper percent-encodes the separator (and the escape character itself)
// so distinct (round, speaker) pairs never share a key.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func (l *RedisLog) key(round, speaker string) string {
	return l.prefix + keyEscaper.Replace(round) + ":" + keyEscaper.Replace(speaker)
}

// Append implements [Log]. The push and trim run in one MULTI/EXEC.
func (l *RedisLog) Append(ctx context.Context, round, speaker, text string) error {
	key := l.key(round, speaker)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, text)
		pipe.LTrim(ctx, key, int64(-l.max), -1)
		if l.ttl > 0 {
			pipe.Expire(ctx, key, l.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", key, err)
	}
	return nil
}

// Recent implements [Log].
func (l *RedisLog) Recent(ctx context.Context, round, speaker string, n int) ([]string, error) {
	key := l.key(round, speaker)
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	msgs, err := l.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: recent %s: %w", key, err)
	}
	return msgs, nil
}

// Ping verifies the Redis connection.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Log = (*RedisLog)(nil)
