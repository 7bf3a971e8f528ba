// Package redisstore is a flowstate.Backend on Redis, for proxies or engines
// that share flow state across processes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "oaf"

var errRedisUnavailable = errors.New("flow state redis unavailable")

type Backend struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

var _ flowstate.Backend = (*Backend)(nil)

// New wraps a client. Keys are stored as "<prefix>:<key>", so a trailing
// colon on prefix is dropped; a zero ttl keeps values until deleted.
func New(client *redis.Client, prefix string, ttl time.Duration) *Backend {
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Backend{redis: client, prefix: prefix, ttl: ttl}
}

func (b *Backend) key(k string) string {
	return b.prefix + ":" + k
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.redis.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flowstate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := b.redis.Set(ctx, b.key(key), value, b.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	return nil
}

// Keys scans for prefixed keys. Glob metacharacters in the prefix are escaped.
func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := b.key(escapeGlob(prefix)) + "*"
	keys := make([]string, 0)
	iter := b.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
