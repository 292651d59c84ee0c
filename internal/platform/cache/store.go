package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scanBatch        = 500
	generationPrefix = "cachegen:"
)

// setIfCurrent writes KEYS[1] only while every generation in KEYS[2..] still equals
// the matching ARGV[3..] snapshot.
var setIfCurrent = redis.NewScript(`
for i = 2, #KEYS do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0') or 0
  if current ~= tonumber(ARGV[i + 1]) then
    return 0
  end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Store is the key/value port used by the read path and the write paths' invalidation.
// Every invalidated prefix carries a generation counter; a value loaded under an older
// generation is never stored.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Generations(ctx context.Context, prefixes []string) ([]int64, error)
	SetIfCurrent(ctx context.Context, key string, payload []byte, ttl time.Duration, prefixes []string, generations []int64) (bool, error)
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the payload stored at key. A missing key is reported as found=false.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, nil
	}
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	return payload, true, nil
}

// Set stores payload at key for ttl. A zero ttl keeps the key until invalidated.
func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}

// Generations returns the current generation of each prefix. Unknown prefixes are 0.
func (s *RedisStore) Generations(ctx context.Context, prefixes []string) ([]int64, error) {
	gens := make([]int64, len(prefixes))
	if s == nil || s.client == nil || len(prefixes) == 0 {
		return gens, nil
	}
	values, err := s.client.MGet(ctx, generationKeys(prefixes)...).Result()
	if err != nil {
		return nil, fmt.Errorf("platform/cache: generations: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("platform/cache: generation %s: %w", prefixes[i], err)
		}
		gens[i] = n
	}
	return gens, nil
}

// SetIfCurrent stores payload at key only if no prefix was invalidated since generations
// were read. It reports whether the value was stored.
func (s *RedisStore) SetIfCurrent(ctx context.Context, key string, payload []byte, ttl time.Duration, prefixes []string, generations []int64) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	if len(prefixes) != len(generations) {
		return false, errors.New("platform/cache: generation snapshot mismatch")
	}
	keys := append([]string{key}, generationKeys(prefixes)...)
	args := make([]any, 0, 2+len(generations))
	args = append(args, payload, ttl.Milliseconds())
	for _, g := range generations {
		args = append(args, g)
	}
	stored, err := setIfCurrent.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return stored == 1, nil
}

// InvalidatePrefix bumps the prefix generation and deletes every key starting with prefix.
func (s *RedisStore) InvalidatePrefix(ctx context.Context, prefix string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if prefix == "" {
		return errors.New("platform/cache: empty invalidation prefix")
	}
	if err := s.client.Incr(ctx, generationPrefix+prefix).Err(); err != nil {
		return fmt.Errorf("platform/cache: bump %s: %w", prefix, err)
	}
	match := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("platform/cache: scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("platform/cache: unlink %s: %w", prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Key composes a deterministic key. Every part is query-escaped so separators inside
// filter values cannot make two different filter sets collide.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.QueryEscape(p)
	}
	return strings.Join(escaped, ":")
}

// Prefix composes a key prefix that matches every key built from the same leading parts.
func Prefix(parts ...string) string {
	return Key(parts...) + ":"
}

// Scopes lists the prefixes of key that Prefix can produce, shortest first.
func Scopes(key string) []string {
	parts := strings.Split(key, ":")
	scopes := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		scopes = append(scopes, strings.Join(parts[:i], ":")+":")
	}
	return scopes
}

func generationKeys(prefixes []string) []string {
	keys := make([]string, len(prefixes))
	for i, p := range prefixes {
		keys[i] = generationPrefix + p
	}
	return keys
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
