package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type memoryUsageStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryUsageStore создаёт счётчики в памяти процесса.
func NewMemoryUsageStore() UsageStore {
	return &memoryUsageStore{counts: make(map[string]int64)}
}

func (s *memoryUsageStore) Reserve(_ context.Context, code string, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > 0 && s.counts[code] >= limit {
		return false, nil
	}
	s.counts[code]++
	return true, nil
}

func (s *memoryUsageStore) Release(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[code] > 0 {
		s.counts[code]--
	}
	return nil
}

func (s *memoryUsageStore) Count(_ context.Context, code string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[code], nil
}

// reserveScript увеличивает счётчик и откатывает его, если лимит превышен.
var reserveScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local limit = tonumber(ARGV[1])
if limit > 0 and n > limit then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

type redisUsageStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisUsageStore хранит счётчики в Redis, общие для всех инстансов сервиса.
func NewRedisUsageStore(client redis.UniversalClient, prefix string) UsageStore {
	if prefix == "" {
		prefix = "order-lifecycle:promotion-usage:"
	}
	return &redisUsageStore{client: client, prefix: prefix}
}

func (s *redisUsageStore) key(code string) string {
	return s.prefix + code
}

func (s *redisUsageStore) Reserve(ctx context.Context, code string, limit int64) (bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(code)}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve %s: %w", code, err)
	}
	return res == 1, nil
}

func (s *redisUsageStore) Release(ctx context.Context, code string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(code)}).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", code, err)
	}
	return nil
}

func (s *redisUsageStore) Count(ctx context.Context, code string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(code)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", code, err)
	}
	return n, nil
}
