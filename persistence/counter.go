// Package persistence implements the small amount of durable state
// spec §6 names: the monotonic event-id counter, the VoIP countries
// file, and the rate-limited alert-log writer.
package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// CounterStore persists the monotonic event_id counter (spec.md: "Event
// IDs are a monotonic process-wide counter persisted to a small file
// after every allocation"). Its shape matches dnsamp.EventIDAllocator
// and alert.EventIDAllocator, so one store backs every detector.
type CounterStore interface {
	Next() (uint64, error)
}

// FileCounterStore persists the counter as a plain decimal number,
// rewritten after every allocation via a temp-file rename for
// atomicity (spec.md's literal wording: a file, not a database).
type FileCounterStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
	n    uint64
}

// NewFileCounterStore loads the current counter value from path if it
// exists, or starts at 0.
func NewFileCounterStore(fs afero.Fs, path string) (*FileCounterStore, error) {
	s := &FileCounterStore{fs: fs, path: path}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return s, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return s, nil
	}
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("counter file %s: %w", path, err)
	}
	s.n = n
	return s, nil
}

// Next allocates and persists the next counter value.
func (s *FileCounterStore) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.n + 1
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		return 0, err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	s.n = next
	return s.n, nil
}

// RedisCounterStore persists the counter via INCR, for deployments
// that share one event-id sequence across multiple processes or
// hosts. Adapted from etalazz-vsa's persistence/factory.go Redis
// adapter, generalized from an idempotent-commit marker scheme to a
// plain atomic counter (INCR is already atomic; no Lua script needed).
type RedisCounterStore struct {
	client *redis.Client
	key    string
}

func NewRedisCounterStore(client *redis.Client, key string) *RedisCounterStore {
	return &RedisCounterStore{client: client, key: key}
}

func (s *RedisCounterStore) Next() (uint64, error) {
	n, err := s.client.Incr(context.Background(), s.key).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// NewCounterStore selects a CounterStore adapter by name, mirroring
// etalazz-vsa's persistence/factory.go BuildPersister selector
// pattern: an empty/"file" selector is the spec-mandated default,
// "redis" opts into the shared-sequence backend.
func NewCounterStore(adapter string, fs afero.Fs, filePath string, redisClient *redis.Client, redisKey string) (CounterStore, error) {
	switch adapter {
	case "", "file":
		return NewFileCounterStore(fs, filePath)
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("persistence: redis counter store requested but no redis client configured")
		}
		return NewRedisCounterStore(redisClient, redisKey), nil
	default:
		return nil, fmt.Errorf("persistence: unknown counter store adapter %q", adapter)
	}
}
