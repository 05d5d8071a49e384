// Package idempotency deduplicates workflow start requests that carry an
// X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/rcmflow/model"
)

// Store remembers which instance a key started. The key format is
// "idem:start:{actorId}:{key}".
type Store interface {
	// Check looks up a previous start by key. A key reused with a different
	// request hash yields a CONFLICT error.
	Check(ctx context.Context, key string, requestHash string) (instanceID string, found bool, err error)

	// Save records the instance started for key.
	Save(ctx context.Context, key string, requestHash string, instanceID string, ttl time.Duration) error
}

type entry struct {
	RequestHash string `json:"request_hash"`
	InstanceID  string `json:"instance_id"`
}

// FormatKey builds the storage key for a client supplied idempotency key.
// Keys are scoped per actor.
func FormatKey(actorID, key string) string {
	return fmt.Sprintf("idem:start:%s:%s", actorID, key)
}

// HashRequest returns the hex SHA-256 of a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check implements Store. Expired entries are removed on access.
func (s *MemoryStore) Check(_ context.Context, key string, requestHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	if e.data.RequestHash != requestHash {
		return "", true, conflict(key)
	}
	return e.data.InstanceID, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key string, requestHash string, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, InstanceID: instanceID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, requestHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return "", true, conflict(key)
	}
	return e.InstanceID, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, requestHash string, instanceID string, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
