package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatePending  = "pending"
	StateAcked    = "acked"
	StateReleased = "released"
)

// Entry is what the ledger remembers about one keyed inventory call.
type Entry struct {
	State string `json:"state"`
	Ack   Ack    `json:"ack"`
}

// KeyLedger records outstanding and completed idempotency keys.
type KeyLedger interface {
	// Acquire marks key pending if it is unknown. When the key already exists
	// the stored entry is returned with acquired=false.
	Acquire(ctx context.Context, key string, ttl time.Duration) (entry Entry, acquired bool, err error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "inventory:idem:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) Acquire(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	pending, err := json.Marshal(Entry{State: StatePending})
	if err != nil {
		return Entry{}, false, err
	}
	ok, err := l.client.SetNX(ctx, l.prefix+key, pending, ttl).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger acquire %s: %w", key, err)
	}
	if ok {
		return Entry{State: StatePending}, true, nil
	}

	raw, err := l.client.Get(ctx, l.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as a fresh acquire
		return l.Acquire(ctx, key, ttl)
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger read %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("ledger decode %s: %w", key, err)
	}
	return entry, false, nil
}

func (l *RedisLedger) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("ledger put %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Forget(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("ledger forget %s: %w", key, err)
	}
	return nil
}

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// MemoryLedger is a process-local KeyLedger for single-instance deployments
// and tests.
type MemoryLedger struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{items: make(map[string]memoryItem), now: time.Now}
}

func (l *MemoryLedger) Acquire(_ context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if item, ok := l.items[key]; ok && now.Before(item.expires) {
		return item.entry, false, nil
	}
	entry := Entry{State: StatePending}
	l.items[key] = memoryItem{entry: entry, expires: now.Add(ttl)}
	return entry, true, nil
}

func (l *MemoryLedger) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = memoryItem{entry: entry, expires: l.now().Add(ttl)}
	return nil
}

func (l *MemoryLedger) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
	return nil
}
