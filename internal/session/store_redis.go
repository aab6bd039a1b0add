package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/colordrop-pool/internal/ledger"
)

// ResultStore keeps the scored but unsubmitted result per identity so a failed
// submission can be retried without replaying the round. An identity holds at
// most one unfinished slot, so one entry per identity suffices.
type ResultStore interface {
	Save(ctx context.Context, who ledger.Identity, r *GameResult) error
	Load(ctx context.Context, who ledger.Identity) (*GameResult, error)
	Delete(ctx context.Context, who ledger.Identity) error
}

const defaultResultTTL = 24 * time.Hour

// RedisResultStore is the durable ResultStore.
type RedisResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisResultStore(rdb *redis.Client, ttl time.Duration) *RedisResultStore {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisResultStore{rdb: rdb, ttl: ttl}
}

func keyResult(who ledger.Identity) string { return "cd:result:" + strings.ToLower(who.Hex()) }

func (s *RedisResultStore) Save(ctx context.Context, who ledger.Identity, r *GameResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyResult(who), raw, s.ttl).Err()
}

func (s *RedisResultStore) Load(ctx context.Context, who ledger.Identity) (*GameResult, error) {
	raw, err := s.rdb.Get(ctx, keyResult(who)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r GameResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisResultStore) Delete(ctx context.Context, who ledger.Identity) error {
	return s.rdb.Del(ctx, keyResult(who)).Err()
}

// MemoryResultStore is used in dev mode and when Redis is not configured.
type MemoryResultStore struct {
	mu sync.Mutex
	m  map[ledger.Identity]GameResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{m: make(map[ledger.Identity]GameResult)}
}

func (s *MemoryResultStore) Save(ctx context.Context, who ledger.Identity, r *GameResult) error {
	s.mu.Lock()
	s.m[who] = *r
	s.mu.Unlock()
	return nil
}

func (s *MemoryResultStore) Load(ctx context.Context, who ledger.Identity) (*GameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[who]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryResultStore) Delete(ctx context.Context, who ledger.Identity) error {
	s.mu.Lock()
	delete(s.m, who)
	s.mu.Unlock()
	return nil
}
