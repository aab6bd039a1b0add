package verifyoracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Record is one positive verification waiting to be picked up.
type Record struct {
	UserID        string    `json:"user_id"`
	VerifiedAt    time.Time `json:"verified_at"`
	AttestationID string    `json:"attestation_id,omitempty"`
}

// Store keeps verification results for a short window and hands each out once.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func normalizeUser(user string) string { return strings.ToLower(strings.TrimSpace(user)) }

func (s *Store) keyResult(user string) string { return "vs:result:" + normalizeUser(user) }

// MarkVerified records a positive result, replacing any unconsumed one.
func (s *Store) MarkVerified(ctx context.Context, rec *Record) error {
	if rec == nil || normalizeUser(rec.UserID) == "" {
		return ErrMissingUser
	}
	rec.UserID = normalizeUser(rec.UserID)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyResult(rec.UserID), raw, s.ttl).Err()
}

// Consume returns and deletes the user's result. nil means none or expired.
func (s *Store) Consume(ctx context.Context, user string) (*Record, error) {
	if normalizeUser(user) == "" {
		return nil, ErrMissingUser
	}
	raw, err := s.rdb.GetDel(ctx, s.keyResult(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
