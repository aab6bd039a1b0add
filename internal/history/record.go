// Package history persists settled attempts: the target, the submitted guess,
// the accuracy that went on-chain and the submission handle.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrDuplicateAttempt = errors.New("attempt already recorded")

// Record is one settled attempt.
type Record struct {
	ID        int64
	AttemptID string
	Identity  string // lowercase 0x address
	PoolID    uint64
	Slot      int

	TargetH, TargetS, TargetL float64
	GuessH, GuessS, GuessL    float64

	Accuracy       float64
	ScaledAccuracy uint16
	Tier           string

	JoinHandle   string
	SubmitHandle string

	StartedAt time.Time
	SettledAt time.Time
}

// Repository stores settled attempts. InsertAttempt is idempotent per AttemptID
// and reports ErrDuplicateAttempt on replays.
type Repository interface {
	InsertAttempt(ctx context.Context, rec *Record) (int64, error)
	RecentAttempts(ctx context.Context, identity string, limit int) ([]*Record, error)
	PoolAttempts(ctx context.Context, poolID uint64) ([]*Record, error)
	BestAccuracy(ctx context.Context, identity string) (float64, bool, error)
}
