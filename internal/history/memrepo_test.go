package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepositoryInsertIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := &Record{AttemptID: "a-1", Identity: "0xAbC", PoolID: 3, Accuracy: 91.5, SettledAt: time.Now()}

	id, err := repo.InsertAttempt(ctx, rec)
	if err != nil || id != 1 {
		t.Fatalf("insert: id=%d err=%v", id, err)
	}
	if _, err := repo.InsertAttempt(ctx, rec); !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	got, _ := repo.RecentAttempts(ctx, "0xabc", 5)
	if len(got) != 1 || got[0].Identity != "0xabc" {
		t.Fatalf("recent: %+v", got)
	}
}

func TestMemoryRepositoryOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i, acc := range []float64{70, 95, 95, 40} {
		rec := &Record{
			AttemptID: string(rune('a' + i)),
			Identity:  "0x01",
			PoolID:    1,
			Accuracy:  acc,
			SettledAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := repo.InsertAttempt(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	recent, _ := repo.RecentAttempts(ctx, "0x01", 2)
	if len(recent) != 2 || recent[0].AttemptID != "d" || recent[1].AttemptID != "c" {
		t.Fatalf("recent order: %s %s", recent[0].AttemptID, recent[1].AttemptID)
	}

	pool, _ := repo.PoolAttempts(ctx, 1)
	if pool[0].AttemptID != "b" || pool[1].AttemptID != "c" || pool[3].AttemptID != "d" {
		t.Fatalf("pool order: %s %s %s", pool[0].AttemptID, pool[1].AttemptID, pool[3].AttemptID)
	}

	best, ok, _ := repo.BestAccuracy(ctx, "0x01")
	if !ok || best != 95 {
		t.Fatalf("best: %v %t", best, ok)
	}
	if _, ok, _ := repo.BestAccuracy(ctx, "0x02"); ok {
		t.Fatalf("unknown identity has a best")
	}
}
