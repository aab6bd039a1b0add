package remote

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/ledger/memledger"
)

type flakyLedger struct {
	*memledger.Ledger
	fail atomic.Bool
}

func (f *flakyLedger) CurrentPoolID(ctx context.Context) (uint64, error) {
	if f.fail.Load() {
		return 0, errors.New("rpc unavailable")
	}
	return f.Ledger.CurrentPoolID(ctx)
}

func newFixture(t *testing.T) (*flakyLedger, *Reader, ledger.Identity) {
	t.Helper()
	ml := memledger.New(memledger.Config{ChainID: 42220, PoolSize: 4, EntryFee: big.NewInt(1), AutoMine: true})
	fl := &flakyLedger{Ledger: ml}
	me := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return fl, New(fl, me, Options{PoolSize: 4, Interval: time.Hour}), me
}

func TestPollOncePublishesFreshView(t *testing.T) {
	fl, r, me := newFixture(t)
	fl.Occupy(common.HexToAddress("0x01"), false)
	fl.Occupy(me, false)

	v := r.PollOnce(context.Background())
	if !v.Ready() || v.Seq != 1 || v.Stale {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.Snapshot.Slots[1].Occupant != me || v.Status.SlotsUsed != 1 || v.ActivePoolID != 1 {
		t.Fatalf("unexpected contents: snap=%+v status=%+v active=%d", v.Snapshot, v.Status, v.ActivePoolID)
	}
	if r.Latest().Seq != 1 {
		t.Fatalf("Latest not updated")
	}
}

func TestReadFailureKeepsPreviousSnapshot(t *testing.T) {
	fl, r, _ := newFixture(t)
	first := r.PollOnce(context.Background())

	fl.fail.Store(true)
	v := r.PollOnce(context.Background())
	if !v.Stale || v.Err == nil {
		t.Fatalf("expected stale view, got %+v", v)
	}
	if v.Snapshot != first.Snapshot || v.Seq != first.Seq {
		t.Fatalf("failed poll must not replace the snapshot")
	}

	fl.fail.Store(false)
	v = r.PollOnce(context.Background())
	if v.Stale || v.Err != nil || v.Seq != 2 {
		t.Fatalf("recovery poll: %+v", v)
	}
}

func TestSnapshotsAreReplacedNotPatched(t *testing.T) {
	fl, r, _ := newFixture(t)
	a := r.PollOnce(context.Background())
	fl.Occupy(common.HexToAddress("0x02"), false)
	b := r.PollOnce(context.Background())
	if a.Snapshot == b.Snapshot {
		t.Fatalf("expected a new snapshot value")
	}
	if a.Snapshot.OccupiedCount() != 0 || b.Snapshot.OccupiedCount() != 1 {
		t.Fatalf("old snapshot mutated: a=%d b=%d", a.Snapshot.OccupiedCount(), b.Snapshot.OccupiedCount())
	}
}

func TestRunRefetchNotifiesSubscribers(t *testing.T) {
	_, r, _ := newFixture(t)
	ch, unsub := r.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case v := <-ch:
		if v.Seq != 1 {
			t.Fatalf("first view seq=%d", v.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial poll")
	}

	r.Refetch()
	select {
	case v := <-ch:
		if v.Seq != 2 {
			t.Fatalf("refetch view seq=%d", v.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refetch did not poll")
	}
}
