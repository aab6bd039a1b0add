package txtrack

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/ledger/memledger"
)

var me = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTracker(t *testing.T, opts Options) (*memledger.Ledger, *Tracker) {
	t.Helper()
	ml := memledger.New(memledger.Config{ChainID: 42220, PoolSize: 4, EntryFee: big.NewInt(1)})
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	tr := New(ml, ml, opts)
	t.Cleanup(tr.Close)
	return ml, tr
}

func drain(ch <-chan Update) []Status {
	var out []Status
	for {
		select {
		case u := <-ch:
			out = append(out, u.Status)
		default:
			return out
		}
	}
}

func TestTrackerPendingConfirmingSuccess(t *testing.T) {
	ml, tr := newTracker(t, Options{})
	ch, unsub := tr.Subscribe()
	defer unsub()
	ctx := context.Background()

	pw, err := tr.Initiate(ctx, ledger.JoinSlot(me, 1, big.NewInt(1)))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if pw.Status != StatusPending || pw.Handle == (ledger.Handle{}) {
		t.Fatalf("unexpected initial record: %+v", pw)
	}
	if got, _ := tr.Refresh(ctx, pw.Handle); got.Status != StatusPending {
		t.Fatalf("unmined write should stay pending, got %s", got.Status)
	}

	ml.Mine()
	got, err := tr.Refresh(ctx, pw.Handle)
	if err != nil || got.Status != StatusSuccess {
		t.Fatalf("after mining: status=%s err=%v", got.Status, err)
	}
	seq := drain(ch)
	want := []Status{StatusPending, StatusConfirming, StatusSuccess}
	if len(seq) != len(want) {
		t.Fatalf("updates=%v want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("updates=%v want %v", seq, want)
		}
	}

	// 터미널 이후 재조회는 전이를 만들지 않는다
	if again, _ := tr.Refresh(ctx, pw.Handle); again.Status != StatusSuccess {
		t.Fatalf("terminal status changed: %s", again.Status)
	}
	if extra := drain(ch); len(extra) != 0 {
		t.Fatalf("unexpected extra updates: %v", extra)
	}
}

func TestTrackerRevertIsFailure(t *testing.T) {
	ml, tr := newTracker(t, Options{})
	ctx := context.Background()
	pw, err := tr.Initiate(ctx, ledger.JoinSlot(me, 1, big.NewInt(1)))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	ml.RevertNext()
	ml.Mine()
	got, _ := tr.Refresh(ctx, pw.Handle)
	if got.Status != StatusFailure || !errors.Is(got.Reason, ErrReverted) {
		t.Fatalf("expected reverted failure, got %+v", got)
	}
}

func TestTrackerWaitsForConfirmations(t *testing.T) {
	ml, tr := newTracker(t, Options{Confirmations: 2})
	ctx := context.Background()
	pw, _ := tr.Initiate(ctx, ledger.JoinSlot(me, 1, big.NewInt(1)))
	ml.Mine()
	if got, _ := tr.Refresh(ctx, pw.Handle); got.Status != StatusConfirming {
		t.Fatalf("one block deep: %s", got.Status)
	}
	ml.Mine()
	if got, _ := tr.Refresh(ctx, pw.Handle); got.Status != StatusSuccess {
		t.Fatalf("two blocks deep: %s", got.Status)
	}
}

func TestTrackerSendRejectionRecordsNothing(t *testing.T) {
	ml, tr := newTracker(t, Options{})
	ml.RejectNext(memledger.ErrUserRejected)
	_, err := tr.Initiate(context.Background(), ledger.JoinSlot(me, 1, big.NewInt(1)))
	if !errors.Is(err, memledger.ErrUserRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := tr.Status(common.Hash{}); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

type failingPreflight struct{ err error }

func (f failingPreflight) Ensure(context.Context) error { return f.err }

func TestTrackerPreflightBlocksSend(t *testing.T) {
	boom := errors.New("wrong network")
	ml, tr := newTracker(t, Options{Preflight: failingPreflight{err: boom}})
	_, err := tr.Initiate(context.Background(), ledger.JoinSlot(me, 1, big.NewInt(1)))
	if !errors.Is(err, boom) {
		t.Fatalf("expected preflight error, got %v", err)
	}
	if ml.Pending() != 0 {
		t.Fatalf("write sent despite failed preflight")
	}
}

func TestTrackerWatcherReachesTerminal(t *testing.T) {
	ml, tr := newTracker(t, Options{PollInterval: 10 * time.Millisecond})
	ch, unsub := tr.Subscribe()
	defer unsub()
	pw, _ := tr.Initiate(context.Background(), ledger.JoinSlot(me, 1, big.NewInt(1)))
	ml.Mine()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Handle == pw.Handle && u.Status == StatusSuccess {
				return
			}
		case <-deadline:
			t.Fatalf("watcher never reported success")
		}
	}
}

func TestConsumerConsumesEachHandleOnce(t *testing.T) {
	c := NewConsumer(nil)
	h1, h2 := common.Hash{1}, common.Hash{2}

	c.Await(h1)
	ok := Update{Handle: h1, Status: StatusSuccess}
	if !c.Consume(ok) {
		t.Fatalf("first success for awaited handle must be consumed")
	}
	if c.Consume(ok) {
		t.Fatalf("repeated success consumed twice")
	}

	// 새 시도를 기다리는 동안 이전 handle의 success가 다시 보여도 무시한다
	c.Await(h2)
	if c.Consume(ok) {
		t.Fatalf("stale success from h1 consumed while awaiting h2")
	}
	if c.Consume(Update{Handle: h2, Status: StatusConfirming}) {
		t.Fatalf("non-terminal update consumed")
	}
	if !c.Consume(Update{Handle: h2, Status: StatusSuccess}) || c.LastConsumed() != h2 {
		t.Fatalf("h2 success not consumed")
	}
}

func TestConsumerIgnoresUnawaitedHandle(t *testing.T) {
	c := NewConsumer(nil)
	if c.Consume(Update{Handle: common.Hash{9}, Status: StatusSuccess}) {
		t.Fatalf("consumed a success nobody awaited")
	}
}
