package session

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/ledger/memledger"
	"github.com/park285/colordrop-pool/internal/network"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/slots"
	"github.com/park285/colordrop-pool/internal/txtrack"
	"github.com/park285/colordrop-pool/internal/verify"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

const chainID = 42220

type fakeOracle struct {
	calls     atomic.Int32
	succeedAt atomic.Int32
}

func (f *fakeOracle) Check(ctx context.Context, _ ledger.Identity) (bool, error) {
	n := f.calls.Add(1)
	at := f.succeedAt.Load()
	return at > 0 && n >= at, nil
}

type harness struct {
	led     *memledger.Ledger
	reader  *remote.Reader
	tracker *txtrack.Tracker
	gate    *verify.Gate
	oracle  *fakeOracle
	results *MemoryResultStore
	hist    history.Repository
	o       *Orchestrator
}

func newHarness(t *testing.T, poolSize int, setup func(*memledger.Ledger)) *harness {
	t.Helper()
	led := memledger.New(memledger.Config{ChainID: chainID, PoolSize: poolSize, EntryFee: big.NewInt(100), AutoMine: true})
	if setup != nil {
		setup(led)
	}
	reader := remote.New(led, alice, remote.Options{PoolSize: poolSize, Interval: time.Hour})
	tracker := txtrack.New(led, led, txtrack.Options{PollInterval: 5 * time.Millisecond, Preflight: network.NewGuard(led, chainID)})
	oracle := &fakeOracle{}
	gate := verify.NewGate(oracle, alice, verify.Options{Interval: 5 * time.Millisecond, MaxAttempts: 50})
	results := NewMemoryResultStore()
	hist := history.NewMemoryRepository()
	o := New(reader, gate, tracker, Options{
		EntryFee:      big.NewInt(100),
		FID:           7,
		RoundDuration: 150 * time.Millisecond,
		Results:       results,
		History:       hist,
		Rand:          rand.New(rand.NewSource(1)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		o.Close()
		tracker.Close()
	})

	h := &harness{led: led, reader: reader, tracker: tracker, gate: gate, oracle: oracle, results: results, hist: hist, o: o}
	h.poll()
	return h
}

func (h *harness) poll() remote.View { return h.reader.PollOnce(context.Background()) }

func waitFor(t *testing.T, o *Orchestrator, what string, cond func(Attempt) bool) Attempt {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := o.Attempt(); cond(a) {
			return a
		}
		time.Sleep(2 * time.Millisecond)
	}
	a := o.Attempt()
	t.Fatalf("timed out waiting for %s (state=%s err=%v)", what, a.State, a.Err)
	return Attempt{}
}

func waitState(t *testing.T, o *Orchestrator, s State) Attempt {
	t.Helper()
	return waitFor(t, o, string(s), func(a Attempt) bool { return a.State == s })
}

// playToScored drives a skippable claim of slot up to a scored perfect match.
func playToScored(t *testing.T, h *harness, slot int) Attempt {
	t.Helper()
	ctx := context.Background()
	if _, err := h.o.ClickSlot(ctx, slot); err != nil {
		t.Fatalf("ClickSlot(%d): %v", slot, err)
	}
	if err := h.o.SkipVerification(); err != nil {
		t.Fatalf("SkipVerification: %v", err)
	}
	if err := h.o.ConfirmPayment(ctx); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	a := waitState(t, h.o, StatePlaying)
	if err := h.o.AdjustColor(a.Target); err != nil {
		t.Fatalf("AdjustColor: %v", err)
	}
	return waitState(t, h.o, StateScored)
}

func TestSkippableClaimPlaysAndSettles(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()

	d, err := h.o.ClickSlot(ctx, 0)
	if err != nil || d.Action != slots.OpenGate || !d.Skippable {
		t.Fatalf("ClickSlot: %+v err=%v", d, err)
	}
	if a := h.o.Attempt(); a.State != StateGate || !a.Skippable || a.ID == "" {
		t.Fatalf("attempt after click: %+v", a)
	}
	if err := h.o.SkipVerification(); err != nil {
		t.Fatalf("SkipVerification: %v", err)
	}
	if s := h.o.Attempt().State; s != StatePaymentPending {
		t.Fatalf("skip should go straight to payment, got %s", s)
	}
	if err := h.o.ConfirmPayment(ctx); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	a := waitState(t, h.o, StatePlaying)
	if err := h.o.AdjustColor(a.Target); err != nil {
		t.Fatalf("AdjustColor: %v", err)
	}

	a = waitState(t, h.o, StateScored)
	if a.Result == nil || a.Result.Accuracy != 100 || a.Result.ScaledAccuracy != 10000 || a.Result.Tier != "perfect" {
		t.Fatalf("result: %+v", a.Result)
	}
	if err := h.o.AdjustColor(color.HSL{H: 10, S: 10, L: 10}); !errors.Is(err, ErrBadState) {
		t.Fatalf("adjust after timeout: %v", err)
	}
	if got := h.o.Attempt().Result; got.Accuracy != 100 || got.Guess != a.Target {
		t.Fatalf("result changed after timeout: %+v", got)
	}
	if saved, _ := h.results.Load(ctx, alice); saved == nil || saved.AttemptID != a.ID {
		t.Fatalf("scored result not saved: %+v", saved)
	}

	if err := h.o.SubmitScore(ctx); err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	waitState(t, h.o, StateSettled)

	pl, err := h.led.Player(ctx, 1, 0)
	if err != nil || !pl.Submitted || pl.Accuracy != 10000 || pl.FID != 7 {
		t.Fatalf("ledger player: %+v err=%v", pl, err)
	}
	if saved, _ := h.results.Load(ctx, alice); saved != nil {
		t.Fatalf("saved result survived settlement")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, _ := h.hist.RecentAttempts(ctx, alice.Hex(), 5)
		if len(recs) == 1 {
			if recs[0].PoolID != 1 || recs[0].ScaledAccuracy != 10000 || recs[0].SubmitHandle == "" {
				t.Fatalf("history record: %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history not written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	v := h.poll()
	b := slots.Classify(v, alice, nil)
	if b.Slots[0].Class != slots.MineFinished {
		t.Fatalf("slot 0 after settle: %s", b.Slots[0].Class)
	}
}

func TestMandatoryGateIsNeverCached(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) {
		l.Occupy(alice, true)
		l.Occupy(alice, true)
		l.SetVerified(alice, true)
	})
	ctx := context.Background()

	d, err := h.o.ClickSlot(ctx, 5)
	if err != nil || d.Action != slots.OpenGate || d.Skippable {
		t.Fatalf("ClickSlot: %+v err=%v", d, err)
	}
	if err := h.o.SkipVerification(); !errors.Is(err, verify.ErrNotSkippable) {
		t.Fatalf("skip at the limit: %v", err)
	}
	h.oracle.succeedAt.Store(2)
	if _, err := h.o.BeginVerification(verify.PathDeepLink); err != nil {
		t.Fatalf("BeginVerification: %v", err)
	}
	waitState(t, h.o, StatePaymentPending)
	if err := h.o.ConfirmPayment(ctx); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	a := waitState(t, h.o, StatePlaying)

	// 원장은 playerCount 위치(2)에 앉힌다; 클릭한 5번은 다음 스냅샷에서 비어 있어야 한다
	h.poll()
	b := h.o.Board()
	if b.Slots[2].Class != slots.MineUnfinished || b.Slots[5].Class != slots.Available {
		t.Fatalf("board after join: slot2=%s slot5=%s", b.Slots[2].Class, b.Slots[5].Class)
	}

	_ = h.o.AdjustColor(a.Target)
	waitState(t, h.o, StateScored)
	if err := h.o.SubmitScore(ctx); err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	waitState(t, h.o, StateSettled)
	h.poll()

	// 같은 세션에서 이미 인증했어도 다시 게이트를 거친다
	d, err = h.o.ClickSlot(ctx, 6)
	if err != nil || d.Action != slots.OpenGate || d.Skippable {
		t.Fatalf("second claim: %+v err=%v", d, err)
	}
	if a := h.o.Attempt(); a.State != StateGate || a.Skippable {
		t.Fatalf("second attempt must re-prompt: %+v", a)
	}
}

func TestUnfinishedSlotBlocksJoinAndReentersPlay(t *testing.T) {
	h := newHarness(t, 16, func(l *memledger.Ledger) {
		l.Occupy(bob, false)
		l.Occupy(bob, true)
		l.Occupy(bob, false)
		l.Occupy(alice, false)
	})
	ctx := context.Background()

	d, err := h.o.ClickSlot(ctx, 5)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || d.Action != slots.Blocked || Code(err) != "unfinished_game" {
		t.Fatalf("click on 5: %+v err=%v", d, err)
	}
	if s := h.o.Attempt().State; s != StateIdle {
		t.Fatalf("blocked click changed state to %s", s)
	}

	d, err = h.o.ClickSlot(ctx, 3)
	if err != nil || d.Action != slots.EnterPlay {
		t.Fatalf("click on 3: %+v err=%v", d, err)
	}
	if s := h.o.Attempt().State; s != StatePlaying {
		t.Fatalf("re-entry state: %s", s)
	}
	if h.gate.State() != verify.StateIdle || h.led.Pending() != 0 {
		t.Fatalf("re-entry must not open the gate or write")
	}

	for _, i := range []int{0, 1} {
		if _, err := h.o.ClickSlot(ctx, i); !errors.Is(err, ErrBadState) {
			t.Fatalf("click while playing: %v", err)
		}
	}
}

func TestOthersSlotNeverWrites(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) { l.Occupy(bob, false) })
	d, err := h.o.ClickSlot(context.Background(), 0)
	if err != nil || d.Action != slots.NoOp || d.Reason != slots.ReasonTaken {
		t.Fatalf("click on other's slot: %+v err=%v", d, err)
	}
	if h.o.Attempt().State != StateIdle || h.gate.State() != verify.StateIdle {
		t.Fatalf("taken slot started an attempt")
	}
}

func TestPaymentRejectionIsRetryable(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()
	h.led.RejectNext(memledger.ErrUserRejected)

	_, _ = h.o.ClickSlot(ctx, 0)
	_ = h.o.SkipVerification()
	err := h.o.ConfirmPayment(ctx)
	if !errors.Is(err, memledger.ErrUserRejected) {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	a := h.o.Attempt()
	if a.State != StateFailed || a.FailedFrom != StatePaymentPending || !errors.Is(a.Err, memledger.ErrUserRejected) || Code(a.Err) != "write_rejected" {
		t.Fatalf("failed attempt: %+v", a)
	}
	if b := h.o.Board(); b.Slots[0].Class != slots.Available || b.Slots[0].Pending {
		t.Fatalf("pending slot not cleared on failure: %+v", b.Slots[0])
	}

	if err := h.o.RetryPayment(ctx); err != nil {
		t.Fatalf("RetryPayment: %v", err)
	}
	waitState(t, h.o, StatePlaying)
}

func TestWrongNetworkAbortsBeforeSending(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()
	h.led.SetWalletChain(1)
	h.led.RejectSwitch(true)

	_, _ = h.o.ClickSlot(ctx, 0)
	_ = h.o.SkipVerification()
	err := h.o.ConfirmPayment(ctx)
	if !errors.Is(err, network.ErrWrongNetwork) || Code(err) != "network_switch_rejected" {
		t.Fatalf("ConfirmPayment on wrong chain: %v (code %s)", err, Code(err))
	}
	if info, _ := h.led.Pool(ctx, 1); info.PlayerCount != 0 {
		t.Fatalf("write reached the ledger: %d players", info.PlayerCount)
	}

	h.led.RejectSwitch(false)
	if err := h.o.RetryPayment(ctx); err != nil {
		t.Fatalf("RetryPayment after switch allowed: %v", err)
	}
	waitState(t, h.o, StatePlaying)
}

func TestRevertedSubmitKeepsResult(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()
	scored := playToScored(t, h, 0)

	h.led.RevertNext()
	if err := h.o.SubmitScore(ctx); err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	a := waitState(t, h.o, StateFailed)
	if a.FailedFrom != StateSubmitting || !errors.Is(a.Err, txtrack.ErrReverted) || Code(a.Err) != "write_reverted" {
		t.Fatalf("failed submit: %+v", a)
	}
	if a.Result == nil || a.Result.ScaledAccuracy != scored.Result.ScaledAccuracy || a.Result.AttemptID != scored.ID {
		t.Fatalf("result lost after failure: %+v", a.Result)
	}
	if saved, _ := h.results.Load(ctx, alice); saved == nil {
		t.Fatalf("saved result dropped after failure")
	}

	if err := h.o.RetrySubmit(ctx); err != nil {
		t.Fatalf("RetrySubmit: %v", err)
	}
	waitState(t, h.o, StateSettled)
	if pl, _ := h.led.Player(ctx, 1, 0); !pl.Submitted || pl.Accuracy != scored.Result.ScaledAccuracy {
		t.Fatalf("ledger after retry: %+v", pl)
	}
}

func TestSuccessConsumedAtMostOnce(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()
	_, _ = h.o.ClickSlot(ctx, 0)
	_ = h.o.SkipVerification()
	_ = h.o.ConfirmPayment(ctx)
	playing := waitState(t, h.o, StatePlaying)

	join := txtrack.Update{Kind: ledger.WriteJoin, Handle: playing.JoinHandle, Status: txtrack.StatusSuccess}
	stranger := txtrack.Update{Kind: ledger.WriteJoin, Handle: common.HexToHash("0x01"), Status: txtrack.StatusSuccess}
	for i := 0; i < 3; i++ {
		h.o.mu.Lock()
		h.o.handleUpdateLocked(join)
		h.o.handleUpdateLocked(stranger)
		h.o.mu.Unlock()
	}
	a := h.o.Attempt()
	if a.State != StatePlaying || a.Target != playing.Target || !a.RoundDeadline.Equal(playing.RoundDeadline) {
		t.Fatalf("repeated success restarted the round: %+v", a)
	}
	if h.o.consumer.LastConsumed() != playing.JoinHandle {
		t.Fatalf("last consumed handle: %s", h.o.consumer.LastConsumed().Hex())
	}

	scored := waitState(t, h.o, StateScored)
	h.o.mu.Lock()
	h.o.handleUpdateLocked(join)
	h.o.mu.Unlock()
	if a := h.o.Attempt(); a.State != StateScored || a.Result.AttemptID != scored.ID {
		t.Fatalf("stale join success after scoring: %+v", a)
	}
}

func TestCancelStopsVerificationAndPayment(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()

	_, _ = h.o.ClickSlot(ctx, 0)
	first := h.o.Attempt().ID
	if _, err := h.o.BeginVerification(verify.PathQR); err != nil {
		t.Fatalf("BeginVerification: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.o.CancelAttempt(); err != nil {
		t.Fatalf("CancelAttempt: %v", err)
	}
	if s := h.o.Attempt().State; s != StateCancelled {
		t.Fatalf("state after cancel: %s", s)
	}
	calls := h.oracle.calls.Load()
	h.oracle.succeedAt.Store(1)
	time.Sleep(30 * time.Millisecond)
	if n := h.oracle.calls.Load(); n > calls+1 {
		t.Fatalf("oracle still polled after cancel: %d -> %d", calls, n)
	}
	if s := h.o.Attempt().State; s != StateCancelled {
		t.Fatalf("late verification resurrected the attempt: %s", s)
	}

	_, _ = h.o.ClickSlot(ctx, 1)
	if a := h.o.Attempt(); a.ID == first || a.State != StateGate {
		t.Fatalf("second attempt: %+v", a)
	}
	_ = h.o.SkipVerification()
	if err := h.o.CancelAttempt(); err != nil {
		t.Fatalf("cancel from payment: %v", err)
	}
	if info, _ := h.led.Pool(ctx, 1); info.PlayerCount != 0 || h.led.Pending() != 0 {
		t.Fatalf("cancelled payment wrote to the ledger")
	}
	if err := h.o.ConfirmPayment(ctx); !errors.Is(err, ErrBadState) {
		t.Fatalf("pay after cancel: %v", err)
	}
}

func TestScoredResultResumesWithoutReplay(t *testing.T) {
	h := newHarness(t, 9, nil)
	ctx := context.Background()
	scored := playToScored(t, h, 0)

	if err := h.o.ReturnToLobby(); err != nil {
		t.Fatalf("ReturnToLobby: %v", err)
	}
	h.poll()
	if b := h.o.Board(); b.Slots[0].Class != slots.MineUnfinished || b.Slots[0].Pending {
		t.Fatalf("slot 0 on the board: %+v", b.Slots[0])
	}

	d, err := h.o.ClickSlot(ctx, 0)
	if err != nil || d.Action != slots.EnterPlay {
		t.Fatalf("click own slot: %+v err=%v", d, err)
	}
	a := h.o.Attempt()
	if a.State != StateScored || a.Result == nil || a.Result.AttemptID != scored.ID || a.Target != scored.Target {
		t.Fatalf("resume: %+v", a)
	}
}

func TestResumeAfterPoolRollover(t *testing.T) {
	h := newHarness(t, 2, func(l *memledger.Ledger) { l.Occupy(bob, false) })
	ctx := context.Background()
	scored := playToScored(t, h, 1)
	_ = h.o.ReturnToLobby()

	v := h.poll()
	if v.Snapshot.PoolID != 2 || v.ActivePoolID != 1 {
		t.Fatalf("expected rollover: pool=%d active=%d", v.Snapshot.PoolID, v.ActivePoolID)
	}
	if _, err := h.o.ClickSlot(ctx, 0); Code(err) != "unfinished_game" {
		t.Fatalf("join with an unfinished slot in the previous pool: %v", err)
	}
	if err := h.o.ResumeUnfinished(ctx); err != nil {
		t.Fatalf("ResumeUnfinished: %v", err)
	}
	if a := h.o.Attempt(); a.State != StateScored || a.Result.AttemptID != scored.ID {
		t.Fatalf("resumed attempt: %+v", a)
	}
	if err := h.o.SubmitScore(ctx); err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	waitState(t, h.o, StateSettled)
	if pl, _ := h.led.Player(ctx, 1, 1); !pl.Submitted {
		t.Fatalf("score not recorded in the rolled pool")
	}
}

func TestCancelRefusedOnceJoinIsInFlight(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) { l.SetAutoMine(false) })
	ctx := context.Background()

	_, _ = h.o.ClickSlot(ctx, 0)
	_ = h.o.SkipVerification()
	if err := h.o.ConfirmPayment(ctx); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if a := h.o.Attempt(); a.JoinHandle == (ledger.Handle{}) {
		t.Fatalf("join handle not recorded: %+v", a)
	}
	if err := h.o.CancelAttempt(); !errors.Is(err, ErrBadState) {
		t.Fatalf("cancel with join in flight: %v", err)
	}
	if s := h.o.Attempt().State; s != StatePaymentPending {
		t.Fatalf("state after refused cancel: %s", s)
	}

	h.poll()
	if b := h.o.Board(); b.Slots[0].Class != slots.MineUnfinished || !b.Slots[0].Pending {
		t.Fatalf("pending marker lost: %+v", b.Slots[0])
	}
	if _, err := h.o.ClickSlot(ctx, 1); !errors.Is(err, ErrBadState) {
		t.Fatalf("second click: %v", err)
	}
	if n := h.led.Pending(); n != 1 {
		t.Fatalf("ledger pending writes: %d", n)
	}

	h.led.Mine()
	waitState(t, h.o, StatePlaying)
	if info, _ := h.led.Pool(ctx, 1); info.PlayerCount != 1 {
		t.Fatalf("player count: %d", info.PlayerCount)
	}
}

func TestUnsettledJoinBlocksNewJoin(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) { l.Occupy(bob, false) })

	// 확인된 참가가 아직 스냅샷에 없고, 누른 슬롯은 다른 사람이 가져간 경우
	h.o.mu.Lock()
	h.o.pending = &slots.Pending{Index: 0, PoolID: 1, Confirmed: true, ConfirmedSeq: h.reader.Latest().Seq}
	h.o.mu.Unlock()

	d, err := h.o.ClickSlot(context.Background(), 1)
	if d.Action != slots.Blocked || Code(err) != "join_pending" {
		t.Fatalf("click with unsettled join: %+v err=%v", d, err)
	}
	if h.o.Attempt().State != StateIdle || h.gate.State() != verify.StateIdle {
		t.Fatalf("blocked click opened the gate")
	}
}

func TestDroppedTerminalUpdateRecoveredOnView(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) { l.SetAutoMine(false) })
	ctx := context.Background()

	_, _ = h.o.ClickSlot(ctx, 0)
	_ = h.o.SkipVerification()
	if err := h.o.ConfirmPayment(ctx); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	// 구독을 끊어 종료 업데이트가 전달되지 않게 한다
	h.o.unsubTx()
	h.led.Mine()

	deadline := time.Now().Add(2 * time.Second)
	for h.o.Attempt().State != StatePlaying {
		if time.Now().After(deadline) {
			t.Fatalf("attempt stuck in %s", h.o.Attempt().State)
		}
		h.poll()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewAttemptForgetsAbandonedWrite(t *testing.T) {
	h := newHarness(t, 9, func(l *memledger.Ledger) { l.SetAutoMine(false) })
	ctx := context.Background()

	pw, err := h.tracker.Initiate(ctx, ledger.JoinSlot(alice, 7, big.NewInt(100)))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.o.mu.Lock()
	h.o.consumer.Await(pw.Handle)
	h.o.mu.Unlock()

	if _, err := h.o.ClickSlot(ctx, 1); err != nil {
		t.Fatalf("ClickSlot: %v", err)
	}
	if _, err := h.tracker.Status(pw.Handle); !errors.Is(err, txtrack.ErrUnknownHandle) {
		t.Fatalf("abandoned write still tracked: %v", err)
	}
}
