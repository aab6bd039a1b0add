package session

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/slots"
	"github.com/park285/colordrop-pool/internal/txtrack"
	"github.com/park285/colordrop-pool/internal/verify"
)

// Views is the polled remote state the orchestrator reads.
type Views interface {
	Identity() ledger.Identity
	Latest() remote.View
	Refetch()
	PollOnce(ctx context.Context) remote.View
	Subscribe() (<-chan remote.View, func())
}

type Options struct {
	EntryFee      *big.Int
	FID           uint64
	RoundDuration time.Duration
	Results       ResultStore
	History       history.Repository
	Rand          *rand.Rand
	Logger        *zap.Logger
	Now           func() time.Time
}

// Orchestrator owns the current attempt, the pending join marker and the
// consumed-handle bookkeeping. Intents and async events are applied under one
// lock, so transitions are observed in a single order.
type Orchestrator struct {
	views   Views
	gate    *verify.Gate
	tracker *txtrack.Tracker
	who     ledger.Identity
	fee     *big.Int
	fid     uint64
	round   time.Duration
	results ResultStore
	hist    history.Repository
	log     *zap.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates    <-chan txtrack.Update
	unsubTx    func()
	viewCh     <-chan remote.View
	unsubViews func()

	mu       sync.Mutex
	rng      *rand.Rand
	cur      Attempt
	pending  *slots.Pending
	consumer *txtrack.Consumer
	timer    *time.Timer
	subs     map[chan Attempt]struct{}
}

func New(views Views, gate *verify.Gate, tracker *txtrack.Tracker, opts Options) *Orchestrator {
	if opts.EntryFee == nil {
		opts.EntryFee = big.NewInt(0)
	}
	if opts.RoundDuration <= 0 {
		opts.RoundDuration = 10 * time.Second
	}
	if opts.Results == nil {
		opts.Results = NewMemoryResultStore()
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		views:    views,
		gate:     gate,
		tracker:  tracker,
		who:      views.Identity(),
		fee:      opts.EntryFee,
		fid:      opts.FID,
		round:    opts.RoundDuration,
		results:  opts.Results,
		hist:     opts.History,
		log:      opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		rng:      opts.Rand,
		cur:      Attempt{State: StateIdle, Slot: -1},
		consumer: txtrack.NewConsumer(opts.Logger),
		subs:     make(map[chan Attempt]struct{}),
	}
	// 구독은 생성 시점에: Run이 늦게 시작해도 전이를 놓치지 않는다
	o.updates, o.unsubTx = tracker.Subscribe()
	o.viewCh, o.unsubViews = views.Subscribe()
	return o
}

// Run applies tracker updates, gate events and new views until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.ctx.Done():
			return nil
		case u := <-o.updates:
			o.mu.Lock()
			o.handleUpdateLocked(u)
			o.mu.Unlock()
		case ev := <-o.gate.Events():
			o.handleGateEvent(ev)
		case v := <-o.viewCh:
			o.handleView(v)
		}
	}
}

// Close stops the round timer and waits for background history writes.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.stopTimerLocked()
	o.mu.Unlock()
	o.gate.Cancel()
	o.cancel()
	o.unsubTx()
	o.unsubViews()
	o.wg.Wait()
}

// Identity is the calling identity.
func (o *Orchestrator) Identity() ledger.Identity { return o.who }

// Attempt returns a copy of the current attempt.
func (o *Orchestrator) Attempt() Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copyLocked()
}

// Board classifies the latest view with the local pending join applied.
func (o *Orchestrator) Board() slots.Board {
	o.mu.Lock()
	var p *slots.Pending
	if o.pending != nil {
		cp := *o.pending
		p = &cp
	}
	o.mu.Unlock()
	return slots.Classify(o.views.Latest(), o.who, p)
}

// Subscribe returns a channel of attempt copies published on every transition.
func (o *Orchestrator) Subscribe() (<-chan Attempt, func()) {
	ch := make(chan Attempt, 8)
	o.mu.Lock()
	o.subs[ch] = struct{}{}
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		delete(o.subs, ch)
		o.mu.Unlock()
	}
}

// --- intents ---

// ClickSlot resolves a slot click into a new attempt. A blocked click returns
// a *BlockedError and leaves the current attempt untouched.
func (o *Orchestrator) ClickSlot(ctx context.Context, index int) (slots.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cur.State.Terminal() && o.cur.State != StateFailed {
		return slots.Decision{Slot: index}, fmt.Errorf("click from %s: %w", o.cur.State, ErrBadState)
	}

	var p *slots.Pending
	if o.pending != nil {
		cp := *o.pending
		p = &cp
	}
	board := slots.Classify(o.views.Latest(), o.who, p)
	d := slots.Decide(board, o.who, index)
	o.log.Debug("slot_click", zap.Int("slot", index), zap.String("action", d.Action.String()), zap.String("reason", string(d.Reason)))

	if d.Action == slots.OpenGate && o.pending != nil {
		// 이전 참가가 스냅샷에 반영되기 전에는 새 참가를 열지 않는다
		d.Action, d.Reason = slots.Blocked, slots.ReasonJoinPending
	}

	switch d.Action {
	case slots.NoOp:
		return d, nil
	case slots.Blocked:
		return d, &BlockedError{Reason: d.Reason}
	case slots.EnterPlay:
		o.beginAttemptLocked(index, d.PoolID)
		o.enterPlayLocked(ctx)
	case slots.OpenGate:
		o.beginAttemptLocked(index, board.PoolID)
		prompt, err := o.gate.Open(board.Status)
		if err != nil {
			// 이전 시도가 남긴 게이트는 닫고 다시 연다
			o.gate.Cancel()
			if prompt, err = o.gate.Open(board.Status); err != nil {
				o.cur = Attempt{State: StateIdle, Slot: -1}
				return d, err
			}
		}
		o.cur.State = StateGate
		o.cur.Skippable = prompt.Skippable
		o.cur.Paths = prompt.Paths
		o.cur.GateState = verify.StatePrompting
	}
	o.publishLocked()
	return d, nil
}

// ResumeUnfinished re-enters play for an unsubmitted slot held in a pool that
// has already rolled over, which no longer shows on the board.
func (o *Orchestrator) ResumeUnfinished(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cur.State.Terminal() && o.cur.State != StateFailed {
		return fmt.Errorf("resume from %s: %w", o.cur.State, ErrBadState)
	}
	v := o.views.Latest()
	b := slots.Classify(v, o.who, nil)
	if b.UnfinishedElsewhere == 0 {
		return ErrNoActivePool
	}
	o.beginAttemptLocked(-1, b.UnfinishedElsewhere)
	o.enterPlayLocked(ctx)
	o.publishLocked()
	return nil
}

// SkipVerification closes a skippable gate and moves to payment.
func (o *Orchestrator) SkipVerification() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.State != StateGate {
		return fmt.Errorf("skip from %s: %w", o.cur.State, ErrBadState)
	}
	if err := o.gate.Skip(); err != nil {
		return err
	}
	o.log.Info("verify_skipped", zap.String("attempt", o.cur.ID))
	o.toPaymentLocked()
	return nil
}

// BeginVerification starts the chosen verification path and returns the link
// or QR payload to show.
func (o *Orchestrator) BeginVerification(path verify.Path) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.State != StateGate {
		return "", fmt.Errorf("verify from %s: %w", o.cur.State, ErrBadState)
	}
	link, err := o.gate.Begin(o.ctx, path)
	if err != nil {
		return "", err
	}
	o.cur.VerifyPath = path
	o.cur.VerifyLink = link
	o.cur.VerifyError = nil
	o.cur.GateState = verify.StateVerifying
	o.publishLocked()
	return link, nil
}

// CancelAttempt aborts from the gate or from payment before the join is sent.
// Once the join is in flight the attempt can only succeed or fail.
func (o *Orchestrator) CancelAttempt() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.cur.State {
	case StateGate:
		o.gate.Cancel()
	case StatePaymentPending:
		if o.cur.Sending || o.cur.JoinHandle != (ledger.Handle{}) {
			return fmt.Errorf("cancel with join in flight: %w", ErrBadState)
		}
		o.consumer.Clear()
		o.pending = nil
	default:
		return fmt.Errorf("cancel from %s: %w", o.cur.State, ErrBadState)
	}
	o.log.Info("attempt_cancelled", zap.String("attempt", o.cur.ID))
	o.cur.State = StateCancelled
	o.cur.GateState = verify.StateIdle
	o.publishLocked()
	return nil
}

// ConfirmPayment sends the value-bearing join for the attempt's slot.
func (o *Orchestrator) ConfirmPayment(ctx context.Context) error {
	o.mu.Lock()
	if o.cur.State != StatePaymentPending || o.cur.Sending || o.cur.JoinHandle != (ledger.Handle{}) {
		st := o.cur.State
		o.mu.Unlock()
		return fmt.Errorf("pay from %s: %w", st, ErrBadState)
	}
	return o.initiateJoinLocked(ctx)
}

// RetryPayment re-sends the join after a failed payment.
func (o *Orchestrator) RetryPayment(ctx context.Context) error {
	o.mu.Lock()
	if o.cur.State != StateFailed || o.cur.FailedFrom != StatePaymentPending {
		st := o.cur.State
		o.mu.Unlock()
		return fmt.Errorf("retry payment from %s: %w", st, ErrBadState)
	}
	o.cur.State = StatePaymentPending
	o.cur.Err = nil
	o.cur.FailedFrom = ""
	o.cur.JoinHandle = ledger.Handle{}
	return o.initiateJoinLocked(ctx)
}

// AdjustColor moves the sliders. Only a running round accepts it.
func (o *Orchestrator) AdjustColor(c color.HSL) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.State != StatePlaying {
		return fmt.Errorf("adjust from %s: %w", o.cur.State, ErrBadState)
	}
	if !c.Valid() {
		return fmt.Errorf("color out of range: %+v", c)
	}
	o.cur.Guess = c
	o.cur.UpdatedAt = o.now()
	o.publishLocked()
	return nil
}

// SubmitScore sends the scored result.
func (o *Orchestrator) SubmitScore(ctx context.Context) error {
	o.mu.Lock()
	if o.cur.State != StateScored {
		st := o.cur.State
		o.mu.Unlock()
		return fmt.Errorf("submit from %s: %w", st, ErrBadState)
	}
	return o.submitLocked(ctx)
}

// RetrySubmit re-sends the same result after a failed submission.
func (o *Orchestrator) RetrySubmit(ctx context.Context) error {
	o.mu.Lock()
	if o.cur.State != StateFailed || o.cur.FailedFrom != StateSubmitting {
		st := o.cur.State
		o.mu.Unlock()
		return fmt.Errorf("retry submit from %s: %w", st, ErrBadState)
	}
	o.cur.Err = nil
	o.cur.FailedFrom = ""
	o.cur.SubmitHandle = ledger.Handle{}
	return o.submitLocked(ctx)
}

// ReturnToLobby drops the current attempt. A scored result stays saved and
// comes back when the unfinished slot is clicked again.
func (o *Orchestrator) ReturnToLobby() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.cur.State {
	case StateIdle, StateSettled, StateCancelled, StateFailed, StateScored:
	default:
		return fmt.Errorf("leave from %s: %w", o.cur.State, ErrBadState)
	}
	o.cur = Attempt{State: StateIdle, Slot: -1, UpdatedAt: o.now()}
	o.publishLocked()
	return nil
}

// --- transitions ---

func (o *Orchestrator) beginAttemptLocked(slot int, poolID uint64) {
	o.stopTimerLocked()
	o.abandonLocked()
	now := o.now()
	o.cur = Attempt{
		ID:        uuid.NewString(),
		State:     StateIdle,
		Slot:      slot,
		PoolID:    poolID,
		GateState: verify.StateIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.log.Info("attempt_started", zap.String("attempt", o.cur.ID), zap.Int("slot", slot), zap.Uint64("pool_id", poolID))
}

func (o *Orchestrator) toPaymentLocked() {
	o.cur.State = StatePaymentPending
	o.cur.GateState = verify.StateIdle
	o.cur.Sending = false
	o.publishLocked()
}

// enterPlayLocked resumes a saved result or starts a fresh round.
func (o *Orchestrator) enterPlayLocked(ctx context.Context) {
	saved, err := o.results.Load(ctx, o.who)
	if err != nil {
		o.log.Warn("result_load_failed", zap.Error(err))
	}
	if saved != nil {
		o.cur.Result = saved
		o.cur.Target = saved.Target
		o.cur.Guess = saved.Guess
		o.cur.State = StateScored
		o.log.Info("result_resumed", zap.String("attempt", o.cur.ID), zap.String("scored_in", saved.AttemptID))
		return
	}
	o.startRoundLocked()
}

func (o *Orchestrator) startRoundLocked() {
	o.stopTimerLocked()
	now := o.now()
	o.cur.State = StatePlaying
	o.cur.Target = color.RandomTarget(o.rng)
	o.cur.Guess = color.DefaultPick
	o.cur.Result = nil
	o.cur.RoundDeadline = now.Add(o.round)
	o.cur.UpdatedAt = now
	id := o.cur.ID
	o.timer = time.AfterFunc(o.round, func() { o.endRound(id) })
	o.log.Info("round_started", zap.String("attempt", id), zap.Int("slot", o.cur.Slot), zap.Duration("duration", o.round))
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// endRound computes the result exactly once for attempt id.
func (o *Orchestrator) endRound(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.ID != id || o.cur.State != StatePlaying {
		return
	}
	o.timer = nil
	acc := color.Score(o.cur.Guess, o.cur.Target)
	tier := color.TierFor(acc)
	res := &GameResult{
		PoolID:         o.cur.PoolID,
		Slot:           o.cur.Slot,
		Target:         o.cur.Target,
		Guess:          o.cur.Guess,
		Accuracy:       acc,
		ScaledAccuracy: color.ScaledAccuracy(acc),
		Tier:           tier.Key,
		ScoredAt:       o.now(),
		AttemptID:      id,
		StartedAt:      o.cur.StartedAt,
	}
	if o.cur.JoinHandle != (ledger.Handle{}) {
		res.JoinHandle = o.cur.JoinHandle.Hex()
	}
	o.cur.Result = res
	o.cur.State = StateScored
	o.cur.UpdatedAt = res.ScoredAt

	ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
	defer cancel()
	if err := o.results.Save(ctx, o.who, res); err != nil {
		o.log.Warn("result_save_failed", zap.String("attempt", id), zap.Error(err))
	}
	o.log.Info("round_scored", zap.String("attempt", id), zap.Float64("accuracy", acc), zap.String("tier", tier.Key))
	o.publishLocked()
}

// initiateJoinLocked is entered with o.mu held and returns with it released.
func (o *Orchestrator) initiateJoinLocked(ctx context.Context) error {
	id := o.cur.ID
	slot := o.cur.Slot
	o.cur.Sending = true
	o.pending = &slots.Pending{Index: slot, PoolID: o.cur.PoolID}
	o.publishLocked()
	o.mu.Unlock()

	req := ledger.JoinSlot(o.who, o.fid, o.fee)
	req.Slot = &slot
	pw, err := o.tracker.Initiate(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.ID != id || o.cur.State != StatePaymentPending {
		if err == nil {
			o.log.Warn("join_sent_after_cancel", zap.String("attempt", id), zap.String("handle", pw.Handle.Hex()))
			o.tracker.Forget(pw.Handle)
		}
		return nil
	}
	o.cur.Sending = false
	if err != nil {
		o.pending = nil
		o.failLocked(StatePaymentPending, err)
		return err
	}
	o.cur.JoinHandle = pw.Handle
	o.pending.Handle = pw.Handle
	o.awaitLocked(pw.Handle)
	return nil
}

// submitLocked is entered with o.mu held and returns with it released.
func (o *Orchestrator) submitLocked(ctx context.Context) error {
	if o.cur.Result == nil {
		o.mu.Unlock()
		return ErrNoResult
	}
	id := o.cur.ID
	scaled := o.cur.Result.ScaledAccuracy
	o.cur.State = StateSubmitting
	o.cur.Sending = true
	o.publishLocked()

	poolID := o.views.Latest().ActivePoolID
	o.mu.Unlock()

	if poolID == 0 {
		// 참가 직후라 아직 반영 전일 수 있다: 한 번 강제로 다시 읽는다
		poolID = o.views.PollOnce(ctx).ActivePoolID
	}
	var (
		pw  txtrack.PendingWrite
		err error
	)
	if poolID == 0 {
		err = ErrNoActivePool
	} else {
		pw, err = o.tracker.Initiate(ctx, ledger.SubmitScore(o.who, poolID, scaled))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.ID != id || o.cur.State != StateSubmitting {
		if err == nil {
			o.tracker.Forget(pw.Handle)
		}
		return nil
	}
	o.cur.Sending = false
	if err != nil {
		o.failLocked(StateSubmitting, err)
		return err
	}
	o.cur.SubmitHandle = pw.Handle
	o.awaitLocked(pw.Handle)
	return nil
}

// awaitLocked names h as the handle to act on, then catches a terminal status
// that landed before the name was set.
func (o *Orchestrator) awaitLocked(h ledger.Handle) {
	o.consumer.Await(h)
	o.publishLocked()
	o.recheckLocked()
}

// recheckLocked applies the awaited write's terminal status from the tracker
// record. Updates dropped on a full subscription are recovered here.
func (o *Orchestrator) recheckLocked() {
	h := o.consumer.Awaiting()
	if h == (ledger.Handle{}) {
		return
	}
	if pw, err := o.tracker.Status(h); err == nil && pw.Status.Terminal() {
		o.handleUpdateLocked(txtrack.Update{Kind: pw.Kind, Handle: pw.Handle, Status: pw.Status, Slot: pw.Slot, PoolID: pw.PoolID, Reason: pw.Reason})
	}
}

// abandonLocked stops waiting and drops the tracker record of a write whose
// outcome no attempt will act on.
func (o *Orchestrator) abandonLocked() {
	if h := o.consumer.Awaiting(); h != (ledger.Handle{}) {
		o.log.Info("tx_abandoned", zap.String("handle", h.Hex()))
		o.tracker.Forget(h)
	}
	o.consumer.Clear()
}

func (o *Orchestrator) handleUpdateLocked(u txtrack.Update) {
	if u.Kind != ledger.WriteJoin && u.Kind != ledger.WriteSubmit {
		return
	}
	if !o.consumer.Consume(u) {
		return
	}
	defer o.tracker.Forget(u.Handle)

	switch u.Kind {
	case ledger.WriteJoin:
		if o.cur.State != StatePaymentPending || o.cur.JoinHandle != u.Handle {
			o.log.Info("tx_stale_success_ignored", zap.String("handle", u.Handle.Hex()), zap.String("reason", "attempt_moved"))
			return
		}
		if u.Status == txtrack.StatusFailure {
			o.pending = nil
			o.failLocked(StatePaymentPending, u.Reason)
			return
		}
		if o.pending != nil {
			o.pending.Confirmed = true
			o.pending.ConfirmedSeq = o.views.Latest().Seq
		}
		o.views.Refetch()
		o.startRoundLocked()
		o.publishLocked()

	case ledger.WriteSubmit:
		if o.cur.State != StateSubmitting || o.cur.SubmitHandle != u.Handle {
			o.log.Info("tx_stale_success_ignored", zap.String("handle", u.Handle.Hex()), zap.String("reason", "attempt_moved"))
			return
		}
		if u.Status == txtrack.StatusFailure {
			o.failLocked(StateSubmitting, u.Reason)
			return
		}
		o.settleLocked()
	}
}

func (o *Orchestrator) settleLocked() {
	o.cur.State = StateSettled
	o.cur.UpdatedAt = o.now()
	o.pending = nil

	ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
	if err := o.results.Delete(ctx, o.who); err != nil {
		o.log.Warn("result_delete_failed", zap.Error(err))
	}
	cancel()
	o.views.Refetch()

	if o.hist != nil && o.cur.Result != nil {
		rec := o.recordLocked()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := o.hist.InsertAttempt(ctx, rec); err != nil {
				o.log.Warn("history_insert_failed", zap.String("attempt", rec.AttemptID), zap.Error(err))
			}
		}()
	}
	o.log.Info("attempt_settled", zap.String("attempt", o.cur.ID), zap.String("handle", o.cur.SubmitHandle.Hex()))
	o.publishLocked()
}

func (o *Orchestrator) recordLocked() *history.Record {
	r := o.cur.Result
	rec := &history.Record{
		AttemptID:      r.AttemptID,
		Identity:       strings.ToLower(o.who.Hex()),
		PoolID:         r.PoolID,
		Slot:           r.Slot,
		TargetH:        r.Target.H,
		TargetS:        r.Target.S,
		TargetL:        r.Target.L,
		GuessH:         r.Guess.H,
		GuessS:         r.Guess.S,
		GuessL:         r.Guess.L,
		Accuracy:       r.Accuracy,
		ScaledAccuracy: r.ScaledAccuracy,
		Tier:           r.Tier,
		JoinHandle:     r.JoinHandle,
		SubmitHandle:   o.cur.SubmitHandle.Hex(),
		StartedAt:      r.StartedAt,
		SettledAt:      o.cur.UpdatedAt,
	}
	if pool := o.views.Latest().ActivePoolID; rec.PoolID == 0 && pool != 0 {
		rec.PoolID = pool
	}
	return rec
}

func (o *Orchestrator) failLocked(from State, err error) {
	o.cur.State = StateFailed
	o.cur.FailedFrom = from
	o.cur.Err = err
	o.cur.Sending = false
	o.cur.UpdatedAt = o.now()
	o.log.Warn("attempt_failed", zap.String("attempt", o.cur.ID), zap.String("from", string(from)), zap.String("code", Code(err)), zap.Error(err))
	o.publishLocked()
}

func (o *Orchestrator) handleGateEvent(ev verify.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur.State != StateGate {
		return
	}
	switch {
	case ev.Outcome == verify.OutcomeResolved:
		// 이전 시도의 늦은 결과가 새 게이트를 통과시키지 않도록 확인
		if o.cur.VerifyPath == "" || o.gate.State() != verify.StateIdle {
			return
		}
		o.log.Info("attempt_verified", zap.String("attempt", o.cur.ID), zap.Int("attempts", ev.Attempts))
		o.toPaymentLocked()
	case ev.Err != nil:
		o.cur.VerifyError = ev.Err
		o.cur.GateState = verify.StatePrompting
		o.publishLocked()
	}
}

func (o *Orchestrator) handleView(v remote.View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil && slots.Settled(v, o.who, o.pending) {
		o.log.Debug("pending_slot_settled", zap.Int("slot", o.pending.Index), zap.Uint64("seq", v.Seq))
		o.pending = nil
	}
	o.recheckLocked()
}

func (o *Orchestrator) copyLocked() Attempt {
	a := o.cur
	if a.Paths != nil {
		a.Paths = append([]verify.Path(nil), a.Paths...)
	}
	if a.Result != nil {
		r := *a.Result
		a.Result = &r
	}
	return a
}

func (o *Orchestrator) publishLocked() {
	a := o.copyLocked()
	for ch := range o.subs {
		select {
		case ch <- a:
		default:
		}
	}
}
