// Package txtrack follows irreversible ledger writes from acceptance to a
// terminal receipt. Each write is keyed by its handle; status only moves
// forward: pending → confirming → success | failure.
package txtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrUnknownHandle = errf("unknown write handle")
	ErrReverted      = errf("write reverted on inclusion")
	ErrClosed        = errf("tracker closed")
)

// Status is a write's lifecycle position. The numeric order is the only
// permitted direction of travel.
type Status int

const (
	StatusPending Status = iota
	StatusConfirming
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirming:
		return "confirming"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports success or failure.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

// PendingWrite is the tracker's record of one write.
type PendingWrite struct {
	Kind        ledger.WriteKind
	Handle      ledger.Handle
	Status      Status
	Slot        *int
	PoolID      uint64
	Reason      error
	BlockNumber uint64
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Update is published on every status transition.
type Update struct {
	Kind   ledger.WriteKind
	Handle ledger.Handle
	Status Status
	Slot   *int
	PoolID uint64
	Reason error
}

// Preflight runs before every send; the network guard implements it.
type Preflight interface {
	Ensure(ctx context.Context) error
}

type Options struct {
	// PollInterval between receipt lookups.
	PollInterval time.Duration
	// Confirmations required before success; at least 1.
	Confirmations uint64
	Preflight     Preflight
	Logger        *zap.Logger
	Now           func() time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	w        ledger.Writer
	rc       ledger.Receipts
	pre      Preflight
	interval time.Duration
	confs    uint64
	log      *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	writes map[ledger.Handle]*PendingWrite
	subs   map[chan Update]struct{}
}

func New(w ledger.Writer, rc ledger.Receipts, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		w:        w,
		rc:       rc,
		pre:      opts.Preflight,
		interval: opts.PollInterval,
		confs:    opts.Confirmations,
		log:      opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		writes:   make(map[ledger.Handle]*PendingWrite),
		subs:     make(map[chan Update]struct{}),
	}
}

// Close stops every receipt watcher and waits for them to exit.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// Initiate runs the preflight, sends req once and starts watching its receipt.
// Errors before a handle is assigned come back directly; nothing is recorded.
func (t *Tracker) Initiate(ctx context.Context, req ledger.WriteRequest) (PendingWrite, error) {
	if t.ctx.Err() != nil {
		return PendingWrite{}, ErrClosed
	}
	if t.pre != nil {
		if err := t.pre.Ensure(ctx); err != nil {
			return PendingWrite{}, err
		}
	}
	h, err := t.w.Send(ctx, req)
	if err != nil {
		t.log.Warn("tx_send_rejected", zap.String("kind", string(req.Kind)), zap.Error(err))
		return PendingWrite{}, err
	}

	now := t.now()
	pw := &PendingWrite{
		Kind:        req.Kind,
		Handle:      h,
		Status:      StatusPending,
		Slot:        req.Slot,
		PoolID:      req.PoolID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	t.mu.Lock()
	t.writes[h] = pw
	snapshot := *pw
	t.broadcastLocked(updateOf(&snapshot))
	t.mu.Unlock()

	t.log.Info("tx_accepted", zap.String("kind", string(req.Kind)), zap.String("handle", h.Hex()))

	t.wg.Add(1)
	go t.watch(h)
	return snapshot, nil
}

// Status returns the current record for h.
func (t *Tracker) Status(h ledger.Handle) (PendingWrite, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pw, ok := t.writes[h]
	if !ok {
		return PendingWrite{}, ErrUnknownHandle
	}
	return *pw, nil
}

// Forget discards the record for h once its owner is done with it.
func (t *Tracker) Forget(h ledger.Handle) {
	t.mu.Lock()
	delete(t.writes, h)
	t.mu.Unlock()
}

func (t *Tracker) watch(h ledger.Handle) {
	defer t.wg.Done()
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		pw, err := t.Refresh(t.ctx, h)
		if errors.Is(err, ErrUnknownHandle) || pw.Status.Terminal() {
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-tk.C:
		}
	}
}

// Refresh performs one receipt lookup for h and applies any transition.
func (t *Tracker) Refresh(ctx context.Context, h ledger.Handle) (PendingWrite, error) {
	cur, err := t.Status(h)
	if err != nil || cur.Status.Terminal() {
		return cur, err
	}

	r, err := t.rc.Receipt(ctx, h)
	if err != nil {
		// 영수증 조회 실패는 일시적: 다음 tick에서 다시 본다
		t.log.Debug("tx_receipt_lookup_failed", zap.String("handle", h.Hex()), zap.Error(err))
		return cur, nil
	}
	if r == nil {
		return cur, nil
	}

	t.advance(h, StatusConfirming, r.BlockNumber, nil)
	if !r.Success {
		return t.advance(h, StatusFailure, r.BlockNumber, ErrReverted), nil
	}

	head, err := t.rc.BlockNumber(ctx)
	if err != nil {
		t.log.Debug("tx_head_lookup_failed", zap.String("handle", h.Hex()), zap.Error(err))
		return t.mustStatus(h), nil
	}
	if head+1 >= r.BlockNumber+t.confs {
		return t.advance(h, StatusSuccess, r.BlockNumber, nil), nil
	}
	return t.mustStatus(h), nil
}

func (t *Tracker) mustStatus(h ledger.Handle) PendingWrite {
	pw, _ := t.Status(h)
	return pw
}

// advance moves h forward to s; backward or repeated transitions are ignored.
func (t *Tracker) advance(h ledger.Handle, s Status, block uint64, reason error) PendingWrite {
	t.mu.Lock()
	pw, ok := t.writes[h]
	if !ok {
		t.mu.Unlock()
		return PendingWrite{}
	}
	if s <= pw.Status || pw.Status.Terminal() {
		snapshot := *pw
		t.mu.Unlock()
		return snapshot
	}
	pw.Status = s
	pw.BlockNumber = block
	pw.Reason = reason
	pw.UpdatedAt = t.now()
	snapshot := *pw
	// 전이 순서가 구독자에게도 그대로 보이도록 잠금 안에서 보낸다
	t.broadcastLocked(updateOf(&snapshot))
	t.mu.Unlock()

	fields := []zap.Field{zap.String("kind", string(snapshot.Kind)), zap.String("handle", h.Hex()), zap.String("status", s.String())}
	if reason != nil {
		fields = append(fields, zap.Error(reason))
	}
	t.log.Info("tx_status", fields...)
	return snapshot
}

func updateOf(pw *PendingWrite) Update {
	return Update{Kind: pw.Kind, Handle: pw.Handle, Status: pw.Status, Slot: pw.Slot, PoolID: pw.PoolID, Reason: pw.Reason}
}

// Subscribe returns a channel of status transitions and an unsubscribe func.
func (t *Tracker) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}
}

func (t *Tracker) broadcastLocked(u Update) {
	for ch := range t.subs {
		select {
		case ch <- u:
		default:
			t.log.Warn("tx_update_dropped", zap.String("handle", u.Handle.Hex()), zap.String("status", u.Status.String()))
		}
	}
}
