package prizes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
	"github.com/park285/colordrop-pool/internal/txtrack"
)

// ClaimFailure is one prize whose claim did not go through.
type ClaimFailure struct {
	Prize UserPrize
	Err   error
}

// Progress is reported after every step of ClaimAll.
type Progress struct {
	Current int
	Total   int
	PoolID  uint64
	Claimed []UserPrize
	Failed  []ClaimFailure
}

// Done reports whether every prize was attempted.
func (p Progress) Done() bool { return p.Current >= p.Total }

// Claimer sends claim and finalize writes through the tracker, one at a time.
type Claimer struct {
	tracker *txtrack.Tracker
	who     ledger.Identity
	log     *zap.Logger
	// OnSettled runs after a claim or finalize reaches a terminal status.
	OnSettled func()
}

func NewClaimer(tracker *txtrack.Tracker, who ledger.Identity, log *zap.Logger) *Claimer {
	if log == nil {
		log = obslog.L()
	}
	return &Claimer{tracker: tracker, who: who, log: log}
}

// Claim sends claimPrize for poolID and waits for a terminal status.
func (c *Claimer) Claim(ctx context.Context, poolID uint64) error {
	err := c.run(ctx, ledger.ClaimPrize(c.who, poolID))
	c.settled()
	return err
}

// Finalize sends finalizePool for poolID and waits for a terminal status. Any
// identity may finalize.
func (c *Claimer) Finalize(ctx context.Context, poolID uint64) error {
	err := c.run(ctx, ledger.FinalizePool(c.who, poolID))
	if err == nil {
		c.log.Info("pool_finalized", zap.Uint64("pool_id", poolID))
	}
	c.settled()
	return err
}

// ClaimAll claims prizes sequentially. Failures are collected and never
// retried. When ctx is cancelled no further claim is started and the counters
// stop; a write already sent still lands on its own.
func (c *Claimer) ClaimAll(ctx context.Context, prizes []UserPrize, onProgress func(Progress)) (Progress, error) {
	prog := Progress{Total: len(prizes)}
	report := func() {
		if onProgress != nil {
			onProgress(snapshot(prog))
		}
	}
	defer c.settled()

	for i, p := range prizes {
		if err := ctx.Err(); err != nil {
			return snapshot(prog), err
		}
		prog.Current = i + 1
		prog.PoolID = p.PoolID
		report()

		err := c.run(ctx, ledger.ClaimPrize(c.who, p.PoolID))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return snapshot(prog), err
		}
		if err != nil {
			c.log.Warn("prize_claim_failed", zap.Uint64("pool_id", p.PoolID), zap.Int("rank", p.Rank), zap.Error(err))
			prog.Failed = append(prog.Failed, ClaimFailure{Prize: p, Err: err})
		} else {
			prog.Claimed = append(prog.Claimed, p)
		}
		report()
	}
	c.log.Info("prize_claim_all_done",
		zap.Int("claimed", len(prog.Claimed)),
		zap.Int("failed", len(prog.Failed)),
	)
	return snapshot(prog), nil
}

func snapshot(p Progress) Progress {
	p.Claimed = append([]UserPrize(nil), p.Claimed...)
	p.Failed = append([]ClaimFailure(nil), p.Failed...)
	return p
}

func (c *Claimer) settled() {
	if c.OnSettled != nil {
		c.OnSettled()
	}
}

// run subscribes before sending so the terminal update cannot slip past.
func (c *Claimer) run(ctx context.Context, req ledger.WriteRequest) error {
	if c.who == ledger.NoIdentity {
		return fmt.Errorf("%s: no identity", req.Kind)
	}
	updates, unsub := c.tracker.Subscribe()
	defer unsub()

	pw, err := c.tracker.Initiate(ctx, req)
	if err != nil {
		return err
	}
	defer c.tracker.Forget(pw.Handle)

	if cur, err := c.tracker.Status(pw.Handle); err == nil && cur.Status.Terminal() {
		return cur.Reason
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-updates:
			if u.Handle != pw.Handle || !u.Status.Terminal() {
				continue
			}
			if u.Status == txtrack.StatusFailure {
				if u.Reason == nil {
					return txtrack.ErrReverted
				}
				return u.Reason
			}
			return nil
		}
	}
}
