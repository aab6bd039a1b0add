package prizes

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
)

// Desk is the past-games surface for one identity: the last scan plus the
// write flows that refresh it.
type Desk struct {
	scanner *Scanner
	claimer *Claimer
	limit   int

	mu   sync.Mutex
	last *Summary
	// claiming serializes ClaimAll runs.
	claiming sync.Mutex
}

func NewDesk(scanner *Scanner, claimer *Claimer, limit int) *Desk {
	if limit <= 0 {
		limit = 10
	}
	return &Desk{scanner: scanner, claimer: claimer, limit: limit}
}

// Identity is the claimer's identity.
func (d *Desk) Identity() ledger.Identity { return d.claimer.who }

// Scan refreshes and returns the past pools.
func (d *Desk) Scan(ctx context.Context) (*Summary, error) {
	s, err := d.scanner.Scan(ctx, d.limit)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

// Last is the most recent successful scan, nil before the first.
func (d *Desk) Last() *Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// ClaimAll scans, claims every unclaimed prize of the identity and scans again.
func (d *Desk) ClaimAll(ctx context.Context, onProgress func(Progress)) (Progress, error) {
	d.claiming.Lock()
	defer d.claiming.Unlock()

	s, err := d.Scan(ctx)
	if err != nil {
		return Progress{}, err
	}
	prog, err := d.claimer.ClaimAll(ctx, s.PrizesFor(d.Identity()), onProgress)
	if err != nil {
		return prog, err
	}
	if _, err := d.Scan(ctx); err != nil {
		d.claimer.log.Warn("prize_rescan_failed", zap.Error(err))
	}
	return prog, nil
}

// Finalize finalizes poolID and rescans.
func (d *Desk) Finalize(ctx context.Context, poolID uint64) error {
	if err := d.claimer.Finalize(ctx, poolID); err != nil {
		return err
	}
	_, err := d.Scan(ctx)
	return err
}
