// Package remote polls the ledger for the active pool snapshot and the calling
// identity's counters, and publishes each poll as an immutable View.
package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

// View is one poll result. A View is never modified after publication.
type View struct {
	Snapshot     *ledger.PoolSnapshot
	Status       *ledger.UserStatus
	ActivePoolID uint64
	FetchedAt    time.Time
	// Seq increases by one per successful poll.
	Seq uint64
	// Err is the most recent read failure; Stale is set while it persists.
	Err   error
	Stale bool
}

// Ready reports whether at least one poll succeeded.
func (v View) Ready() bool { return v.Snapshot != nil }

// Options configures a Reader.
type Options struct {
	PoolSize int
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// Reader owns the latest View. Only the poll loop replaces it.
type Reader struct {
	src      ledger.Reader
	who      ledger.Identity
	poolSize int
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	latest  atomic.Pointer[View]
	refetch chan struct{}
	pollMu  sync.Mutex

	mu   sync.RWMutex
	subs map[chan View]struct{}
}

func New(src ledger.Reader, who ledger.Identity, opts Options) *Reader {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 9
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reader{
		src:      src,
		who:      who,
		poolSize: opts.PoolSize,
		interval: opts.Interval,
		log:      opts.Logger,
		now:      opts.Now,
		refetch:  make(chan struct{}, 1),
		subs:     make(map[chan View]struct{}),
	}
	r.latest.Store(&View{})
	return r
}

// Identity is the identity whose counters are polled.
func (r *Reader) Identity() ledger.Identity { return r.who }

// PoolSize is the fixed slot count N.
func (r *Reader) PoolSize() int { return r.poolSize }

// Latest returns the most recently published view.
func (r *Reader) Latest() View { return *r.latest.Load() }

// Refetch asks the loop for an immediate poll. Repeated calls before the poll
// runs collapse into one.
func (r *Reader) Refetch() {
	select {
	case r.refetch <- struct{}{}:
	default:
	}
}

// Run polls immediately, then every interval and on Refetch, until ctx ends.
func (r *Reader) Run(ctx context.Context) error {
	r.log.Info("pool_reader_started", zap.Duration("interval", r.interval), zap.String("identity", r.who.Hex()))
	defer r.log.Info("pool_reader_stopped")

	t := time.NewTicker(r.interval)
	defer t.Stop()
	r.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.PollOnce(ctx)
		case <-r.refetch:
			r.PollOnce(ctx)
			t.Reset(r.interval)
		}
	}
}

// PollOnce reads the ledger once and publishes the result. A failed read keeps
// the previous snapshot and marks it stale.
func (r *Reader) PollOnce(ctx context.Context) View {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	prev := r.latest.Load()
	next, err := r.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return *prev
		}
		r.log.Warn("pool_poll_error", zap.Error(err), zap.Bool("had_snapshot", prev.Ready()))
		failed := *prev
		failed.Err = err
		failed.Stale = true
		r.publish(&failed)
		return failed
	}
	next.Seq = prev.Seq + 1
	r.publish(next)
	return *next
}

func (r *Reader) read(ctx context.Context) (*View, error) {
	id, err := r.src.CurrentPoolID(ctx)
	if err != nil {
		return nil, fmt.Errorf("current pool id: %w", err)
	}

	v := &View{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := ledger.ReadSnapshot(gctx, r.src, id, r.poolSize)
		if err != nil {
			return err
		}
		if !snap.Consistent() {
			return fmt.Errorf("pool %d snapshot inconsistent: full=%t finalized=%t occupied=%d", id, snap.IsFull, snap.IsFinalized, snap.OccupiedCount())
		}
		v.Snapshot = snap
		return nil
	})
	if r.who != ledger.NoIdentity {
		g.Go(func() error {
			st, err := r.src.UserStatus(gctx, r.who)
			if err != nil {
				return fmt.Errorf("user status: %w", err)
			}
			v.Status = st
			return nil
		})
		g.Go(func() error {
			active, err := r.src.ActivePoolID(gctx, r.who)
			if err != nil {
				return fmt.Errorf("active pool id: %w", err)
			}
			v.ActivePoolID = active
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	v.FetchedAt = r.now()
	return v, nil
}

func (r *Reader) publish(v *View) {
	r.latest.Store(v)

	r.mu.RLock()
	chs := make([]chan View, 0, len(r.subs))
	for ch := range r.subs {
		chs = append(chs, ch)
	}
	r.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- *v:
		default:
			// 느린 구독자는 최신 view를 Latest()로 다시 읽으면 된다
		}
	}
}

// Subscribe returns a channel receiving every published view and an unsubscribe func.
func (r *Reader) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 4)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}
