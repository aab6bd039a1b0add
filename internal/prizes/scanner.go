// Package prizes reads past pools for winners and unclaimed prizes and drives
// the claim and finalize writes.
package prizes

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

// DefaultPrizes are the 1st/2nd/3rd payouts in wei (0.70, 0.50, 0.25 CELO).
var DefaultPrizes = [3]*big.Int{
	big.NewInt(700_000_000_000_000_000),
	big.NewInt(500_000_000_000_000_000),
	big.NewInt(250_000_000_000_000_000),
}

type Winner struct {
	Identity  ledger.Identity
	FID       uint64
	Accuracy  float64
	Prize     *big.Int
	Rank      int // 1..3
	Claimed   bool
	Claimable bool
}

type CompletedPool struct {
	PoolID       uint64
	PlayerCount  int
	StartTime    time.Time
	Winners      []Winner
	HasClaimable bool
}

// PendingPool is full but not finalized yet.
type PendingPool struct {
	PoolID      uint64
	PlayerCount int
	StartTime   time.Time
	FinalizeAt  time.Time
	CanFinalize bool
}

// UserPrize is one unclaimed, claimable prize for an identity.
type UserPrize struct {
	PoolID uint64
	Rank   int
	Amount *big.Int
}

// Summary is one scan of past pools, most recent first.
type Summary struct {
	Completed []CompletedPool
	Pending   []PendingPool
	ScannedAt time.Time
}

// PrizesFor lists who's unclaimed prizes.
func (s *Summary) PrizesFor(who ledger.Identity) []UserPrize {
	if s == nil || who == ledger.NoIdentity {
		return nil
	}
	var out []UserPrize
	for _, p := range s.Completed {
		for _, w := range p.Winners {
			if ledger.SameIdentity(w.Identity, who) && w.Claimable && !w.Claimed {
				out = append(out, UserPrize{PoolID: p.PoolID, Rank: w.Rank, Amount: w.Prize})
			}
		}
	}
	return out
}

type Options struct {
	PoolSize        int
	FinalizeTimeout time.Duration
	Prizes          [3]*big.Int
	Logger          *zap.Logger
	Now             func() time.Time
}

// Scanner reads completed and pending-finalization pools.
type Scanner struct {
	r        ledger.Reader
	poolSize int
	timeout  time.Duration
	prizes   [3]*big.Int
	log      *zap.Logger
	now      func() time.Time
}

func NewScanner(r ledger.Reader, opts Options) *Scanner {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 9
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 2 * time.Minute
	}
	for i := range opts.Prizes {
		if opts.Prizes[i] == nil {
			opts.Prizes[i] = DefaultPrizes[i]
		}
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{r: r, poolSize: opts.PoolSize, timeout: opts.FinalizeTimeout, prizes: opts.Prizes, log: opts.Logger, now: opts.Now}
}

// Scan reads up to limit pools below the current one.
func (s *Scanner) Scan(ctx context.Context, limit int) (*Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	current, err := s.r.CurrentPoolID(ctx)
	if err != nil {
		return nil, fmt.Errorf("current pool id: %w", err)
	}
	// 컨트랙트가 판정하는 시각은 블록 시각이다
	now, err := s.r.LatestTimestamp(ctx)
	if err != nil {
		s.log.Debug("prize_scan_block_time_failed", zap.Error(err))
		now = s.now()
	}

	var (
		mu        sync.Mutex
		completed []CompletedPool
		pending   []PendingPool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for id := current - 1; id > 0 && current-id <= uint64(limit); id-- {
		id := id
		g.Go(func() error {
			info, err := s.r.Pool(gctx, id)
			if err != nil {
				return fmt.Errorf("pool %d: %w", id, err)
			}
			full := info.PlayerCount >= s.poolSize
			switch {
			case info.IsCompleted:
				cp, err := s.completed(gctx, info)
				if err != nil {
					return err
				}
				mu.Lock()
				completed = append(completed, *cp)
				mu.Unlock()
			case full:
				at := info.StartTime.Add(s.timeout)
				mu.Lock()
				pending = append(pending, PendingPool{
					PoolID:      id,
					PlayerCount: info.PlayerCount,
					StartTime:   info.StartTime,
					FinalizeAt:  at,
					CanFinalize: now.After(at),
				})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].PoolID > completed[j].PoolID })
	sort.Slice(pending, func(i, j int) bool { return pending[i].PoolID > pending[j].PoolID })
	return &Summary{Completed: completed, Pending: pending, ScannedAt: now}, nil
}

func (s *Scanner) completed(ctx context.Context, info *ledger.PoolInfo) (*CompletedPool, error) {
	n := info.PlayerCount
	if n > s.poolSize {
		n = s.poolSize
	}
	players := make([]*ledger.Player, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			p, err := s.r.Player(gctx, info.ID, i)
			if err != nil {
				return fmt.Errorf("pool %d player %d: %w", info.ID, i, err)
			}
			players[i] = p
			return nil
		})
	}
	var won *ledger.PoolWinners
	g.Go(func() error {
		w, err := s.r.PoolWinners(gctx, info.ID)
		if err != nil {
			return fmt.Errorf("pool %d winners: %w", info.ID, err)
		}
		won = w
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[ledger.Identity]*ledger.Player)
	var submitted []*ledger.Player
	for _, p := range players {
		if p == nil || !p.Submitted {
			continue
		}
		submitted = append(submitted, p)
		if b, ok := best[p.Identity]; !ok || p.Accuracy > b.Accuracy {
			best[p.Identity] = p
		}
	}

	cp := &CompletedPool{PoolID: info.ID, PlayerCount: info.PlayerCount, StartTime: info.StartTime}
	if won != nil && won.HasWinners() {
		cp.HasClaimable = true
		for i, addr := range won.Winners {
			if addr == ledger.NoIdentity {
				continue
			}
			w := Winner{Identity: addr, Rank: i + 1, Prize: s.prizes[i], Claimed: won.Claimed[i], Claimable: true}
			if p := best[addr]; p != nil {
				w.FID = p.FID
				w.Accuracy = color.FromScaled(p.Accuracy)
			}
			cp.Winners = append(cp.Winners, w)
		}
		return cp, nil
	}

	// 기록된 우승자가 없으면 표시용 순위만: 이미 지급된 것으로 본다
	sort.SliceStable(submitted, func(i, j int) bool {
		if submitted[i].Accuracy != submitted[j].Accuracy {
			return submitted[i].Accuracy > submitted[j].Accuracy
		}
		return submitted[i].Timestamp.Before(submitted[j].Timestamp)
	})
	for i := 0; i < 3 && i < len(submitted); i++ {
		p := submitted[i]
		cp.Winners = append(cp.Winners, Winner{
			Identity: p.Identity,
			FID:      p.FID,
			Accuracy: color.FromScaled(p.Accuracy),
			Prize:    s.prizes[i],
			Rank:     i + 1,
			Claimed:  true,
		})
	}
	return cp, nil
}
