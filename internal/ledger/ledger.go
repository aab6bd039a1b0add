package ledger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reader is the polled read surface of the ledger.
type Reader interface {
	CurrentPoolID(ctx context.Context) (uint64, error)
	Pool(ctx context.Context, id uint64) (*PoolInfo, error)
	UserStatus(ctx context.Context, who Identity) (*UserStatus, error)
	Player(ctx context.Context, poolID uint64, index int) (*Player, error)
	// ActivePoolID is the pool the identity holds an unfinished slot in (0 when none).
	ActivePoolID(ctx context.Context, who Identity) (uint64, error)
	PoolWinners(ctx context.Context, poolID uint64) (*PoolWinners, error)
	// LatestTimestamp is the ledger's own clock (latest block time).
	LatestTimestamp(ctx context.Context) (time.Time, error)
}

// Writer submits irreversible, fee-bearing writes. Every method returns the
// handle assigned once the network accepted the write.
type Writer interface {
	Send(ctx context.Context, req WriteRequest) (Handle, error)
}

// Receipts looks up inclusion of a previously accepted write. A nil receipt with
// nil error means the write is not yet included.
type Receipts interface {
	Receipt(ctx context.Context, h Handle) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Network is the wallet/session network identity.
type Network interface {
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
}

// Chain is a full ledger backend: reads, writes, receipts and the wallet network.
type Chain interface {
	Reader
	Writer
	Receipts
	Network
}

// maxParallelPlayerReads bounds concurrent getPlayer calls per snapshot.
const maxParallelPlayerReads = 8

// ReadSnapshot assembles a PoolSnapshot of size poolSize for pool id: the pool
// header plus one player row per occupied index.
func ReadSnapshot(ctx context.Context, r Reader, id uint64, poolSize int) (*PoolSnapshot, error) {
	info, err := r.Pool(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read pool %d: %w", id, err)
	}
	if info.PlayerCount > poolSize {
		return nil, fmt.Errorf("pool %d reports %d players, capacity %d", id, info.PlayerCount, poolSize)
	}

	slots := make([]Slot, poolSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPlayerReads)
	for i := 0; i < info.PlayerCount; i++ {
		i := i
		g.Go(func() error {
			p, err := r.Player(gctx, id, i)
			if err != nil {
				return fmt.Errorf("read player %d/%d: %w", id, i, err)
			}
			// 각 goroutine은 자기 인덱스만 기록
			slots[i] = Slot{Occupant: p.Identity, HasSubmitted: p.Submitted}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &PoolSnapshot{
		PoolID:      id,
		Slots:       slots,
		IsFull:      info.PlayerCount == poolSize,
		IsFinalized: info.IsCompleted,
		StartTime:   info.StartTime,
	}
	return snap, nil
}
