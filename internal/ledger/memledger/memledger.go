// Package memledger is an in-memory pool ledger used for development mode and
// tests. It follows the deployed contract's observable rules closely enough for
// the client to be exercised end to end: ordered slot assignment, one unfinished
// slot per identity, the unverified slot limit, rollover to the next pool when
// full, finalization after a timeout and one-time prize claims.
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/park285/colordrop-pool/internal/ledger"
)

var (
	ErrWrongChain       = errf("transaction sent on the wrong chain")
	ErrInsufficientFee  = errf("insufficient entry fee")
	ErrUnfinishedGame   = errf("finish your current game first")
	ErrSlotLimit        = errf("verify to unlock more slots")
	ErrNoActivePool     = errf("no active pool for user")
	ErrNotFull          = errf("pool not full")
	ErrAlreadyFinalized = errf("pool already finalized")
	ErrTooEarly         = errf("finalization timeout not reached")
	ErrNotWinner        = errf("not a winner or already claimed")
	ErrNotCompleted     = errf("pool not completed")
	ErrUserRejected     = errf("user rejected the request")
	ErrSwitchRejected   = errf("user rejected network switch")
	ErrUnknownPool      = errf("unknown pool")
)

var _ ledger.Chain = (*Ledger)(nil)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Config sets the ledger's fixed parameters.
type Config struct {
	ChainID             uint64
	PoolSize            int
	EntryFee            *big.Int
	UnverifiedSlotLimit int
	FinalizeTimeout     time.Duration
	// AutoMine includes every accepted write immediately.
	AutoMine bool
}

type player struct {
	who       ledger.Identity
	fid       uint64
	accuracy  uint16
	timestamp time.Time
	submitted bool
}

type pool struct {
	id        uint64
	players   []*player
	completed bool
	startTime time.Time
	winners   ledger.PoolWinners
}

type queuedTx struct {
	hash ledger.Handle
	req  ledger.WriteRequest
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	current    uint64
	pools      map[uint64]*pool
	verified   map[ledger.Identity]bool
	slotsUsed  map[uint64]map[ledger.Identity]int
	activePool map[ledger.Identity]uint64

	block    uint64
	nonce    uint64
	queue    []queuedTx
	receipts map[ledger.Handle]*ledger.Receipt

	walletChain  uint64
	rejectSwitch bool
	rejectNext   error
	revertNext   bool
}

// New returns a ledger with pool 1 open and the wallet on the ledger's chain.
func New(cfg Config) *Ledger {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 9
	}
	if cfg.EntryFee == nil {
		cfg.EntryFee = big.NewInt(0)
	}
	if cfg.UnverifiedSlotLimit <= 0 {
		cfg.UnverifiedSlotLimit = 2
	}
	l := &Ledger{
		cfg:         cfg,
		now:         time.Now,
		pools:       make(map[uint64]*pool),
		verified:    make(map[ledger.Identity]bool),
		slotsUsed:   make(map[uint64]map[ledger.Identity]int),
		activePool:  make(map[ledger.Identity]uint64),
		receipts:    make(map[ledger.Handle]*ledger.Receipt),
		walletChain: cfg.ChainID,
	}
	l.openPool(1)
	return l
}

// SetClock replaces the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) openPool(id uint64) {
	l.current = id
	l.pools[id] = &pool{id: id, startTime: l.now()}
	l.slotsUsed[id] = make(map[ledger.Identity]int)
}

// --- test and dev controls ---

// SetVerified marks an identity as verified on the ledger.
func (l *Ledger) SetVerified(who ledger.Identity, v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verified[who] = v
}

// SetAutoMine switches between immediate inclusion and explicit Mine calls.
func (l *Ledger) SetAutoMine(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.AutoMine = v
}

// SetWalletChain moves the simulated wallet to another network.
func (l *Ledger) SetWalletChain(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.walletChain = id
}

// RejectSwitch makes subsequent SwitchChain calls fail.
func (l *Ledger) RejectSwitch(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectSwitch = v
}

// RejectNext makes the next Send fail with err before a handle is assigned.
func (l *Ledger) RejectNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNext = err
}

// RevertNext makes the next accepted write fail on inclusion.
func (l *Ledger) RevertNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext = true
}

// Occupy seats who in the current pool directly, bypassing fees and checks.
func (l *Ledger) Occupy(who ledger.Identity, submitted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pools[l.current]
	p.players = append(p.players, &player{who: who, fid: 1, submitted: submitted, timestamp: l.now()})
	l.slotsUsed[p.id][who]++
	if !submitted {
		l.activePool[who] = p.id
	}
	if len(p.players) == l.cfg.PoolSize {
		l.openPool(p.id + 1)
	}
}

// Mine includes every queued write in a new block.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
}

// Pending reports how many accepted writes await inclusion.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Ledger) mineLocked() {
	l.block++
	for _, tx := range l.queue {
		ok := true
		if l.revertNext {
			ok = false
			l.revertNext = false
		} else if err := l.apply(tx.req); err != nil {
			ok = false
		}
		l.receipts[tx.hash] = &ledger.Receipt{Handle: tx.hash, BlockNumber: l.block, Success: ok}
	}
	l.queue = nil
}

// --- ledger.Reader ---

func (l *Ledger) CurrentPoolID(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, nil
}

func (l *Ledger) Pool(ctx context.Context, id uint64) (*ledger.PoolInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[id]
	if !ok {
		return nil, ErrUnknownPool
	}
	return &ledger.PoolInfo{
		ID:          p.id,
		PlayerCount: len(p.players),
		IsActive:    !p.completed && len(p.players) < l.cfg.PoolSize,
		IsCompleted: p.completed,
		StartTime:   p.startTime,
	}, nil
}

func (l *Ledger) UserStatus(ctx context.Context, who ledger.Identity) (*ledger.UserStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	used := l.slotsUsed[l.current][who]
	verified := l.verified[who]
	avail := l.cfg.UnverifiedSlotLimit
	if verified {
		avail = l.cfg.PoolSize
	}
	canJoin := l.activePool[who] == 0 && (verified || used < l.cfg.UnverifiedSlotLimit)
	return &ledger.UserStatus{
		Verified:            verified,
		SlotsUsed:           used,
		UnverifiedSlotLimit: l.cfg.UnverifiedSlotLimit,
		SlotsAvailable:      avail,
		CanJoin:             canJoin,
	}, nil
}

func (l *Ledger) Player(ctx context.Context, poolID uint64, index int) (*ledger.Player, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[poolID]
	if !ok {
		return nil, ErrUnknownPool
	}
	if index < 0 || index >= len(p.players) {
		return nil, fmt.Errorf("player index %d out of range", index)
	}
	pl := p.players[index]
	return &ledger.Player{Identity: pl.who, FID: pl.fid, Accuracy: pl.accuracy, Timestamp: pl.timestamp, Submitted: pl.submitted}, nil
}

func (l *Ledger) ActivePoolID(ctx context.Context, who ledger.Identity) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activePool[who], nil
}

func (l *Ledger) PoolWinners(ctx context.Context, poolID uint64) (*ledger.PoolWinners, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[poolID]
	if !ok {
		return nil, ErrUnknownPool
	}
	w := p.winners
	return &w, nil
}

func (l *Ledger) LatestTimestamp(ctx context.Context) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now(), nil
}

// --- ledger.Network ---

func (l *Ledger) ChainID(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.walletChain, nil
}

func (l *Ledger) SwitchChain(ctx context.Context, chainID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectSwitch {
		return ErrSwitchRejected
	}
	l.walletChain = chainID
	return nil
}

// --- ledger.Writer / ledger.Receipts ---

func (l *Ledger) Send(ctx context.Context, req ledger.WriteRequest) (ledger.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rejectNext; err != nil {
		l.rejectNext = nil
		return ledger.Handle{}, err
	}
	if l.walletChain != l.cfg.ChainID {
		return ledger.Handle{}, ErrWrongChain
	}
	// eth_sendTransaction은 가스 추정 단계에서 revert를 먼저 돌려준다
	if err := l.check(req); err != nil {
		return ledger.Handle{}, err
	}
	l.nonce++
	h := txHash(req, l.nonce)
	l.queue = append(l.queue, queuedTx{hash: h, req: req})
	if l.cfg.AutoMine {
		l.mineLocked()
	}
	return h, nil
}

func (l *Ledger) Receipt(ctx context.Context, h ledger.Handle) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[h]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

func txHash(req ledger.WriteRequest, nonce uint64) ledger.Handle {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	h.Write([]byte(req.Kind))
	h.Write(req.From.Bytes())
	binary.BigEndian.PutUint64(buf[:], req.PoolID)
	h.Write(buf[:])
	var out ledger.Handle
	copy(out[:], h.Sum(nil))
	return out
}

// check validates req against current state without mutating it.
func (l *Ledger) check(req ledger.WriteRequest) error {
	switch req.Kind {
	case ledger.WriteJoin:
		if req.Value == nil || req.Value.Cmp(l.cfg.EntryFee) < 0 {
			return ErrInsufficientFee
		}
		if l.activePool[req.From] != 0 {
			return ErrUnfinishedGame
		}
		if !l.verified[req.From] && l.slotsUsed[l.current][req.From] >= l.cfg.UnverifiedSlotLimit {
			return ErrSlotLimit
		}
		return nil
	case ledger.WriteSubmit:
		if req.PoolID == 0 || l.activePool[req.From] != req.PoolID {
			return ErrNoActivePool
		}
		return nil
	case ledger.WriteFinalize:
		p, ok := l.pools[req.PoolID]
		if !ok {
			return ErrUnknownPool
		}
		if p.completed {
			return ErrAlreadyFinalized
		}
		if len(p.players) < l.cfg.PoolSize {
			return ErrNotFull
		}
		if !l.now().After(p.startTime.Add(l.cfg.FinalizeTimeout)) {
			return ErrTooEarly
		}
		return nil
	case ledger.WriteClaim:
		p, ok := l.pools[req.PoolID]
		if !ok {
			return ErrUnknownPool
		}
		if !p.completed {
			return ErrNotCompleted
		}
		if claimRank(p, req.From) < 0 {
			return ErrNotWinner
		}
		return nil
	default:
		return fmt.Errorf("unsupported write kind %q", req.Kind)
	}
}

func claimRank(p *pool, who ledger.Identity) int {
	for i, w := range p.winners.Winners {
		if w == who && w != ledger.NoIdentity && !p.winners.Claimed[i] {
			return i
		}
	}
	return -1
}

// apply re-validates and mutates state at inclusion time.
func (l *Ledger) apply(req ledger.WriteRequest) error {
	if err := l.check(req); err != nil {
		return err
	}
	switch req.Kind {
	case ledger.WriteJoin:
		p := l.pools[l.current]
		p.players = append(p.players, &player{who: req.From, fid: req.FID, timestamp: l.now()})
		l.slotsUsed[p.id][req.From]++
		l.activePool[req.From] = p.id
		if len(p.players) == l.cfg.PoolSize {
			l.openPool(p.id + 1)
		}
	case ledger.WriteSubmit:
		p := l.pools[req.PoolID]
		for _, pl := range p.players {
			if pl.who == req.From && !pl.submitted {
				pl.submitted = true
				pl.accuracy = req.ScaledAccuracy
				pl.timestamp = l.now()
				break
			}
		}
		l.activePool[req.From] = 0
	case ledger.WriteFinalize:
		p := l.pools[req.PoolID]
		ranked := make([]*player, 0, len(p.players))
		for _, pl := range p.players {
			if pl.submitted {
				ranked = append(ranked, pl)
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].accuracy != ranked[j].accuracy {
				return ranked[i].accuracy > ranked[j].accuracy
			}
			return ranked[i].timestamp.Before(ranked[j].timestamp)
		})
		for i := 0; i < 3 && i < len(ranked); i++ {
			p.winners.Winners[i] = ranked[i].who
		}
		p.completed = true
	case ledger.WriteClaim:
		p := l.pools[req.PoolID]
		p.winners.Claimed[claimRank(p, req.From)] = true
	}
	return nil
}
