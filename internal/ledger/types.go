// Package ledger describes the remote pool ledger as the client sees it: the
// read surface polled for snapshots, the fee-bearing write surface, receipts
// and the wallet's network identity.
package ledger

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Handle identifies one accepted remote write (the transaction hash).
type Handle = common.Hash

// Identity is a wallet address.
type Identity = common.Address

// NoIdentity is the zero address an empty slot reports.
var NoIdentity = common.Address{}

// SameIdentity compares addresses case-insensitively via their canonical bytes.
func SameIdentity(a, b Identity) bool { return a == b }

// ParseIdentity accepts 0x-prefixed hex addresses in any letter case.
func ParseIdentity(s string) (Identity, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return NoIdentity, false
	}
	return common.HexToAddress(s), true
}

// Slot is one seat in a pool.
type Slot struct {
	Occupant     Identity `json:"occupant"`
	HasSubmitted bool     `json:"has_submitted"`
}

// Occupied reports whether anyone holds the slot.
func (s Slot) Occupied() bool { return s.Occupant != NoIdentity }

// PoolSnapshot is a point-in-time read of the active pool. It is produced fresh on
// every poll and never patched in place.
type PoolSnapshot struct {
	PoolID      uint64    `json:"pool_id"`
	Slots       []Slot    `json:"slots"`
	IsFull      bool      `json:"is_full"`
	IsFinalized bool      `json:"is_finalized"`
	StartTime   time.Time `json:"start_time"`
}

// Size is the fixed slot count N.
func (p *PoolSnapshot) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Slots)
}

// OccupiedCount counts slots with an occupant.
func (p *PoolSnapshot) OccupiedCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, s := range p.Slots {
		if s.Occupied() {
			n++
		}
	}
	return n
}

// Consistent checks the snapshot invariants: isFinalized ⇒ isFull, isFull ⇔ every slot occupied.
func (p *PoolSnapshot) Consistent() bool {
	if p == nil {
		return false
	}
	if p.IsFinalized && !p.IsFull {
		return false
	}
	return p.IsFull == (p.OccupiedCount() == len(p.Slots))
}

// UserStatus is the calling identity's verification and slot counters.
type UserStatus struct {
	Verified            bool `json:"verified"`
	SlotsUsed           int  `json:"slots_used"`
	UnverifiedSlotLimit int  `json:"unverified_slot_limit"`
	SlotsAvailable      int  `json:"slots_available"`
	CanJoin             bool `json:"can_join"`
}

// Player is one row of getPlayer(poolId, index).
type Player struct {
	Identity  Identity  `json:"identity"`
	FID       uint64    `json:"fid"`
	Accuracy  uint16    `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Submitted bool      `json:"submitted"`
}

// PoolInfo is the pool header returned by getPool(id).
type PoolInfo struct {
	ID          uint64    `json:"id"`
	PlayerCount int       `json:"player_count"`
	IsActive    bool      `json:"is_active"`
	IsCompleted bool      `json:"is_completed"`
	StartTime   time.Time `json:"start_time"`
	TargetColor string    `json:"target_color,omitempty"`
}

// PoolWinners are the top three recorded at finalization plus their claim flags.
type PoolWinners struct {
	Winners [3]Identity `json:"winners"`
	Claimed [3]bool     `json:"claimed"`
}

// HasWinners reports whether finalization recorded any winner.
func (w PoolWinners) HasWinners() bool {
	for _, a := range w.Winners {
		if a != NoIdentity {
			return true
		}
	}
	return false
}

// WriteKind names the four irreversible writes.
type WriteKind string

const (
	WriteJoin     WriteKind = "join"
	WriteSubmit   WriteKind = "submit"
	WriteClaim    WriteKind = "claim"
	WriteFinalize WriteKind = "finalize"
)

// WriteRequest carries the parameters of one write.
type WriteRequest struct {
	Kind WriteKind
	From Identity
	// join
	FID   uint64
	Value *big.Int
	// submit, claim, finalize
	PoolID uint64
	// submit: 2-decimal fixed point accuracy (95.67% → 9567)
	ScaledAccuracy uint16
	// Slot is bookkeeping only; it is never sent to the ledger.
	Slot *int
}

// Receipt is the inclusion result of a write.
type Receipt struct {
	Handle      Handle
	BlockNumber uint64
	Success     bool
}

// JoinSlot builds the value-bearing join write.
func JoinSlot(from Identity, fid uint64, fee *big.Int) WriteRequest {
	return WriteRequest{Kind: WriteJoin, From: from, FID: fid, Value: fee}
}

// SubmitScore builds the score submission for poolID.
func SubmitScore(from Identity, poolID uint64, scaled uint16) WriteRequest {
	return WriteRequest{Kind: WriteSubmit, From: from, PoolID: poolID, ScaledAccuracy: scaled}
}

func ClaimPrize(from Identity, poolID uint64) WriteRequest {
	return WriteRequest{Kind: WriteClaim, From: from, PoolID: poolID}
}

func FinalizePool(from Identity, poolID uint64) WriteRequest {
	return WriteRequest{Kind: WriteFinalize, From: from, PoolID: poolID}
}
