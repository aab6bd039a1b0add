// Package slots derives per-slot classes from the freshest snapshot and decides
// what a click on a slot may do. Nothing here is stored; every Board is
// recomputed from a View, the identity and the one local pending join.
package slots

import (
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/verify"
)

// Class is exactly one of four per slot.
type Class int

const (
	Available Class = iota
	MineUnfinished
	MineFinished
	TakenByOther
)

func (c Class) String() string {
	switch c {
	case Available:
		return "available"
	case MineUnfinished:
		return "mine-unfinished"
	case MineFinished:
		return "mine-finished"
	case TakenByOther:
		return "taken-by-other"
	}
	return "unknown"
}

// Pending is this identity's in-flight join, tracked apart from the snapshot.
type Pending struct {
	// Index is the slot the user clicked.
	Index  int
	PoolID uint64
	Handle ledger.Handle
	// Confirmed is set once the join's receipt succeeded; ConfirmedSeq is the
	// last view sequence seen at that moment.
	Confirmed    bool
	ConfirmedSeq uint64
}

// SlotView is one rendered slot.
type SlotView struct {
	Index int
	Class Class
	// Pending marks a slot shown as mine only because of the local pending join.
	Pending bool
}

// Board is the classification of one View.
type Board struct {
	Ready       bool
	PoolID      uint64
	Slots       []SlotView
	IsFull      bool
	IsFinalized bool
	// Unfinished is the index of my unsubmitted slot in this pool, or -1.
	Unfinished int
	// UnfinishedElsewhere is a previous pool holding my unsubmitted slot, or 0.
	UnfinishedElsewhere uint64
	Status              *ledger.UserStatus
}

// HasUnfinished reports whether the identity holds any unsubmitted slot.
func (b Board) HasUnfinished() bool { return b.Unfinished >= 0 || b.UnfinishedElsewhere != 0 }

// Counts returns slots per class.
func (b Board) Counts() map[Class]int {
	out := make(map[Class]int, 4)
	for _, s := range b.Slots {
		out[s.Class]++
	}
	return out
}

// Classify builds a Board. A zero View gives a not-ready board with no slots.
func Classify(v remote.View, who ledger.Identity, pending *Pending) Board {
	b := Board{Unfinished: -1, Status: v.Status}
	snap := v.Snapshot
	if snap == nil {
		return b
	}
	b.Ready = true
	b.PoolID = snap.PoolID
	b.IsFull = snap.IsFull
	b.IsFinalized = snap.IsFinalized
	b.Slots = make([]SlotView, len(snap.Slots))

	for i, s := range snap.Slots {
		c := classify(s, who)
		b.Slots[i] = SlotView{Index: i, Class: c}
		if c == MineUnfinished && b.Unfinished < 0 {
			b.Unfinished = i
		}
	}

	if pending != nil && pending.PoolID == snap.PoolID && !Settled(v, who, pending) {
		i := pending.Index
		if i >= 0 && i < len(b.Slots) && b.Slots[i].Class == Available {
			b.Slots[i] = SlotView{Index: i, Class: MineUnfinished, Pending: true}
			if b.Unfinished < 0 {
				b.Unfinished = i
			}
		}
	}

	if who != ledger.NoIdentity && v.ActivePoolID != 0 && v.ActivePoolID != snap.PoolID {
		b.UnfinishedElsewhere = v.ActivePoolID
	}
	return b
}

func classify(s ledger.Slot, who ledger.Identity) Class {
	switch {
	case !s.Occupied():
		return Available
	case who == ledger.NoIdentity || !ledger.SameIdentity(s.Occupant, who):
		return TakenByOther
	case s.HasSubmitted:
		return MineFinished
	default:
		return MineUnfinished
	}
}

// Settled reports whether a snapshot newer than the join's confirmation shows
// the joined slot, so the local pending marker can be dropped.
func Settled(v remote.View, who ledger.Identity, p *Pending) bool {
	if p == nil {
		return true
	}
	if !p.Confirmed || v.Seq <= p.ConfirmedSeq || v.Snapshot == nil {
		return false
	}
	if v.ActivePoolID == p.PoolID {
		return true
	}
	if v.Snapshot.PoolID != p.PoolID {
		return false
	}
	for _, s := range v.Snapshot.Slots {
		if s.Occupied() && ledger.SameIdentity(s.Occupant, who) && !s.HasSubmitted {
			return true
		}
	}
	return false
}

// Action is what a click resolves to.
type Action int

const (
	NoOp Action = iota
	EnterPlay
	Blocked
	OpenGate
)

func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case EnterPlay:
		return "enter-play"
	case Blocked:
		return "blocked"
	case OpenGate:
		return "open-gate"
	}
	return "unknown"
}

// Reason explains a Blocked or NoOp decision; values are message catalog keys.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUnfinishedGame Reason = "unfinished_game"
	ReasonNotReady       Reason = "not_ready"
	ReasonNotConnected   Reason = "not_connected"
	ReasonOutOfRange     Reason = "out_of_range"
	ReasonTaken          Reason = "slot_taken"
	ReasonFinished       Reason = "slot_finished"
	ReasonJoinPending    Reason = "join_pending"
)

// Decision is the outcome of a click.
type Decision struct {
	Action    Action
	Reason    Reason
	Slot      int
	Skippable bool
	// PoolID to play for EnterPlay.
	PoolID uint64
}

// Decide resolves a click on index. Only OpenGate may lead to a write, and only
// through the verification gate.
func Decide(b Board, who ledger.Identity, index int) Decision {
	d := Decision{Slot: index}
	if who == ledger.NoIdentity {
		d.Action, d.Reason = Blocked, ReasonNotConnected
		return d
	}
	if !b.Ready {
		d.Reason = ReasonNotReady
		return d
	}
	if index < 0 || index >= len(b.Slots) {
		d.Reason = ReasonOutOfRange
		return d
	}

	s := b.Slots[index]
	switch s.Class {
	case TakenByOther:
		d.Reason = ReasonTaken
		return d
	case MineFinished:
		d.Reason = ReasonFinished
		return d
	case MineUnfinished:
		if s.Pending {
			d.Reason = ReasonJoinPending
			return d
		}
		d.Action, d.PoolID = EnterPlay, b.PoolID
		return d
	}

	// Available: 로컬 스냅샷 기준으로 미완료 슬롯이 있으면 canJoin과 무관하게 막는다
	if b.HasUnfinished() {
		d.Action, d.Reason = Blocked, ReasonUnfinishedGame
		return d
	}
	d.Action = OpenGate
	d.Skippable = verify.SkipAllowed(b.Status)
	return d
}
