// Package session sequences one slot-claim attempt at a time:
// gate → payment → timed round → score submission.
package session

import (
	"time"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/verify"
)

// State is the attempt lifecycle position.
type State string

const (
	StateIdle           State = "idle"
	StateGate           State = "gate"
	StatePaymentPending State = "payment-pending"
	StatePlaying        State = "playing"
	StateScored         State = "scored"
	StateSubmitting     State = "submitting"
	StateSettled        State = "settled"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// Terminal states accept a new ClickSlot.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateSettled || s == StateCancelled
}

// GameResult is computed once, when the round timer fires.
type GameResult struct {
	PoolID         uint64    `json:"pool_id"`
	Slot           int       `json:"slot"`
	Target         color.HSL `json:"target"`
	Guess          color.HSL `json:"guess"`
	Accuracy       float64   `json:"accuracy"`
	ScaledAccuracy uint16    `json:"scaled_accuracy"`
	Tier           string    `json:"tier"`
	ScoredAt       time.Time `json:"scored_at"`
	AttemptID      string    `json:"attempt_id"`
	JoinHandle     string    `json:"join_handle,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// Attempt is an immutable copy of the orchestrator's current attempt.
type Attempt struct {
	ID    string
	State State
	Slot  int
	// PoolID is the pool the slot was clicked in.
	PoolID uint64

	// gate
	Skippable   bool
	GateState   verify.State
	Paths       []verify.Path
	VerifyPath  verify.Path
	VerifyLink  string
	VerifyError error

	// payment
	Sending      bool
	JoinHandle   ledger.Handle
	SubmitHandle ledger.Handle

	// round
	Target        color.HSL
	Guess         color.HSL
	RoundDeadline time.Time
	Result        *GameResult

	// Err is the surfaced failure. FailedFrom is where a retry resumes.
	Err        error
	FailedFrom State

	StartedAt time.Time
	UpdatedAt time.Time
}
