package session

import (
	"errors"

	"github.com/park285/colordrop-pool/internal/network"
	"github.com/park285/colordrop-pool/internal/slots"
	"github.com/park285/colordrop-pool/internal/txtrack"
	"github.com/park285/colordrop-pool/internal/verify"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrBadState     = errf("intent not valid in the current attempt state")
	ErrNoActivePool = errf("no active pool for identity")
	ErrNoResult     = errf("no scored result to submit")
)

// BlockedError is returned by ClickSlot when the reconciler refuses the click.
type BlockedError struct {
	Reason slots.Reason
}

func (e *BlockedError) Error() string { return "slot click blocked: " + string(e.Reason) }

// Code maps an error to its message catalog key.
func Code(err error) string {
	var blocked *BlockedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &blocked):
		return string(blocked.Reason)
	case errors.Is(err, network.ErrSwitchRejected):
		return "network_switch_rejected"
	case errors.Is(err, network.ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, txtrack.ErrReverted):
		return "write_reverted"
	case errors.Is(err, verify.ErrOracle):
		return "verification_error"
	case errors.Is(err, verify.ErrTimeout):
		return "verification_timeout"
	case errors.Is(err, ErrNoActivePool):
		return "no_active_pool"
	case errors.Is(err, ErrBadState):
		return "bad_state"
	default:
		return "write_rejected"
	}
}

// Retryable reports whether the UI should offer a retry for err.
func Retryable(err error) bool {
	var blocked *BlockedError
	return err != nil && !errors.As(err, &blocked) && !errors.Is(err, ErrBadState)
}
