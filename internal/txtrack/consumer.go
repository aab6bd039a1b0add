package txtrack

import (
	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

// Consumer turns terminal updates into at-most-once events for the handle its
// owner is currently waiting on. Updates for other or already consumed handles
// are logged and dropped.
type Consumer struct {
	log                *zap.Logger
	awaiting           ledger.Handle
	lastConsumedHandle ledger.Handle
	consumed           map[ledger.Handle]struct{}
}

func NewConsumer(log *zap.Logger) *Consumer {
	if log == nil {
		log = obslog.L()
	}
	return &Consumer{log: log, consumed: make(map[ledger.Handle]struct{})}
}

// Await names the handle whose terminal update should be acted on next.
func (c *Consumer) Await(h ledger.Handle) { c.awaiting = h }

// Awaiting returns the awaited handle, zero when none.
func (c *Consumer) Awaiting() ledger.Handle { return c.awaiting }

// Clear stops waiting without consuming anything.
func (c *Consumer) Clear() { c.awaiting = ledger.Handle{} }

// LastConsumed returns the most recently consumed handle.
func (c *Consumer) LastConsumed() ledger.Handle { return c.lastConsumedHandle }

// Consume reports whether u should drive a transition. It returns true at most
// once per handle.
func (c *Consumer) Consume(u Update) bool {
	if !u.Status.Terminal() {
		return false
	}
	if _, seen := c.consumed[u.Handle]; seen || u.Handle == c.lastConsumedHandle {
		c.log.Info("tx_stale_success_ignored", zap.String("handle", u.Handle.Hex()), zap.String("reason", "already_consumed"), zap.String("status", u.Status.String()))
		return false
	}
	if c.awaiting == (ledger.Handle{}) || u.Handle != c.awaiting {
		c.log.Info("tx_stale_success_ignored", zap.String("handle", u.Handle.Hex()), zap.String("awaiting", c.awaiting.Hex()), zap.String("reason", "not_awaited"), zap.String("status", u.Status.String()))
		return false
	}
	c.consumed[u.Handle] = struct{}{}
	c.lastConsumedHandle = u.Handle
	c.awaiting = ledger.Handle{}
	return true
}
