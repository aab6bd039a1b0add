// Package verify runs the identity verification gate in front of every slot
// claim: it decides whether the prompt may be skipped, and when the user starts
// verification it polls the oracle for a bounded time.
//
// The gate keeps no memory between claim attempts. A claim past the free slot
// threshold shows the prompt again even if an earlier attempt verified.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrTimeout        = errf("verification timed out")
	ErrOracle         = errf("verification oracle unavailable")
	ErrNotSkippable   = errf("verification is required for this slot")
	ErrBadState       = errf("verification gate is not in the required state")
	ErrAlreadyStarted = errf("poll task already started")
)

// State of the gate.
type State int

const (
	StateIdle State = iota
	StatePrompting
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateVerifying:
		return "verifying"
	}
	return "unknown"
}

// Outcome says why the gate went back to idle.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeResolved
	OutcomeSkipped
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "none"
}

// Path is how the user reaches the verifier.
type Path string

const (
	PathDeepLink Path = "deeplink"
	PathQR       Path = "qr"
)

// Event is published on every gate transition.
type Event struct {
	State     State
	Outcome   Outcome
	Skippable bool
	Err       error
	Attempts  int
}

// Prompt is what the UI may offer while prompting.
type Prompt struct {
	Skippable bool
	// Paths available in this environment.
	Paths []Path
}

// Oracle answers whether identity has a fresh, unconsumed verification.
type Oracle interface {
	Check(ctx context.Context, who ledger.Identity) (bool, error)
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Paths       []Path
	Links       *LinkBuilder
	Logger      *zap.Logger
}

// Gate is one identity's verification gate.
type Gate struct {
	oracle      Oracle
	who         ledger.Identity
	interval    time.Duration
	maxAttempts int
	paths       []Path
	links       *LinkBuilder
	log         *zap.Logger

	mu        sync.Mutex
	state     State
	skippable bool
	task      *PollTask
	lastErr   error
	events    chan Event
}

func NewGate(o Oracle, who ledger.Identity, opts Options) *Gate {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if len(opts.Paths) == 0 {
		opts.Paths = []Path{PathDeepLink, PathQR}
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	return &Gate{
		oracle:      o,
		who:         who,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		paths:       opts.Paths,
		links:       opts.Links,
		log:         opts.Logger,
		events:      make(chan Event, 16),
	}
}

// Events delivers gate transitions.
func (g *Gate) Events() <-chan Event { return g.events }

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Skippable reports the current prompt's skip affordance.
func (g *Gate) Skippable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state != StateIdle && g.skippable
}

// LastErr is the error that sent the gate back to prompting, if any.
func (g *Gate) LastErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// PollStatus returns the running verification poll status, if any.
func (g *Gate) PollStatus() (PollStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.task == nil {
		return PollStatus{}, false
	}
	return g.task.Status(), true
}

// SkipAllowed is the presentation policy: under the unverified slot limit the
// prompt may be skipped. An unknown status never allows a skip.
func SkipAllowed(st *ledger.UserStatus) bool {
	if st == nil {
		return false
	}
	return st.SlotsUsed < st.UnverifiedSlotLimit
}

// Open starts a new claim attempt's prompt. The verified flag on st is ignored.
func (g *Gate) Open(st *ledger.UserStatus) (Prompt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateIdle {
		return Prompt{}, fmt.Errorf("open from %s: %w", g.state, ErrBadState)
	}
	g.state = StatePrompting
	g.skippable = SkipAllowed(st)
	g.lastErr = nil
	g.emitLocked(Event{State: StatePrompting, Skippable: g.skippable})
	paths := make([]Path, len(g.paths))
	copy(paths, g.paths)
	return Prompt{Skippable: g.skippable, Paths: paths}, nil
}

// Skip closes a skippable prompt; the caller proceeds straight to payment.
func (g *Gate) Skip() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePrompting {
		return fmt.Errorf("skip from %s: %w", g.state, ErrBadState)
	}
	if !g.skippable {
		return ErrNotSkippable
	}
	g.state = StateIdle
	g.emitLocked(Event{State: StateIdle, Outcome: OutcomeSkipped})
	return nil
}

// Cancel aborts the claim attempt from any non-idle state and stops polling.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateIdle {
		return
	}
	g.stopLocked()
	g.state = StateIdle
	g.emitLocked(Event{State: StateIdle, Outcome: OutcomeCancelled})
}

// Begin starts verification along path and returns the link or QR payload to
// present. Polling starts immediately.
func (g *Gate) Begin(ctx context.Context, path Path) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePrompting {
		return "", fmt.Errorf("begin from %s: %w", g.state, ErrBadState)
	}
	if !g.hasPath(path) {
		return "", fmt.Errorf("verification path %q not offered", path)
	}

	var target string
	if g.links != nil {
		var err error
		if path == PathQR {
			target, err = g.links.QRPayload(g.who)
		} else {
			target, err = g.links.UniversalLink(g.who)
		}
		if err != nil {
			return "", err
		}
	}

	task := NewPollTask(g.interval, g.maxAttempts, func(ctx context.Context) (bool, error) {
		return g.oracle.Check(ctx, g.who)
	})
	if err := task.Start(ctx, func(st PollStatus) { g.finished(task, st) }); err != nil {
		return "", err
	}
	g.task = task
	g.state = StateVerifying
	g.lastErr = nil
	g.log.Info("verify_started", zap.String("identity", g.who.Hex()), zap.String("path", string(path)))
	g.emitLocked(Event{State: StateVerifying, Skippable: g.skippable})
	return target, nil
}

func (g *Gate) finished(task *PollTask, st PollStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// 취소되었거나 다른 시도로 교체된 task의 결과는 무시
	if g.task != task || g.state != StateVerifying {
		return
	}
	g.task = nil
	switch st.Result {
	case PollSucceeded:
		g.state = StateIdle
		g.log.Info("verify_resolved", zap.String("identity", g.who.Hex()), zap.Int("attempts", st.Attempts))
		g.emitLocked(Event{State: StateIdle, Outcome: OutcomeResolved, Attempts: st.Attempts})
	case PollExhausted:
		err := ErrTimeout
		if st.Errors == st.Attempts && st.LastErr != nil {
			err = fmt.Errorf("%w: %v", ErrOracle, st.LastErr)
		}
		g.state = StatePrompting
		g.lastErr = err
		g.log.Warn("verify_poll_timeout", zap.String("identity", g.who.Hex()), zap.Int("attempts", st.Attempts), zap.Error(err))
		g.emitLocked(Event{State: StatePrompting, Skippable: g.skippable, Err: err, Attempts: st.Attempts})
	}
}

func (g *Gate) stopLocked() {
	if g.task != nil {
		g.task.Stop()
		g.task = nil
	}
}

func (g *Gate) hasPath(p Path) bool {
	for _, x := range g.paths {
		if x == p {
			return true
		}
	}
	return false
}

func (g *Gate) emitLocked(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("verify_event_dropped", zap.String("state", ev.State.String()))
	}
}
