// Package network keeps every write on the one sanctioned chain.
package network

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/obslog"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	// ErrWrongNetwork is returned whenever a write must not proceed because the
	// session is, or may still be, on another chain.
	ErrWrongNetwork = errf("wrong network")
	// ErrSwitchRejected marks a switch the wallet declined or failed.
	ErrSwitchRejected = errf("network switch rejected")
)

// MismatchError carries the observed and expected chain ids.
type MismatchError struct {
	Want, Got uint64
	Cause     error
}

func (e *MismatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wrong network: on chain %d, want %d: %v", e.Got, e.Want, e.Cause)
	}
	return fmt.Sprintf("wrong network: on chain %d, want %d", e.Got, e.Want)
}

func (e *MismatchError) Is(target error) bool { return target == ErrWrongNetwork }

func (e *MismatchError) Unwrap() error { return e.Cause }

// Guard compares the session chain with the sanctioned one and drives a switch.
type Guard struct {
	net     ledger.Network
	want    uint64
	name    string
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Guard)

// WithSwitchTimeout bounds the switch request when the wallet has no timeout of its own.
func WithSwitchTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithChainName sets the display name used in logs.
func WithChainName(name string) Option {
	return func(g *Guard) { g.name = name }
}

func NewGuard(n ledger.Network, chainID uint64, opts ...Option) *Guard {
	g := &Guard{net: n, want: chainID, timeout: 60 * time.Second, log: obslog.L()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ChainID is the sanctioned chain.
func (g *Guard) ChainID() uint64 { return g.want }

// OnSanctioned reports whether the session currently sits on the sanctioned chain.
func (g *Guard) OnSanctioned(ctx context.Context) (bool, error) {
	got, err := g.net.ChainID(ctx)
	if err != nil {
		return false, err
	}
	return got == g.want, nil
}

// Ensure returns nil only when the session is on the sanctioned chain, switching
// first if needed. It never lets a write through on an unconfirmed chain.
func (g *Guard) Ensure(ctx context.Context) error {
	got, err := g.net.ChainID(ctx)
	if err != nil {
		return &MismatchError{Want: g.want, Cause: fmt.Errorf("read chain id: %w", err)}
	}
	if got == g.want {
		return nil
	}

	g.log.Info("network_switch_requested", zap.Uint64("from", got), zap.Uint64("to", g.want), zap.String("chain", g.name))
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.net.SwitchChain(sctx, g.want); err != nil {
		g.log.Warn("network_switch_failed", zap.Uint64("from", got), zap.Uint64("to", g.want), zap.Error(err))
		return &MismatchError{Want: g.want, Got: got, Cause: fmt.Errorf("%w: %v", ErrSwitchRejected, err)}
	}

	// 전환 응답만 믿지 않고 다시 확인
	after, err := g.net.ChainID(ctx)
	if err != nil {
		return &MismatchError{Want: g.want, Got: got, Cause: fmt.Errorf("re-read chain id: %w", err)}
	}
	if after != g.want {
		g.log.Warn("network_switch_unconfirmed", zap.Uint64("chain", after), zap.Uint64("want", g.want))
		return &MismatchError{Want: g.want, Got: after}
	}
	g.log.Info("network_switched", zap.Uint64("chain", after))
	return nil
}
