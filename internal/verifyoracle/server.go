// Package verifyoracle is the backend the verification gate polls. The verifier
// app reports a successful proof to it; clients then ask, once, whether their
// identity passed.
package verifyoracle

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/obslog"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrMissingUser  = errf("userId is required")
	ErrUnauthorized = errf("unauthorized verifier callback")
)

// Verifier accepts a verifier callback body and returns the verified user id.
// Proof checking lives behind this interface.
type Verifier interface {
	Verify(ctx context.Context, authHeader string, body []byte) (*Record, error)
}

// TrustedRelay accepts callbacks from a relay that has already checked the proof
// and authenticates with a shared bearer token.
type TrustedRelay struct {
	Token string
	Now   func() time.Time
}

type relayBody struct {
	UserID        string `json:"userId"`
	AttestationID string `json:"attestationId"`
	Verified      *bool  `json:"verified"`
}

func (r TrustedRelay) Verify(ctx context.Context, authHeader string, body []byte) (*Record, error) {
	const prefix = "Bearer "
	if r.Token == "" || !strings.HasPrefix(authHeader, prefix) ||
		subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(authHeader, prefix)), []byte(r.Token)) != 1 {
		return nil, ErrUnauthorized
	}
	var b relayBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	if strings.TrimSpace(b.UserID) == "" {
		return nil, ErrMissingUser
	}
	if b.Verified != nil && !*b.Verified {
		return nil, nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return &Record{UserID: b.UserID, AttestationID: b.AttestationID, VerifiedAt: now().UTC()}, nil
}

// Server serves the oracle endpoints.
type Server struct {
	store    *Store
	verifier Verifier
	log      *zap.Logger
}

func NewServer(store *Store, v Verifier, log *zap.Logger) *Server {
	if log == nil {
		log = obslog.L()
	}
	return &Server{store: store, verifier: v, log: log}
}

const (
	pathVerify = "/api/verify-self"
	pathCheck  = "/api/verify-self/check"
)

// Handler routes requests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == pathVerify && ctx.IsGet():
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok", "service": "verify-self"})
		case path == pathVerify && ctx.IsPost():
			s.handleVerify(ctx)
		case path == pathCheck && ctx.IsPost():
			s.handleCheck(ctx)
		default:
			writeJSON(ctx, fasthttp.StatusNotFound, map[string]any{"error": "not found"})
		}
	}
}

func (s *Server) handleVerify(ctx *fasthttp.RequestCtx) {
	rec, err := s.verifier.Verify(ctx, string(ctx.Request.Header.Peek("Authorization")), ctx.PostBody())
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeJSON(ctx, fasthttp.StatusUnauthorized, map[string]any{"status": "error", "reason": err.Error()})
		return
	case err != nil:
		s.log.Warn("verify_callback_rejected", zap.Error(err))
		writeJSON(ctx, fasthttp.StatusBadRequest, map[string]any{"status": "error", "reason": err.Error()})
		return
	case rec == nil:
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "error", "result": false})
		return
	}
	if err := s.store.MarkVerified(ctx, rec); err != nil {
		s.log.Error("verify_store_failed", zap.String("user", rec.UserID), zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{"status": "error", "reason": "store unavailable"})
		return
	}
	s.log.Info("verify_recorded", zap.String("user", rec.UserID))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "success", "result": true})
}

type checkBody struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCheck(ctx *fasthttp.RequestCtx) {
	var b checkBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil || strings.TrimSpace(b.UserID) == "" {
		writeJSON(ctx, fasthttp.StatusBadRequest, map[string]any{"error": ErrMissingUser.Error()})
		return
	}
	rec, err := s.store.Consume(ctx, b.UserID)
	if err != nil {
		s.log.Error("verify_check_failed", zap.String("user", b.UserID), zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": "store unavailable"})
		return
	}
	if rec == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"verified": false})
		return
	}
	s.log.Info("verify_consumed", zap.String("user", rec.UserID))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"verified": true, "verifiedAt": rec.VerifiedAt})
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &fasthttp.Server{Handler: s.Handler(), Name: "verify-oracle", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()
	s.log.Info("verify_oracle_listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}
