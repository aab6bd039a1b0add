// Package feed serves the UI over a WebSocket: it pushes lobby and attempt
// frames as they change and routes intent frames to the session and the prize
// desk.
package feed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/colordrop-pool/internal/card"
	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/msgcat"
	"github.com/park285/colordrop-pool/internal/obslog"
	"github.com/park285/colordrop-pool/internal/prizes"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/session"
	"github.com/park285/colordrop-pool/internal/slots"
	"github.com/park285/colordrop-pool/internal/verify"
	dto "github.com/park285/colordrop-pool/pkg/colordropdto"
)

const historyLimit = 10

// Session is the orchestrator surface the feed drives.
type Session interface {
	Identity() ledger.Identity
	Attempt() session.Attempt
	Board() slots.Board
	Subscribe() (<-chan session.Attempt, func())

	ClickSlot(ctx context.Context, index int) (slots.Decision, error)
	ResumeUnfinished(ctx context.Context) error
	SkipVerification() error
	BeginVerification(path verify.Path) (string, error)
	CancelAttempt() error
	ConfirmPayment(ctx context.Context) error
	RetryPayment(ctx context.Context) error
	AdjustColor(c color.HSL) error
	SubmitScore(ctx context.Context) error
	RetrySubmit(ctx context.Context) error
	ReturnToLobby() error
}

// Views publishes the polled ledger views.
type Views interface {
	Latest() remote.View
	Subscribe() (<-chan remote.View, func())
}

// Prizes is the past-games surface; *prizes.Desk implements it.
type Prizes interface {
	Scan(ctx context.Context) (*prizes.Summary, error)
	ClaimAll(ctx context.Context, onProgress func(prizes.Progress)) (prizes.Progress, error)
	Finalize(ctx context.Context, poolID uint64) error
	Last() *prizes.Summary
}

type Options struct {
	Prizes         Prizes
	History        history.Repository
	Catalog        *msgcat.Catalog
	ChainName      string
	OriginPatterns []string
	PingInterval   time.Duration
	Logger         *zap.Logger
}

type Server struct {
	sess   Session
	views  Views
	prizes Prizes
	hist   history.Repository
	cat    *msgcat.Catalog
	chain  string
	origin []string
	ping   time.Duration
	log    *zap.Logger
}

func NewServer(sess Session, views Views, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	return &Server{
		sess:   sess,
		views:  views,
		prizes: opts.Prizes,
		hist:   opts.History,
		cat:    opts.Catalog,
		chain:  opts.ChainName,
		origin: opts.OriginPatterns,
		ping:   opts.PingInterval,
		log:    opts.Logger,
	}
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("feed_listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origin,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("feed_accept_failed", zap.Error(err))
		return
	}
	c := &client{s: s, conn: conn, out: make(chan dto.Frame, 64)}
	c.run(r.Context())
}

// client is one UI connection. Only the write loop writes to conn.
type client struct {
	s    *Server
	conn *websocket.Conn
	out  chan dto.Frame
	wg   sync.WaitGroup
}

func (c *client) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s := c.s
	log := s.log.With(zap.String("remote", "ui"))
	log.Info("feed_connected")

	attempts, unsubA := s.sess.Subscribe()
	defer unsubA()
	views, unsubV := s.views.Subscribe()
	defer unsubV()

	c.push(dto.FrameLobby, lobbyOf(s.cat, s.sess.Board(), s.views.Latest()))
	c.push(dto.FrameAttempt, attemptOf(s.sess.Attempt(), s.cat, s.chain))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()

	ping := time.NewTicker(s.ping)
	defer ping.Stop()
	failures := 0
	err := func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case a := <-attempts:
				c.push(dto.FrameAttempt, attemptOf(a, s.cat, s.chain))
			case v := <-views:
				c.push(dto.FrameLobby, lobbyOf(s.cat, s.sess.Board(), v))
			case f := <-c.out:
				wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(wctx, c.conn, f)
				wcancel()
				if err != nil {
					return err
				}
			case <-ping.C:
				pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
				err := c.conn.Ping(pctx)
				pcancel()
				if err == nil {
					failures = 0
					continue
				}
				if failures++; failures >= 2 {
					return err
				}
			}
		}
	}()
	cancel()
	c.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Info("feed_disconnected", zap.Error(err))
		_ = c.conn.Close(websocket.StatusGoingAway, "write failure")
		return
	}
	log.Info("feed_disconnected")
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// push enqueues a frame; a full queue drops it (the next state push supersedes it).
func (c *client) push(typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		c.s.log.Error("feed_marshal_failed", zap.String("type", typ), zap.Error(err))
		return
	}
	select {
	case c.out <- dto.Frame{Type: typ, Payload: b}:
	default:
		c.s.log.Warn("feed_frame_dropped", zap.String("type", typ))
	}
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var in dto.Intent
		if err := wsjson.Read(ctx, c.conn, &in); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				c.s.log.Debug("feed_read_failed", zap.Error(err))
			}
			return
		}
		c.dispatch(ctx, in)
	}
}

func (c *client) fail(code string, err error) {
	s := c.s
	d := domainError(s.cat, s.chain, err)
	if d == nil {
		return
	}
	if code != "" {
		d.Code = code
		if s.cat != nil {
			d.Message = s.cat.Error(code, map[string]any{"Chain": s.chain})
		}
		d.Retryable = false
	}
	c.push(dto.FrameError, d)
}

func (c *client) dispatch(ctx context.Context, in dto.Intent) {
	s := c.s
	var err error
	switch in.Name {
	case dto.IntentClickSlot:
		var d slots.Decision
		d, err = s.sess.ClickSlot(ctx, in.Slot)
		if err == nil && d.Action == slots.NoOp && d.Reason != slots.ReasonNone {
			s.log.Debug("feed_click_noop", zap.Int("slot", in.Slot), zap.String("reason", string(d.Reason)))
		}
	case dto.IntentResumeUnfinished:
		err = s.sess.ResumeUnfinished(ctx)
	case dto.IntentSkipVerification:
		err = s.sess.SkipVerification()
	case dto.IntentBeginVerification:
		var link string
		path := verify.Path(in.Path)
		if link, err = s.sess.BeginVerification(path); err == nil {
			c.push(dto.FrameLink, dto.Link{Path: string(path), URL: link})
		}
	case dto.IntentCancel:
		err = s.sess.CancelAttempt()
	case dto.IntentConfirmPayment:
		err = s.sess.ConfirmPayment(ctx)
	case dto.IntentRetryPayment:
		err = s.sess.RetryPayment(ctx)
	case dto.IntentAdjustColor:
		if in.Color == nil {
			c.fail("bad_intent", errors.New("adjust_color without color"))
			return
		}
		err = s.sess.AdjustColor(hslIn(*in.Color))
	case dto.IntentSubmitScore:
		err = s.sess.SubmitScore(ctx)
	case dto.IntentRetrySubmit:
		err = s.sess.RetrySubmit(ctx)
	case dto.IntentReturnToLobby:
		err = s.sess.ReturnToLobby()
	case dto.IntentShareCard:
		c.shareCard(ctx)
		return
	case dto.IntentPastGames, dto.IntentClaimAll, dto.IntentFinalize:
		c.prizeIntent(ctx, in)
		return
	case dto.IntentHistory:
		c.historyIntent(ctx, in.PoolID)
		return
	default:
		c.fail("bad_intent", errors.New("unknown intent "+in.Name))
		return
	}
	if err != nil {
		s.log.Info("feed_intent_rejected", zap.String("intent", in.Name), zap.String("code", session.Code(err)), zap.Error(err))
		c.fail("", err)
	}
}

func (c *client) shareCard(ctx context.Context) {
	a := c.s.sess.Attempt()
	r := a.Result
	if r == nil {
		c.fail("bad_state", session.ErrNoResult)
		return
	}
	png, err := card.RenderPNG(ctx, card.Input{
		PoolID:   r.PoolID,
		Target:   r.Target,
		Guess:    r.Guess,
		Accuracy: r.Accuracy,
		Tier:     color.TierFor(r.Accuracy).Label,
	})
	if err != nil {
		c.s.log.Warn("feed_card_failed", zap.Error(err))
		c.fail("card_failed", err)
		return
	}
	c.push(dto.FrameCard, dto.Card{PNGBase64: base64.StdEncoding.EncodeToString(png)})
}

// prizeIntent runs off the read loop; claims can take many receipts.
func (c *client) prizeIntent(ctx context.Context, in dto.Intent) {
	p := c.s.prizes
	if p == nil {
		c.fail("prizes_unavailable", errPrizesUnavailable)
		return
	}
	who := c.s.sess.Identity()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var err error
		switch in.Name {
		case dto.IntentPastGames:
			var sum *prizes.Summary
			if sum, err = p.Scan(ctx); err == nil {
				c.push(dto.FramePastGames, pastGamesOf(c.s.cat, sum, who))
			}
		case dto.IntentClaimAll:
			var prog prizes.Progress
			prog, err = p.ClaimAll(ctx, func(pr prizes.Progress) { c.push(dto.FrameClaim, progressOf(c.s.cat, pr)) })
			if err == nil {
				c.push(dto.FrameClaim, progressOf(c.s.cat, prog))
			}
		case dto.IntentFinalize:
			err = p.Finalize(ctx, in.PoolID)
		}
		if err != nil && ctx.Err() == nil {
			c.s.log.Info("feed_prize_intent_failed", zap.String("intent", in.Name), zap.Error(err))
			c.fail("", err)
			return
		}
		if in.Name != dto.IntentPastGames {
			c.push(dto.FramePastGames, pastGamesOf(c.s.cat, p.Last(), who))
		}
	}()
}

// historyIntent answers with the identity's recent attempts and best accuracy,
// plus the standings of poolID when it is set.
func (c *client) historyIntent(ctx context.Context, poolID uint64) {
	repo := c.s.hist
	if repo == nil {
		c.fail("history_unavailable", errHistoryUnavailable)
		return
	}
	who := strings.ToLower(c.s.sess.Identity().Hex())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		recent, err := repo.RecentAttempts(qctx, who, historyLimit)
		var (
			best    float64
			hasBest bool
			pool    []*history.Record
		)
		if err == nil {
			best, hasBest, err = repo.BestAccuracy(qctx, who)
		}
		if err == nil && poolID != 0 {
			pool, err = repo.PoolAttempts(qctx, poolID)
		}
		if err != nil {
			if ctx.Err() == nil {
				c.s.log.Warn("feed_history_failed", zap.Uint64("pool_id", poolID), zap.Error(err))
				c.fail("history_unavailable", err)
			}
			return
		}
		c.push(dto.FrameHistory, historyOf(c.s.cat, recent, best, hasBest, poolID, pool))
	}()
}
