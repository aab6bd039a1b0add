package feed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/msgcat"
	"github.com/park285/colordrop-pool/internal/prizes"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/session"
	"github.com/park285/colordrop-pool/internal/slots"
	dto "github.com/park285/colordrop-pool/pkg/colordropdto"
)

var me = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeSession implements the calls these tests make; anything else panics
// through the nil embedded interface.
type fakeSession struct {
	Session

	mu       sync.Mutex
	attempt  session.Attempt
	board    slots.Board
	clicks   []int
	colors   []color.HSL
	clickErr error
	subs     []chan session.Attempt
}

func (f *fakeSession) Identity() ledger.Identity { return me }

func (f *fakeSession) Attempt() session.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

func (f *fakeSession) Board() slots.Board {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.board
}

func (f *fakeSession) Subscribe() (<-chan session.Attempt, func()) {
	ch := make(chan session.Attempt, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSession) publish(a session.Attempt) {
	f.mu.Lock()
	f.attempt = a
	subs := append([]chan session.Attempt(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- a
	}
}

func (f *fakeSession) ClickSlot(_ context.Context, i int) (slots.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, i)
	return slots.Decision{Action: slots.Blocked, Reason: slots.ReasonUnfinishedGame}, f.clickErr
}

func (f *fakeSession) AdjustColor(c color.HSL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colors = append(f.colors, c)
	return nil
}

type fakeViews struct {
	ch chan remote.View
}

func (v *fakeViews) Latest() remote.View { return remote.View{} }

func (v *fakeViews) Subscribe() (<-chan remote.View, func()) { return v.ch, func() {} }

type fakePrizes struct {
	sum *prizes.Summary
}

func (p *fakePrizes) Scan(context.Context) (*prizes.Summary, error) { return p.sum, nil }

func (p *fakePrizes) ClaimAll(_ context.Context, on func(prizes.Progress)) (prizes.Progress, error) {
	prog := prizes.Progress{Current: 1, Total: 1, PoolID: 3}
	on(prog)
	return prog, nil
}

func (p *fakePrizes) Finalize(context.Context, uint64) error { return nil }

func (p *fakePrizes) Last() *prizes.Summary { return p.sum }

func newFeed(t *testing.T, sess *fakeSession, pz Prizes) (*websocket.Conn, *fakeViews) {
	t.Helper()
	return newFeedWith(t, sess, Options{Prizes: pz})
}

func newFeedWith(t *testing.T, sess *fakeSession, opts Options) (*websocket.Conn, *fakeViews) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	opts.Catalog = cat
	opts.ChainName = "Celo"
	views := &fakeViews{ch: make(chan remote.View, 4)}
	srv := NewServer(sess, views, opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, views
}

func readFrame(t *testing.T, conn *websocket.Conn, typ string, into any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var f dto.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("waiting for %s frame: %v", typ, err)
		}
		if f.Type != typ {
			continue
		}
		if into != nil {
			if err := json.Unmarshal(f.Payload, into); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, in dto.Intent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("write intent: %v", err)
	}
}

func testBoard() slots.Board {
	return slots.Board{
		Ready:      true,
		PoolID:     4,
		Unfinished: 1,
		Slots: []slots.SlotView{
			{Index: 0, Class: slots.TakenByOther},
			{Index: 1, Class: slots.MineUnfinished},
			{Index: 2, Class: slots.Available},
		},
	}
}

func TestInitialFrames(t *testing.T) {
	sess := &fakeSession{board: testBoard(), attempt: session.Attempt{State: session.StateIdle}}
	conn, _ := newFeed(t, sess, nil)

	var lobby dto.Lobby
	readFrame(t, conn, dto.FrameLobby, &lobby)
	if !lobby.Ready || lobby.PoolID != 4 || lobby.Occupied != 2 || lobby.Unfinished != 1 {
		t.Fatalf("lobby: %+v", lobby)
	}
	if lobby.Slots[1].Class != "mine-unfinished" {
		t.Fatalf("slot class: %+v", lobby.Slots[1])
	}
	if lobby.Title != "Pool #4" || lobby.Caption != "2/3 slots taken" {
		t.Fatalf("lobby text: %q / %q", lobby.Title, lobby.Caption)
	}
	var a dto.Attempt
	readFrame(t, conn, dto.FrameAttempt, &a)
	if a.State != "idle" {
		t.Fatalf("attempt: %+v", a)
	}
}

func TestBlockedClickBecomesErrorFrame(t *testing.T) {
	sess := &fakeSession{board: testBoard(), clickErr: &session.BlockedError{Reason: slots.ReasonUnfinishedGame}}
	conn, _ := newFeed(t, sess, nil)
	send(t, conn, dto.Intent{Name: dto.IntentClickSlot, Slot: 2})

	var e dto.DomainError
	readFrame(t, conn, dto.FrameError, &e)
	if e.Code != "unfinished_game" || e.Retryable {
		t.Fatalf("error: %+v", e)
	}
	if e.Message != "Finish your unfinished game first." {
		t.Fatalf("message: %q", e.Message)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.clicks) != 1 || sess.clicks[0] != 2 {
		t.Fatalf("clicks: %v", sess.clicks)
	}
}

func TestAttemptPushShowsTargetWhilePlaying(t *testing.T) {
	sess := &fakeSession{board: testBoard()}
	conn, _ := newFeed(t, sess, nil)
	readFrame(t, conn, dto.FrameAttempt, nil)

	sess.publish(session.Attempt{
		ID:     "a1",
		State:  session.StatePlaying,
		Slot:   2,
		Target: color.HSL{H: 200, S: 50, L: 40},
		Guess:  color.HSL{H: 180, S: 50, L: 50},
	})
	var a dto.Attempt
	readFrame(t, conn, dto.FrameAttempt, &a)
	if a.State != "playing" || a.Target == nil || a.Target.H != 200 {
		t.Fatalf("attempt: %+v", a)
	}

	send(t, conn, dto.Intent{Name: dto.IntentAdjustColor, Color: &dto.HSL{H: 190, S: 55, L: 45}})
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		n := len(sess.colors)
		sess.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("adjust_color not routed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLobbyPushOnView(t *testing.T) {
	sess := &fakeSession{board: testBoard()}
	conn, views := newFeed(t, sess, nil)
	readFrame(t, conn, dto.FrameLobby, nil)

	views.ch <- remote.View{Stale: true, Seq: 9}
	var lobby dto.Lobby
	readFrame(t, conn, dto.FrameLobby, &lobby)
	if !lobby.Stale {
		t.Fatalf("stale flag not forwarded: %+v", lobby)
	}
}

func TestShareCard(t *testing.T) {
	sess := &fakeSession{board: testBoard(), attempt: session.Attempt{
		State: session.StateScored,
		Result: &session.GameResult{
			PoolID: 4, Slot: 2, Accuracy: 91.5,
			Target: color.HSL{H: 10, S: 60, L: 50}, Guess: color.HSL{H: 12, S: 58, L: 50},
		},
	}}
	conn, _ := newFeed(t, sess, nil)
	send(t, conn, dto.Intent{Name: dto.IntentShareCard})

	var c dto.Card
	readFrame(t, conn, dto.FrameCard, &c)
	raw, err := base64.StdEncoding.DecodeString(c.PNGBase64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("png: %v", err)
	}
}

func TestPrizeIntents(t *testing.T) {
	sess := &fakeSession{board: testBoard()}
	sum := &prizes.Summary{Completed: []prizes.CompletedPool{{
		PoolID: 3, HasClaimable: true,
		Winners: []prizes.Winner{{Identity: me, Rank: 1, Prize: prizes.DefaultPrizes[0], Claimable: true}},
	}}}
	conn, _ := newFeed(t, sess, &fakePrizes{sum: sum})

	send(t, conn, dto.Intent{Name: dto.IntentPastGames})
	var pg dto.PastGames
	readFrame(t, conn, dto.FramePastGames, &pg)
	if len(pg.MyPrizes) != 1 || pg.MyPrizes[0].AmountWei != "700000000000000000" {
		t.Fatalf("past games: %+v", pg)
	}
	if pg.Notice != "You have 1 prize(s) to claim." {
		t.Fatalf("notice: %q", pg.Notice)
	}

	send(t, conn, dto.Intent{Name: dto.IntentClaimAll})
	var prog dto.ClaimProgress
	readFrame(t, conn, dto.FrameClaim, &prog)
	if prog.PoolID != 3 || prog.Total != 1 {
		t.Fatalf("progress: %+v", prog)
	}
}

func TestPrizesUnavailableAndUnknownIntent(t *testing.T) {
	conn, _ := newFeed(t, &fakeSession{board: testBoard()}, nil)
	send(t, conn, dto.Intent{Name: dto.IntentClaimAll})
	var e dto.DomainError
	readFrame(t, conn, dto.FrameError, &e)
	if e.Code != "prizes_unavailable" {
		t.Fatalf("error: %+v", e)
	}
	send(t, conn, dto.Intent{Name: "dance"})
	readFrame(t, conn, dto.FrameError, &e)
	if e.Code != "bad_intent" {
		t.Fatalf("error: %+v", e)
	}
}

func TestHistoryIntent(t *testing.T) {
	repo := history.NewMemoryRepository()
	ctx := context.Background()
	mine := strings.ToLower(me.Hex())
	base := time.Unix(1_700_000_000, 0)
	for i, r := range []*history.Record{
		{AttemptID: "h1", Identity: mine, PoolID: 2, Slot: 0, Accuracy: 81.5, Tier: "good"},
		{AttemptID: "h2", Identity: mine, PoolID: 3, Slot: 1, Accuracy: 93.25, Tier: "excellent"},
		{AttemptID: "h3", Identity: "0xbb", PoolID: 3, Slot: 0, Accuracy: 97, Tier: "perfect"},
	} {
		r.SettledAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := repo.InsertAttempt(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.AttemptID, err)
		}
	}
	conn, _ := newFeedWith(t, &fakeSession{board: testBoard()}, Options{History: repo})

	send(t, conn, dto.Intent{Name: dto.IntentHistory, PoolID: 3})
	var h dto.History
	readFrame(t, conn, dto.FrameHistory, &h)
	if len(h.Recent) != 2 || h.Recent[0].PoolID != 3 || h.Recent[1].PoolID != 2 {
		t.Fatalf("recent: %+v", h.Recent)
	}
	if !h.HasBest || h.Best != 93.25 || h.Notice != "Your best accuracy is 93.25%." {
		t.Fatalf("best: %v %v %q", h.HasBest, h.Best, h.Notice)
	}
	if h.PoolID != 3 || len(h.Pool) != 2 || h.Pool[0].Accuracy != 97 {
		t.Fatalf("pool standings: %+v", h.Pool)
	}
}

func TestHistoryUnavailable(t *testing.T) {
	conn, _ := newFeed(t, &fakeSession{board: testBoard()}, nil)
	send(t, conn, dto.Intent{Name: dto.IntentHistory})
	var e dto.DomainError
	readFrame(t, conn, dto.FrameError, &e)
	if e.Code != "history_unavailable" || e.Message != "Game history is not available in this session." {
		t.Fatalf("error: %+v", e)
	}
}
