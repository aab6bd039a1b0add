package feed

import (
	"errors"
	"strings"

	"github.com/park285/colordrop-pool/internal/color"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/msgcat"
	"github.com/park285/colordrop-pool/internal/prizes"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/session"
	"github.com/park285/colordrop-pool/internal/slots"
	"github.com/park285/colordrop-pool/internal/verify"
	dto "github.com/park285/colordrop-pool/pkg/colordropdto"
)

func hslOut(c color.HSL) dto.HSL { return dto.HSL{H: c.H, S: c.S, L: c.L} }

func hslIn(c dto.HSL) color.HSL { return color.HSL{H: c.H, S: c.S, L: c.L} }

// text renders key, or "" when there is no catalog or the key cannot render.
func text(cat *msgcat.Catalog, key string, data any) string {
	if cat == nil {
		return ""
	}
	s, err := cat.Render(key, data)
	if err != nil {
		return ""
	}
	return s
}

func lobbyOf(cat *msgcat.Catalog, b slots.Board, v remote.View) dto.Lobby {
	out := dto.Lobby{
		Ready:               b.Ready,
		PoolID:              b.PoolID,
		IsFull:              b.IsFull,
		IsFinalized:         b.IsFinalized,
		Unfinished:          b.Unfinished,
		UnfinishedElsewhere: b.UnfinishedElsewhere,
		Stale:               v.Stale,
		FetchedAt:           v.FetchedAt,
		Slots:               make([]dto.Slot, 0, len(b.Slots)),
	}
	for _, s := range b.Slots {
		out.Slots = append(out.Slots, dto.Slot{Index: s.Index, Class: s.Class.String(), Pending: s.Pending})
		if s.Class != slots.Available {
			out.Occupied++
		}
	}
	if st := b.Status; st != nil {
		out.Status = &dto.UserStatus{
			Verified:            st.Verified,
			SlotsUsed:           st.SlotsUsed,
			UnverifiedSlotLimit: st.UnverifiedSlotLimit,
			SlotsAvailable:      st.SlotsAvailable,
			CanJoin:             st.CanJoin,
		}
	}
	if !b.Ready {
		out.Caption = text(cat, "reasons."+string(slots.ReasonNotReady), nil)
		return out
	}
	out.Title = text(cat, "lobby.title", map[string]any{"PoolID": b.PoolID})
	if b.IsFull {
		out.Caption = text(cat, "lobby.full", nil)
	} else {
		out.Caption = text(cat, "lobby.counts", map[string]any{"Occupied": out.Occupied, "Size": len(b.Slots)})
	}
	if b.UnfinishedElsewhere != 0 {
		out.Notice = text(cat, "lobby.unfinished_elsewhere", map[string]any{"PoolID": b.UnfinishedElsewhere})
	}
	return out
}

// domainError renders err through the catalog. nil stays nil.
func domainError(cat *msgcat.Catalog, chain string, err error) *dto.DomainError {
	if err == nil {
		return nil
	}
	code := session.Code(err)
	msg := code
	if cat != nil {
		msg = cat.Error(code, map[string]any{"Chain": chain})
	}
	return &dto.DomainError{Code: code, Message: msg, Retryable: session.Retryable(err)}
}

func handleHex(h ledger.Handle) string {
	if h == (ledger.Handle{}) {
		return ""
	}
	return h.Hex()
}

func attemptOf(a session.Attempt, cat *msgcat.Catalog, chain string) dto.Attempt {
	out := dto.Attempt{
		ID:           a.ID,
		State:        string(a.State),
		Slot:         a.Slot,
		PoolID:       a.PoolID,
		Skippable:    a.Skippable,
		VerifyLink:   a.VerifyLink,
		Sending:      a.Sending,
		JoinHandle:   handleHex(a.JoinHandle),
		SubmitHandle: handleHex(a.SubmitHandle),
		Error:        domainError(cat, chain, a.Err),
		VerifyError:  domainError(cat, chain, a.VerifyError),
		UpdatedAt:    a.UpdatedAt,
	}
	if a.State == session.StateGate {
		out.GateState = a.GateState.String()
		for _, p := range a.Paths {
			out.Paths = append(out.Paths, string(p))
		}
		switch {
		case a.GateState == verify.StateVerifying:
			out.Prompt = text(cat, "gate.verifying", nil)
		case a.Skippable:
			out.Prompt = text(cat, "gate.skippable", nil)
		default:
			out.Prompt = text(cat, "gate.prompt", nil)
		}
	}
	if a.State == session.StatePlaying {
		t, g := hslOut(a.Target), hslOut(a.Guess)
		out.Target, out.Guess = &t, &g
		out.RoundDeadline = a.RoundDeadline
	}
	if r := a.Result; r != nil {
		t, g := hslOut(r.Target), hslOut(r.Guess)
		out.Target, out.Guess = &t, &g
		tier := color.TierFor(r.Accuracy)
		label := tier.Label
		if cat != nil {
			if s, err := cat.Render("tiers."+tier.Key, nil); err == nil {
				label = s
			}
		}
		out.Result = &dto.Result{
			PoolID:         r.PoolID,
			Slot:           r.Slot,
			Target:         t,
			Guess:          g,
			Accuracy:       r.Accuracy,
			ScaledAccuracy: r.ScaledAccuracy,
			Tier:           tier.Key,
			TierLabel:      label,
			AccuracyText:   text(cat, "result.accuracy", map[string]any{"Accuracy": r.Accuracy}),
			ShareText:      text(cat, "result.share", map[string]any{"Accuracy": r.Accuracy, "Tier": label, "PoolID": r.PoolID}),
		}
	}
	return out
}

func prizeOf(p prizes.UserPrize) dto.Prize {
	amount := ""
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return dto.Prize{PoolID: p.PoolID, Rank: p.Rank, AmountWei: amount}
}

func pastGamesOf(cat *msgcat.Catalog, s *prizes.Summary, who ledger.Identity) dto.PastGames {
	out := dto.PastGames{Completed: []dto.CompletedPool{}, Pending: []dto.PendingPool{}, MyPrizes: []dto.Prize{}}
	if s == nil {
		return out
	}
	for _, cp := range s.Completed {
		c := dto.CompletedPool{PoolID: cp.PoolID, PlayerCount: cp.PlayerCount, StartTime: cp.StartTime, HasClaimable: cp.HasClaimable}
		for _, w := range cp.Winners {
			prize := ""
			if w.Prize != nil {
				prize = w.Prize.String()
			}
			c.Winners = append(c.Winners, dto.Winner{
				Identity:  strings.ToLower(w.Identity.Hex()),
				FID:       w.FID,
				Accuracy:  w.Accuracy,
				PrizeWei:  prize,
				Rank:      w.Rank,
				Claimed:   w.Claimed,
				Claimable: w.Claimable,
			})
		}
		out.Completed = append(out.Completed, c)
	}
	for _, p := range s.Pending {
		pp := dto.PendingPool{PoolID: p.PoolID, PlayerCount: p.PlayerCount, FinalizeAt: p.FinalizeAt, CanFinalize: p.CanFinalize}
		if p.CanFinalize {
			pp.Label = text(cat, "prizes.pending_finalization", map[string]any{"PoolID": p.PoolID})
		}
		out.Pending = append(out.Pending, pp)
	}
	for _, p := range s.PrizesFor(who) {
		out.MyPrizes = append(out.MyPrizes, prizeOf(p))
	}
	if n := len(out.MyPrizes); n > 0 {
		out.Notice = text(cat, "prizes.claimable", map[string]any{"Count": n})
	}
	return out
}

func progressOf(cat *msgcat.Catalog, p prizes.Progress) dto.ClaimProgress {
	out := dto.ClaimProgress{Current: p.Current, Total: p.Total, PoolID: p.PoolID, Done: p.Done(), Claimed: []dto.Prize{}, Failed: []dto.Prize{}}
	if !out.Done {
		out.Label = text(cat, "prizes.claiming", map[string]any{"Current": p.Current, "Total": p.Total, "PoolID": p.PoolID})
	}
	for _, c := range p.Claimed {
		out.Claimed = append(out.Claimed, prizeOf(c))
	}
	for _, f := range p.Failed {
		out.Failed = append(out.Failed, prizeOf(f.Prize))
	}
	return out
}

func historyEntriesOf(recs []*history.Record) []dto.HistoryEntry {
	out := make([]dto.HistoryEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, dto.HistoryEntry{
			PoolID:       r.PoolID,
			Slot:         r.Slot,
			Identity:     r.Identity,
			Target:       dto.HSL{H: r.TargetH, S: r.TargetS, L: r.TargetL},
			Guess:        dto.HSL{H: r.GuessH, S: r.GuessS, L: r.GuessL},
			Accuracy:     r.Accuracy,
			Tier:         r.Tier,
			SubmitHandle: r.SubmitHandle,
			SettledAt:    r.SettledAt,
		})
	}
	return out
}

func historyOf(cat *msgcat.Catalog, recent []*history.Record, best float64, hasBest bool, poolID uint64, pool []*history.Record) dto.History {
	out := dto.History{Recent: historyEntriesOf(recent), Best: best, HasBest: hasBest}
	if poolID != 0 {
		out.PoolID = poolID
		out.Pool = historyEntriesOf(pool)
	}
	if hasBest {
		out.Notice = text(cat, "history.best", map[string]any{"Best": best})
	} else {
		out.Notice = text(cat, "history.empty", nil)
	}
	return out
}

var (
	errPrizesUnavailable  = errors.New("past games are not available")
	errHistoryUnavailable = errors.New("game history is not available")
)
