package colordropdto

import "encoding/json"

// Frame types pushed to the UI.
const (
	FrameLobby     = "lobby"
	FrameAttempt   = "attempt"
	FramePastGames = "past_games"
	FrameClaim     = "claim_progress"
	FrameCard      = "share_card"
	FrameLink      = "verify_link"
	FrameHistory   = "history"
	FrameError     = "error"
)

// Frame is one server → UI message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Intent names accepted from the UI.
const (
	IntentClickSlot         = "click_slot"
	IntentResumeUnfinished  = "resume_unfinished"
	IntentSkipVerification  = "skip_verification"
	IntentBeginVerification = "begin_verification"
	IntentCancel            = "cancel"
	IntentConfirmPayment    = "confirm_payment"
	IntentRetryPayment      = "retry_payment"
	IntentAdjustColor       = "adjust_color"
	IntentSubmitScore       = "submit_score"
	IntentRetrySubmit       = "retry_submit"
	IntentReturnToLobby     = "return_to_lobby"
	IntentPastGames         = "past_games"
	IntentClaimAll          = "claim_all"
	IntentFinalize          = "finalize"
	IntentShareCard         = "share_card"
	IntentHistory           = "history"
)

// Intent is one UI → server message. Only the fields the intent needs are set.
type Intent struct {
	Name   string `json:"name"`
	Slot   int    `json:"slot,omitempty"`
	Path   string `json:"path,omitempty"`
	Color  *HSL   `json:"color,omitempty"`
	PoolID uint64 `json:"pool_id,omitempty"`
}

type Card struct {
	PNGBase64 string `json:"png_base64"`
}

type Link struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}
