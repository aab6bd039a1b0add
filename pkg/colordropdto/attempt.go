package colordropdto

import "time"

type HSL struct {
	H float64 `json:"h"`
	S float64 `json:"s"`
	L float64 `json:"l"`
}

type Result struct {
	PoolID         uint64  `json:"pool_id"`
	Slot           int     `json:"slot"`
	Target         HSL     `json:"target"`
	Guess          HSL     `json:"guess"`
	Accuracy       float64 `json:"accuracy"`
	ScaledAccuracy uint16  `json:"scaled_accuracy"`
	Tier           string  `json:"tier"`
	TierLabel      string  `json:"tier_label"`
	AccuracyText   string  `json:"accuracy_text,omitempty"`
	ShareText      string  `json:"share_text,omitempty"`
}

// Attempt is the current slot-claim attempt as the UI renders it.
type Attempt struct {
	ID     string `json:"id,omitempty"`
	State  string `json:"state"`
	Slot   int    `json:"slot"`
	PoolID uint64 `json:"pool_id,omitempty"`

	Skippable  bool     `json:"skippable,omitempty"`
	GateState  string   `json:"gate_state,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	VerifyLink string   `json:"verify_link,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`

	Sending      bool   `json:"sending,omitempty"`
	JoinHandle   string `json:"join_handle,omitempty"`
	SubmitHandle string `json:"submit_handle,omitempty"`

	// Target is only sent while playing or after scoring.
	Target        *HSL      `json:"target,omitempty"`
	Guess         *HSL      `json:"guess,omitempty"`
	RoundDeadline time.Time `json:"round_deadline,omitempty"`
	Result        *Result   `json:"result,omitempty"`

	Error       *DomainError `json:"error,omitempty"`
	VerifyError *DomainError `json:"verify_error,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
