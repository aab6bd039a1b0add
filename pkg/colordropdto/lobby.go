package colordropdto

import "time"

type Slot struct {
	Index   int    `json:"index"`
	Class   string `json:"class"`
	Pending bool   `json:"pending,omitempty"`
}

type UserStatus struct {
	Verified            bool `json:"verified"`
	SlotsUsed           int  `json:"slots_used"`
	UnverifiedSlotLimit int  `json:"unverified_slot_limit"`
	SlotsAvailable      int  `json:"slots_available"`
	CanJoin             bool `json:"can_join"`
}

// Lobby is the slot grid as of the freshest snapshot.
type Lobby struct {
	Ready       bool   `json:"ready"`
	PoolID      uint64 `json:"pool_id"`
	Slots       []Slot `json:"slots"`
	Occupied    int    `json:"occupied"`
	IsFull      bool   `json:"is_full"`
	IsFinalized bool   `json:"is_finalized"`
	// Unfinished is the slot index holding my unsubmitted game, -1 if none.
	Unfinished          int         `json:"unfinished"`
	UnfinishedElsewhere uint64      `json:"unfinished_elsewhere,omitempty"`
	Status              *UserStatus `json:"status,omitempty"`
	Stale               bool        `json:"stale,omitempty"`
	FetchedAt           time.Time   `json:"fetched_at"`

	// Rendered catalog text; empty when no catalog is configured.
	Title   string `json:"title,omitempty"`
	Caption string `json:"caption,omitempty"`
	Notice  string `json:"notice,omitempty"`
}
