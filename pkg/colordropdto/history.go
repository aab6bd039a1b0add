package colordropdto

import "time"

// HistoryEntry is one settled attempt from the local history store.
type HistoryEntry struct {
	PoolID       uint64    `json:"pool_id"`
	Slot         int       `json:"slot"`
	Identity     string    `json:"identity"`
	Target       HSL       `json:"target"`
	Guess        HSL       `json:"guess"`
	Accuracy     float64   `json:"accuracy"`
	Tier         string    `json:"tier"`
	SubmitHandle string    `json:"submit_handle"`
	SettledAt    time.Time `json:"settled_at"`
}

// History answers a history intent. Pool is set only when the intent names a
// pool; it is ordered best first.
type History struct {
	Recent  []HistoryEntry `json:"recent"`
	Best    float64        `json:"best,omitempty"`
	HasBest bool           `json:"has_best"`
	PoolID  uint64         `json:"pool_id,omitempty"`
	Pool    []HistoryEntry `json:"pool,omitempty"`
	Notice  string         `json:"notice,omitempty"`
}
