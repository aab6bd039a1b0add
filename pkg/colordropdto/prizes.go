package colordropdto

import "time"

type Winner struct {
	Identity  string  `json:"identity"`
	FID       uint64  `json:"fid,omitempty"`
	Accuracy  float64 `json:"accuracy"`
	PrizeWei  string  `json:"prize_wei"`
	Rank      int     `json:"rank"`
	Claimed   bool    `json:"claimed"`
	Claimable bool    `json:"claimable"`
}

type CompletedPool struct {
	PoolID       uint64    `json:"pool_id"`
	PlayerCount  int       `json:"player_count"`
	StartTime    time.Time `json:"start_time"`
	Winners      []Winner  `json:"winners"`
	HasClaimable bool      `json:"has_claimable"`
}

type PendingPool struct {
	PoolID      uint64    `json:"pool_id"`
	PlayerCount int       `json:"player_count"`
	FinalizeAt  time.Time `json:"finalize_at"`
	CanFinalize bool      `json:"can_finalize"`
	Label       string    `json:"label,omitempty"`
}

type Prize struct {
	PoolID    uint64 `json:"pool_id"`
	Rank      int    `json:"rank"`
	AmountWei string `json:"amount_wei"`
}

type PastGames struct {
	Completed []CompletedPool `json:"completed"`
	Pending   []PendingPool   `json:"pending"`
	MyPrizes  []Prize         `json:"my_prizes"`
	Notice    string          `json:"notice,omitempty"`
}

type ClaimProgress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	PoolID  uint64  `json:"pool_id"`
	Claimed []Prize `json:"claimed"`
	Failed  []Prize `json:"failed"`
	Done    bool    `json:"done"`
	Label   string  `json:"label,omitempty"`
}
