package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS colordrop_attempts (
	id              BIGSERIAL PRIMARY KEY,
	attempt_id      TEXT NOT NULL UNIQUE,
	identity        TEXT NOT NULL,
	pool_id         BIGINT NOT NULL,
	slot            INTEGER NOT NULL,
	target_h        DOUBLE PRECISION NOT NULL,
	target_s        DOUBLE PRECISION NOT NULL,
	target_l        DOUBLE PRECISION NOT NULL,
	guess_h         DOUBLE PRECISION NOT NULL,
	guess_s         DOUBLE PRECISION NOT NULL,
	guess_l         DOUBLE PRECISION NOT NULL,
	accuracy        DOUBLE PRECISION NOT NULL,
	scaled_accuracy INTEGER NOT NULL,
	tier            TEXT NOT NULL,
	join_handle     TEXT NOT NULL DEFAULT '',
	submit_handle   TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	settled_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS colordrop_attempts_identity_idx ON colordrop_attempts (identity, settled_at DESC);
CREATE INDEX IF NOT EXISTS colordrop_attempts_pool_idx ON colordrop_attempts (pool_id);`

type repository struct {
	db *sql.DB
}

// Open connects to Postgres and makes sure the table exists.
func Open(ctx context.Context, databaseURL string) (Repository, func() error, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if _, err := db.ExecContext(pctx, schema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewRepository(db), db.Close, nil
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `
	id, attempt_id, identity, pool_id, slot,
	target_h, target_s, target_l, guess_h, guess_s, guess_l,
	accuracy, scaled_accuracy, tier, join_handle, submit_handle,
	started_at, settled_at`

func (r *repository) InsertAttempt(ctx context.Context, rec *Record) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("nil attempt record")
	}
	const query = `
		INSERT INTO colordrop_attempts (
			attempt_id, identity, pool_id, slot,
			target_h, target_s, target_l, guess_h, guess_s, guess_l,
			accuracy, scaled_accuracy, tier, join_handle, submit_handle,
			started_at, settled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (attempt_id) DO NOTHING
		RETURNING id`

	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx, query,
		rec.AttemptID,
		strings.ToLower(rec.Identity),
		int64(rec.PoolID),
		rec.Slot,
		rec.TargetH, rec.TargetS, rec.TargetL,
		rec.GuessH, rec.GuessS, rec.GuessL,
		rec.Accuracy,
		int(rec.ScaledAccuracy),
		rec.Tier,
		rec.JoinHandle,
		rec.SubmitHandle,
		rec.StartedAt,
		rec.SettledAt,
	).Scan(&id)
	if err == sql.ErrNoRows || (err == nil && !id.Valid) {
		return 0, ErrDuplicateAttempt
	}
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return id.Int64, nil
}

func (r *repository) RecentAttempts(ctx context.Context, identity string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + selectColumns + `
		FROM colordrop_attempts
		WHERE identity = $1
		ORDER BY settled_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, strings.ToLower(identity), limit)
	if err != nil {
		return nil, fmt.Errorf("select attempts: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, limit)
}

func (r *repository) PoolAttempts(ctx context.Context, poolID uint64) ([]*Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM colordrop_attempts
		WHERE pool_id = $1
		ORDER BY accuracy DESC, settled_at ASC`
	rows, err := r.db.QueryContext(ctx, query, int64(poolID))
	if err != nil {
		return nil, fmt.Errorf("select pool attempts: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, 0)
}

func (r *repository) BestAccuracy(ctx context.Context, identity string) (float64, bool, error) {
	const query = `SELECT MAX(accuracy) FROM colordrop_attempts WHERE identity = $1`
	var best sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, strings.ToLower(identity)).Scan(&best); err != nil {
		return 0, false, fmt.Errorf("select best accuracy: %w", err)
	}
	return best.Float64, best.Valid, nil
}

func scanRecords(rows *sql.Rows, capHint int) ([]*Record, error) {
	out := make([]*Record, 0, capHint)
	for rows.Next() {
		var (
			rec    Record
			poolID int64
			scaled int
		)
		if err := rows.Scan(
			&rec.ID, &rec.AttemptID, &rec.Identity, &poolID, &rec.Slot,
			&rec.TargetH, &rec.TargetS, &rec.TargetL,
			&rec.GuessH, &rec.GuessS, &rec.GuessL,
			&rec.Accuracy, &scaled, &rec.Tier, &rec.JoinHandle, &rec.SubmitHandle,
			&rec.StartedAt, &rec.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.PoolID = uint64(poolID)
		rec.ScaledAccuracy = uint16(scaled)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
