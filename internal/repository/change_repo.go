// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ChangePending   = "PENDING"
	ChangeInFlight  = "IN_FLIGHT"
	ChangeDelivered = "DELIVERED"
	ChangeFailed    = "FAILED"
)

// ClaimedChange is one change-feed row handed to a consumer.
type ClaimedChange struct {
	Seq      int64
	Attempts int
	Event    domain.ChangeEvent
}

type FailedChange struct {
	Seq       int64     `json:"seq"`
	Email     string    `json:"email"`
	Kind      string    `json:"event_kind"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeRepository reads the identity_changes table populated by the
// identity_records trigger.
type ChangeRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewChangeRepository(pool *pgxpool.Pool, logger *slog.Logger) *ChangeRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChangeRepository{
		pool:   pool,
		logger: logger,
	}
}

// ClaimBatch claims up to limit changes and marks them IN_FLIGHT.
// Only the oldest undelivered change of each email is eligible, so a key's
// changes are handed out in order and never to two consumers at once.
// IN_FLIGHT rows claimed before reclaimAfter are handed out again.
func (r *ChangeRepository) ClaimBatch(ctx context.Context, limit int, reclaimAfter time.Duration) ([]ClaimedChange, error) {
	if limit <= 0 {
		limit = 1
	}
	reclaimBefore := time.Now().Add(-reclaimAfter)

	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT c.seq
			FROM identity_changes c
			WHERE (
				(c.status = $1 AND c.available_at <= NOW()) OR
				(c.status = $2 AND c.claimed_at < $3)
			)
			  AND c.seq = (
				SELECT MIN(h.seq)
				FROM identity_changes h
				WHERE h.email = c.email
				  AND h.status IN ($1, $2)
			  )
			ORDER BY c.seq ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE identity_changes c
		SET status = $2,
		    claimed_at = NOW(),
		    attempts = c.attempts + 1
		FROM candidates
		WHERE c.seq = candidates.seq
		RETURNING c.seq, c.event_kind, c.email, c.before_image, c.after_image, c.attempts
	`,
		ChangePending,
		ChangeInFlight,
		reclaimBefore,
		limit,
	)
	if err != nil {
		r.logger.Error("claim change batch failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]ClaimedChange, 0, limit)
	for rows.Next() {
		var (
			c           ClaimedChange
			kind        string
			beforeImage []byte
			afterImage  []byte
		)
		if err := rows.Scan(&c.Seq, &kind, &c.Event.Key, &beforeImage, &afterImage, &c.Attempts); err != nil {
			r.logger.Error("scan change row failed", "error", err)
			return nil, err
		}

		c.Event.Kind = domain.EventKind(kind)
		c.Event.SequenceNumber = domain.SequenceFromInt(c.Seq)
		if c.Event.BeforeImage, err = decodeImage(beforeImage); err != nil {
			return nil, fmt.Errorf("decode before image of change %d: %w", c.Seq, err)
		}
		if c.Event.AfterImage, err = decodeImage(afterImage); err != nil {
			return nil, fmt.Errorf("decode after image of change %d: %w", c.Seq, err)
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("change rows iteration failed", "error", err)
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})

	return out, nil
}

func (r *ChangeRepository) MarkDelivered(ctx context.Context, seq int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE identity_changes
		SET status=$2,
		    delivered_at=NOW(),
		    last_error=NULL
		WHERE seq=$1
	`,
		seq,
		ChangeDelivered,
	)
	if err != nil {
		r.logger.Error("mark change delivered failed", "seq", seq, "error", err)
	}
	return err
}

// MarkRetry returns the change to PENDING, claimable again after retryAfter,
// while attempts < maxAttempts and marks it FAILED otherwise. It reports
// whether the change is now FAILED.
func (r *ChangeRepository) MarkRetry(ctx context.Context, seq int64, cause error, maxAttempts int, retryAfter time.Duration) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var attempts int
	if err := tx.QueryRow(ctx, `
		SELECT attempts
		FROM identity_changes
		WHERE seq=$1
		FOR UPDATE
	`, seq).Scan(&attempts); err != nil {
		return false, err
	}

	status := ChangePending
	if attempts >= maxAttempts {
		status = ChangeFailed
	}

	if _, err := tx.Exec(ctx, `
		UPDATE identity_changes
		SET status=$2,
		    last_error=$3,
		    available_at=$4
		WHERE seq=$1
	`,
		seq,
		status,
		errorText(cause),
		time.Now().Add(retryAfter),
	); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	if status == ChangeFailed {
		r.logger.Warn("change moved to failed", "seq", seq, "attempts", attempts)
	}
	return status == ChangeFailed, nil
}

func (r *ChangeRepository) MarkFailed(ctx context.Context, seq int64, cause error) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE identity_changes
		SET status=$2,
		    last_error=$3
		WHERE seq=$1
	`,
		seq,
		ChangeFailed,
		errorText(cause),
	)
	if err != nil {
		r.logger.Error("mark change failed failed", "seq", seq, "error", err)
	}
	return err
}

func (r *ChangeRepository) ListFailed(ctx context.Context, limit int) ([]FailedChange, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seq, email, event_kind, attempts, COALESCE(last_error, ''), created_at
		FROM identity_changes
		WHERE status=$1
		ORDER BY seq ASC
		LIMIT $2
	`, ChangeFailed, limit)
	if err != nil {
		r.logger.Error("list failed changes query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]FailedChange, 0, 8)
	for rows.Next() {
		var f FailedChange
		if err := rows.Scan(&f.Seq, &f.Email, &f.Kind, &f.Attempts, &f.LastError, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}

	return out, rows.Err()
}

// ErrRequeueSuperseded reports a FAILED change whose email already has a
// later change delivered or in flight; replaying it would break per-email
// order.
var ErrRequeueSuperseded = errors.New("change superseded by a later change of the same email")

// Requeue puts a FAILED change back to PENDING with a fresh attempt budget.
// It returns pgx.ErrNoRows when the change is not FAILED and
// ErrRequeueSuperseded when a later change of the email has moved on.
func (r *ChangeRepository) Requeue(ctx context.Context, seq int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE identity_changes c
		SET status=$2,
		    attempts=0,
		    claimed_at=NULL,
		    available_at=NOW()
		WHERE c.seq=$1 AND c.status=$3
		  AND NOT EXISTS (
			SELECT 1
			FROM identity_changes later
			WHERE later.email = c.email
			  AND later.seq > c.seq
			  AND later.status IN ($4, $5)
		  )
	`,
		seq,
		ChangePending,
		ChangeFailed,
		ChangeDelivered,
		ChangeInFlight,
	)
	if err != nil {
		r.logger.Error("requeue change failed", "seq", seq, "error", err)
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var failed bool
	if err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM identity_changes WHERE seq=$1 AND status=$2)
	`, seq, ChangeFailed).Scan(&failed); err != nil {
		r.logger.Error("requeue status check failed", "seq", seq, "error", err)
		return err
	}
	if failed {
		return ErrRequeueSuperseded
	}
	return pgx.ErrNoRows
}

func decodeImage(raw []byte) (*domain.IdentityRecord, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rec domain.IdentityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
