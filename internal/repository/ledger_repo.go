// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	GuardrailClaimed = "CLAIMED"
	GuardrailCreated = "CREATED"
)

// Unconfirmed claims older than this belong to a consumer that died mid-call
// and may be taken over.
const guardrailClaimTTL = 15 * time.Minute

// LedgerRepository records completed change events and guardrail ownership.
type LedgerRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewLedgerRepository(pool *pgxpool.Pool, logger *slog.Logger) *LedgerRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &LedgerRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *LedgerRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id=$1)
	`, eventID).Scan(&exists); err != nil {
		r.logger.Error("check processed event failed", "event_id", eventID, "error", err)
		return false, err
	}
	return exists, nil
}

// MarkProcessed records a completed event. It returns false when the event
// was already recorded by an earlier delivery.
func (r *LedgerRepository) MarkProcessed(ctx context.Context, eventID string, accountID string) (bool, error) {
	var recorded string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO processed_events (event_id, account_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`, eventID, accountID).Scan(&recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("mark event processed failed", "event_id", eventID, "error", err)
		return false, err
	}
	return true, nil
}

// ClaimGuardrail reserves the account for guardrail creation. It returns false
// when the account already has a guardrail or another caller holds a live claim.
func (r *LedgerRepository) ClaimGuardrail(ctx context.Context, g domain.BudgetGuardrail) (bool, error) {
	var accountID string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO budget_guardrails (account_id, name, monthly_limit, currency, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET claimed_at = NOW()
		WHERE budget_guardrails.status = $5
		  AND budget_guardrails.claimed_at < $6
		RETURNING account_id
	`,
		g.AccountID,
		g.Name,
		g.MonthlyLimit,
		g.Currency,
		GuardrailClaimed,
		time.Now().Add(-guardrailClaimTTL),
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		r.logger.Error("claim guardrail failed", "account_id", g.AccountID, "error", err)
		return false, err
	}
	return true, nil
}

func (r *LedgerRepository) ConfirmGuardrail(ctx context.Context, accountID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE budget_guardrails
		SET status=$2, confirmed_at=NOW()
		WHERE account_id=$1
	`, accountID, GuardrailCreated)
	if err != nil {
		r.logger.Error("confirm guardrail failed", "account_id", accountID, "error", err)
	}
	return err
}

// ReleaseGuardrail drops an unconfirmed claim so a redelivered event can retry.
func (r *LedgerRepository) ReleaseGuardrail(ctx context.Context, accountID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM budget_guardrails
		WHERE account_id=$1 AND status=$2
	`, accountID, GuardrailClaimed)
	if err != nil {
		r.logger.Error("release guardrail failed", "account_id", accountID, "error", err)
	}
	return err
}
