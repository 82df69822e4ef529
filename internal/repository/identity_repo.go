// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IdentityRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewIdentityRepository(pool *pgxpool.Pool, logger *slog.Logger) *IdentityRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &IdentityRepository{
		pool:   pool,
		logger: logger,
	}
}

// InsertIdentity inserts rec only if no record with the same email exists.
// The conflict check and the write are one statement, so concurrent callers
// with the same email get exactly one winner. The change-feed trigger emits
// the Created event in the same transaction.
func (r *IdentityRepository) InsertIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	var inserted string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO identity_records (email, first_name, last_name, registration_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
		RETURNING email
	`,
		rec.Email,
		rec.FirstName,
		rec.LastName,
		rec.RegistrationDate,
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDuplicateEmail
		}
		r.logger.Error("insert identity failed", "email", rec.Email, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}
