// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/metrics"
)

// IdentityStore inserts a record only when its email is not yet present.
// Implementations return domain.ErrDuplicateEmail when it is, and wrap
// domain.ErrStoreUnavailable for infrastructure failures.
type IdentityStore interface {
	InsertIdentity(ctx context.Context, rec domain.IdentityRecord) error
}

type Service struct {
	store  IdentityStore
	logger *slog.Logger
}

func NewService(store IdentityStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:  store,
		logger: logger,
	}
}

// Register validates params and inserts the identity record.
//
// Returns nil when accepted, domain.ErrInvalidRegistration or
// domain.ErrDuplicateEmail when rejected, and domain.ErrStoreUnavailable when
// the caller should retry. The change event for an accepted record comes from
// the store, not from here.
func (s *Service) Register(ctx context.Context, params domain.RegistrationParams) error {
	rec, err := params.Record()
	if err != nil {
		metrics.IncRegistration(metrics.OutcomeInvalid)
		s.logger.Info("registration rejected", "reason", "validation", "error", err)
		return err
	}

	err = s.store.InsertIdentity(ctx, rec)
	switch {
	case err == nil:
		metrics.IncRegistration(metrics.OutcomeAccepted)
		s.logger.Info("registration accepted", "email", rec.Email)
		return nil
	case errors.Is(err, domain.ErrDuplicateEmail):
		metrics.IncRegistration(metrics.OutcomeDuplicate)
		s.logger.Info("registration rejected", "reason", "duplicate", "email", rec.Email)
		return domain.ErrDuplicateEmail
	default:
		metrics.IncRegistration(metrics.OutcomeUnavailable)
		s.logger.Error("registration failed", "email", rec.Email, "error", err)
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return errors.Join(domain.ErrStoreUnavailable, err)
		}
		return err
	}
}
