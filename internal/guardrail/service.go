// SPDX-License-Identifier: Apache-2.0

// Package guardrail attaches a monthly spend limit to each provisioned account
// and reads it back, with the spend measured so far, for the auditor.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/metrics"
)

var (
	// ErrGuardrailExists is returned by a Backend that already holds a
	// guardrail with the same name for the account.
	ErrGuardrailExists   = errors.New("guardrail already exists")
	ErrGuardrailNotFound = errors.New("guardrail not found")
)

type Backend interface {
	CreateGuardrail(ctx context.Context, g domain.BudgetGuardrail) error
	DescribeGuardrail(ctx context.Context, accountID, name string) (domain.GuardrailStatus, error)
}

// Ledger records which accounts already have, or are getting, a guardrail so
// the backend is asked to create one at most once per account.
type Ledger interface {
	ClaimGuardrail(ctx context.Context, g domain.BudgetGuardrail) (bool, error)
	ConfirmGuardrail(ctx context.Context, accountID string) error
	ReleaseGuardrail(ctx context.Context, accountID string) error
}

type Deps struct {
	Backend Backend
	// Ledger is optional; without it duplicate creation is left to the
	// backend's own name uniqueness.
	Ledger Ledger
	Logger *slog.Logger

	Name              string
	Currency          string
	NotificationTopic string
	Timeout           time.Duration
}

type Service struct {
	backend  Backend
	ledger   Ledger
	logger   *slog.Logger
	name     string
	currency string
	topic    string
	timeout  time.Duration
}

func NewService(deps Deps) *Service {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	name := strings.TrimSpace(deps.Name)
	if name == "" {
		name = domain.DefaultGuardrailName
	}

	currency := strings.TrimSpace(deps.Currency)
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return &Service{
		backend:  deps.Backend,
		ledger:   deps.Ledger,
		logger:   l,
		name:     name,
		currency: currency,
		topic:    strings.TrimSpace(deps.NotificationTopic),
		timeout:  deps.Timeout,
	}
}

// Guardrail builds the guardrail definition for an account.
func (s *Service) Guardrail(accountID string, monthlyLimit float64) (domain.BudgetGuardrail, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.BudgetGuardrail{}, fmt.Errorf("%w: account id is required", domain.ErrInvalidGuardrail)
	}
	if monthlyLimit <= 0 {
		return domain.BudgetGuardrail{}, fmt.Errorf("%w: monthly limit must be positive", domain.ErrInvalidGuardrail)
	}

	return domain.BudgetGuardrail{
		AccountID:    accountID,
		Name:         s.name,
		MonthlyLimit: monthlyLimit,
		Currency:     s.currency,
		TimeUnit:     domain.GuardrailPeriodMonthly,
		Period: domain.BudgetPeriod{
			Start: domain.GuardrailPeriodStart,
			End:   domain.GuardrailPeriodEnd,
		},
		Rule: domain.NotificationRule{
			Type:             domain.NotificationTypeActual,
			Comparator:       domain.ComparatorGreaterThan,
			ThresholdPercent: domain.DefaultThresholdPercent,
			Topic:            s.topic,
		},
	}, nil
}

// Create attaches the monthly guardrail to accountID. Repeated calls for the
// same account succeed without a second backend create. Create never sends a
// notification.
func (s *Service) Create(ctx context.Context, accountID string, monthlyLimit float64) error {
	g, err := s.Guardrail(accountID, monthlyLimit)
	if err != nil {
		return err
	}

	if s.ledger != nil {
		claimed, err := s.ledger.ClaimGuardrail(ctx, g)
		if err != nil {
			metrics.IncGuardrail(metrics.OutcomeFailed)
			return fmt.Errorf("claim guardrail: %w", err)
		}
		if !claimed {
			s.logger.Info("guardrail already recorded",
				"account_id", g.AccountID,
				"name", g.Name,
			)
			metrics.IncGuardrail(metrics.OutcomeExists)
			return nil
		}
	}

	createErr := s.createWithTimeout(ctx, g)
	if errors.Is(createErr, ErrGuardrailExists) {
		s.logger.Info("guardrail already exists in backend",
			"account_id", g.AccountID,
			"name", g.Name,
		)
		createErr = nil
	}

	if createErr != nil {
		metrics.IncGuardrail(metrics.OutcomeFailed)
		s.logger.Error("guardrail create failed",
			"account_id", g.AccountID,
			"name", g.Name,
			"error", createErr,
		)
		if s.ledger != nil {
			// Releasing uses a fresh context so a timed-out create still frees the claim.
			if err := s.ledger.ReleaseGuardrail(context.WithoutCancel(ctx), g.AccountID); err != nil {
				s.logger.Error("guardrail claim release failed",
					"account_id", g.AccountID,
					"error", err,
				)
			}
		}
		return fmt.Errorf("create guardrail for %s: %w", g.AccountID, createErr)
	}

	if s.ledger != nil {
		if err := s.ledger.ConfirmGuardrail(context.WithoutCancel(ctx), g.AccountID); err != nil {
			s.logger.Error("guardrail confirm failed",
				"account_id", g.AccountID,
				"error", err,
			)
		}
	}

	metrics.IncGuardrail(metrics.OutcomeCreated)
	s.logger.Info("guardrail created",
		"account_id", g.AccountID,
		"name", g.Name,
		"monthly_limit", g.MonthlyLimit,
		"currency", g.Currency,
	)
	return nil
}

func (s *Service) createWithTimeout(ctx context.Context, g domain.BudgetGuardrail) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.backend.CreateGuardrail(ctx, g)
}

// Lookup returns the account's guardrail together with its measured spend.
func (s *Service) Lookup(ctx context.Context, accountID string) (domain.GuardrailStatus, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.GuardrailStatus{}, fmt.Errorf("%w: account id is required", domain.ErrInvalidGuardrail)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	status, err := s.backend.DescribeGuardrail(ctx, accountID, s.name)
	if err != nil {
		return domain.GuardrailStatus{}, fmt.Errorf("lookup guardrail for %s: %w", accountID, err)
	}
	return status, nil
}
