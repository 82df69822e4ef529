// SPDX-License-Identifier: Apache-2.0

// Package audit periodically compares each account's measured spend with its
// guardrail limit and publishes alerts for accounts past half or all of it.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

type Directory interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

type GuardrailLookup interface {
	Lookup(ctx context.Context, accountID string) (domain.GuardrailStatus, error)
}

type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

type Deps struct {
	Directory   Directory
	Guardrails  GuardrailLookup
	Notifier    Notifier
	Logger      *slog.Logger
	Concurrency int
	Now         func() time.Time
}

type Auditor struct {
	directory   Directory
	guardrails  GuardrailLookup
	notifier    Notifier
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

func New(deps Deps) *Auditor {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Auditor{
		directory:   deps.Directory,
		guardrails:  deps.Guardrails,
		notifier:    deps.Notifier,
		logger:      l,
		concurrency: concurrency,
		now:         now,
	}
}

// Report summarizes one sweep. Alerts lists every alert raised, whether or
// not it was delivered; PublishFailures counts the undelivered ones.
type Report struct {
	Evaluated       int
	Alerts          []domain.Alert
	Failures        map[string]error
	PublishFailures int
}

// Sweep evaluates every account once. Only a directory listing failure fails
// the sweep; per-account lookup failures are recorded in the report.
func (a *Auditor) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() {
		metrics.ObserveSweepDuration(time.Since(started))
	}()

	accounts, err := a.directory.ListAccounts(ctx)
	if err != nil {
		a.logger.Error("list accounts failed", "error", err)
		return Report{}, fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Failures: map[string]error{}}
	)

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, accountID := range accounts {
		g.Go(func() error {
			alert, raised, err := a.evaluate(ctx, accountID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[accountID] = err
				return nil
			}
			report.Evaluated++
			if raised {
				report.Alerts = append(report.Alerts, alert)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Alerts, func(i, j int) bool {
		return report.Alerts[i].AccountID < report.Alerts[j].AccountID
	})

	for _, alert := range report.Alerts {
		if !a.publish(ctx, alert) {
			report.PublishFailures++
		}
	}

	a.logger.Info("spend sweep finished",
		"accounts", len(accounts),
		"evaluated", report.Evaluated,
		"alerts", len(report.Alerts),
		"lookup_failures", len(report.Failures),
		"publish_failures", report.PublishFailures,
	)
	return report, nil
}

func (a *Auditor) evaluate(ctx context.Context, accountID string) (domain.Alert, bool, error) {
	status, err := a.guardrails.Lookup(ctx, accountID)
	if err != nil {
		metrics.IncLookupFailure()
		a.logger.Warn("guardrail lookup failed",
			"account_id", accountID,
			"error", err,
		)
		return domain.Alert{}, false, err
	}

	limit := status.Guardrail.MonthlyLimit
	kind, raised := domain.EvaluateSpend(status.CurrentSpend, limit)
	if !raised {
		a.logger.Debug("spend within limit",
			"account_id", accountID,
			"spend", status.CurrentSpend,
			"limit", limit,
		)
		return domain.Alert{}, false, nil
	}

	return domain.Alert{
		AccountID: accountID,
		Kind:      kind,
		Spend:     status.CurrentSpend,
		Limit:     limit,
		Timestamp: a.now().UTC(),
	}, true, nil
}

// publish is best effort: a failure is logged and counted, never retried.
func (a *Auditor) publish(ctx context.Context, alert domain.Alert) bool {
	metrics.IncAlert(string(alert.Kind))

	if a.notifier == nil {
		return false
	}
	if err := a.notifier.Publish(ctx, alert.Subject(), alert.Message()); err != nil {
		metrics.IncNotificationFailure()
		a.logger.Error("spend alert publish failed",
			"account_id", alert.AccountID,
			"kind", alert.Kind,
			"error", err,
		)
		return false
	}

	a.logger.Info("spend alert published",
		"account_id", alert.AccountID,
		"kind", alert.Kind,
		"spend", alert.Spend,
		"limit", alert.Limit,
	)
	return true
}
