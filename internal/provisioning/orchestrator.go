// SPDX-License-Identifier: Apache-2.0

// Package provisioning turns identity change events into provisioned accounts
// with a budget guardrail attached.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	OutcomeIgnored            Outcome = "ignored"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeProvisioned        Outcome = "provisioned"
	OutcomeAlreadyProvisioned Outcome = "already_provisioned"
	OutcomeRejected           Outcome = "rejected"
	OutcomeRetry              Outcome = "retry"
)

const defaultConcurrency = 4

// ErrPredecessorFailed is reported for events held back because an earlier
// event for the same key failed transiently in the same batch.
var ErrPredecessorFailed = errors.New("earlier event for the same key failed")

type Provisioner interface {
	Provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error)
}

type GuardrailCreator interface {
	Create(ctx context.Context, accountID string, monthlyLimit float64) error
}

// EventLedger remembers events that completed so redeliveries become no-ops.
type EventLedger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, accountID string) (bool, error)
}

type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

type Deps struct {
	Provisioner Provisioner
	Guardrails  GuardrailCreator
	Ledger      EventLedger
	Operator    Notifier
	Logger      *slog.Logger

	ProductID          string
	ArtifactID         string
	OrganizationalUnit string
	MonthlyLimit       float64
	ProvisionTimeout   time.Duration
	Concurrency        int
}

type Orchestrator struct {
	provisioner      Provisioner
	guardrails       GuardrailCreator
	ledger           EventLedger
	operator         Notifier
	logger           *slog.Logger
	productID        string
	artifactID       string
	ou               string
	monthlyLimit     float64
	provisionTimeout time.Duration
	concurrency      int
}

func New(deps Deps) *Orchestrator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Orchestrator{
		provisioner:      deps.Provisioner,
		guardrails:       deps.Guardrails,
		ledger:           deps.Ledger,
		operator:         deps.Operator,
		logger:           l,
		productID:        deps.ProductID,
		artifactID:       deps.ArtifactID,
		ou:               deps.OrganizationalUnit,
		monthlyLimit:     deps.MonthlyLimit,
		provisionTimeout: deps.ProvisionTimeout,
		concurrency:      concurrency,
	}
}

type EventResult struct {
	Event   domain.ChangeEvent
	Outcome Outcome
	Err     error
}

type BatchResult struct {
	Results []EventResult
}

// Retryable reports whether any event in the batch failed transiently and
// should be redelivered.
func (b BatchResult) Retryable() bool {
	for _, r := range b.Results {
		if r.Outcome == OutcomeRetry {
			return true
		}
	}
	return false
}

func (b BatchResult) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, len(b.Results))
	for _, r := range b.Results {
		counts[r.Outcome]++
	}
	return counts
}

// IsFatal reports whether err cannot be fixed by redelivering the event.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrInvalidChangeEvent) ||
		errors.Is(err, domain.ErrInvalidAccountName) ||
		errors.Is(err, domain.ErrProvisioningRejected)
}

// HandleBatch processes events of different keys concurrently and events of
// one key in their original order. A transient failure holds back the rest
// of that key's events. Results come back in input order.
func (o *Orchestrator) HandleBatch(ctx context.Context, events []domain.ChangeEvent) BatchResult {
	results := make([]EventResult, len(events))

	var keys []string
	byKey := map[string][]int{}
	for i, ev := range events {
		if _, seen := byKey[ev.Key]; !seen {
			keys = append(keys, ev.Key)
		}
		byKey[ev.Key] = append(byKey[ev.Key], i)
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, key := range keys {
		indexes := byKey[key]
		g.Go(func() error {
			blocked := false
			for _, i := range indexes {
				ev := events[i]
				if blocked {
					results[i] = EventResult{Event: ev, Outcome: OutcomeRetry, Err: ErrPredecessorFailed}
					continue
				}
				outcome, err := o.HandleEvent(ctx, ev)
				results[i] = EventResult{Event: ev, Outcome: outcome, Err: err}
				if outcome == OutcomeRetry {
					blocked = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{Results: results}
}

// HandleEvent provisions an account for a Created event and attaches its
// guardrail. Other event kinds are ignored. A returned error comes with
// OutcomeRejected when IsFatal holds and OutcomeRetry otherwise.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev domain.ChangeEvent) (Outcome, error) {
	if ev.Kind != domain.EventCreated {
		o.logger.Debug("change event ignored",
			"event_id", ev.ID(),
			"kind", ev.Kind,
		)
		metrics.IncChangeEvent(metrics.OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	if o.ledger != nil {
		done, err := o.ledger.IsProcessed(ctx, ev.ID())
		if err != nil {
			return o.fail(ctx, ev, fmt.Errorf("check event ledger: %w", err))
		}
		if done {
			o.logger.Info("change event already processed",
				"event_id", ev.ID(),
			)
			metrics.IncChangeEvent(metrics.OutcomeRedelivered)
			return OutcomeDuplicate, nil
		}
	}

	req, err := o.request(ev)
	if err != nil {
		return o.fail(ctx, ev, err)
	}

	res, err := o.provision(ctx, req)
	if err != nil {
		return o.fail(ctx, ev, fmt.Errorf("provision %s: %w", req.AccountName, err))
	}

	// A product left by an earlier delivery may predate its guardrail, so the
	// guardrail is ensured on both paths.
	if err := o.guardrails.Create(ctx, res.AccountID, o.monthlyLimit); err != nil {
		return o.fail(ctx, ev, err)
	}

	if res.AlreadyExisted {
		o.logger.Info("account already provisioned",
			"event_id", ev.ID(),
			"email", req.AccountEmail,
			"account_name", req.AccountName,
			"account_id", res.AccountID,
		)
		o.markProcessed(ctx, ev, res.AccountID)
		metrics.IncChangeEvent(metrics.OutcomeAlreadyProvisioned)
		return OutcomeAlreadyProvisioned, nil
	}

	if !o.markProcessed(ctx, ev, res.AccountID) {
		metrics.IncChangeEvent(metrics.OutcomeRedelivered)
		return OutcomeDuplicate, nil
	}

	o.logger.Info("account provisioned",
		"event_id", ev.ID(),
		"email", req.AccountEmail,
		"account_name", req.AccountName,
		"account_id", res.AccountID,
	)
	metrics.IncChangeEvent(metrics.OutcomeProvisioned)
	return OutcomeProvisioned, nil
}

func (o *Orchestrator) request(ev domain.ChangeEvent) (domain.ProvisionRequest, error) {
	img := ev.AfterImage
	if img == nil {
		return domain.ProvisionRequest{}, fmt.Errorf("%w: created event has no after image", domain.ErrInvalidChangeEvent)
	}

	email := strings.TrimSpace(img.Email)
	first := strings.TrimSpace(img.FirstName)
	last := strings.TrimSpace(img.LastName)
	if email == "" || first == "" || last == "" {
		return domain.ProvisionRequest{}, fmt.Errorf("%w: after image is missing email or names", domain.ErrInvalidChangeEvent)
	}

	name, err := domain.DeriveAccountName(email)
	if err != nil {
		return domain.ProvisionRequest{}, fmt.Errorf("%w: %q: %w", domain.ErrInvalidAccountName, email, err)
	}

	return domain.ProvisionRequest{
		ProductID:          o.productID,
		ArtifactID:         o.artifactID,
		AccountName:        name,
		AccountEmail:       email,
		OrganizationalUnit: o.ou,
		SSOFirstName:       first,
		SSOLastName:        last,
	}, nil
}

func (o *Orchestrator) provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	if o.provisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.provisionTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := o.provisioner.Provision(ctx, req)
	metrics.ObserveProvisionDuration(time.Since(started))
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	if strings.TrimSpace(res.AccountID) == "" {
		return domain.ProvisionResult{}, errors.New("backend returned no account id")
	}
	return res, nil
}

// markProcessed records the event and reports whether this delivery was the
// one that recorded it. Ledger failures are logged; the guardrail ledger
// still prevents a second guardrail on redelivery.
func (o *Orchestrator) markProcessed(ctx context.Context, ev domain.ChangeEvent, accountID string) bool {
	if o.ledger == nil {
		return true
	}
	recorded, err := o.ledger.MarkProcessed(context.WithoutCancel(ctx), ev.ID(), accountID)
	if err != nil {
		o.logger.Error("record processed event failed",
			"event_id", ev.ID(),
			"account_id", accountID,
			"error", err,
		)
		return true
	}
	return recorded
}

func (o *Orchestrator) fail(ctx context.Context, ev domain.ChangeEvent, err error) (Outcome, error) {
	if !IsFatal(err) {
		o.logger.Warn("change event failed, will retry",
			"event_id", ev.ID(),
			"error", err,
		)
		metrics.IncChangeEvent(metrics.OutcomeTransient)
		return OutcomeRetry, err
	}

	o.logger.Error("change event rejected",
		"event_id", ev.ID(),
		"error", err,
	)
	metrics.IncChangeEvent(metrics.OutcomeFatal)

	if o.operator != nil {
		subject := "Account provisioning failed"
		message := fmt.Sprintf("Change event %s could not be provisioned: %v", ev.ID(), err)
		if pubErr := o.operator.Publish(context.WithoutCancel(ctx), subject, message); pubErr != nil {
			metrics.IncNotificationFailure()
			o.logger.Error("operator notification failed",
				"event_id", ev.ID(),
				"error", pubErr,
			)
		}
	}
	return OutcomeRejected, err
}
