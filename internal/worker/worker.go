// SPDX-License-Identifier: Apache-2.0

// Package worker drains the identity change feed into the provisioning
// orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/metrics"
	"github.com/adiadia/account-vending/internal/provisioning"
	"github.com/adiadia/account-vending/internal/repository"
)

type ChangeSource interface {
	ClaimBatch(ctx context.Context, limit int, reclaimAfter time.Duration) ([]repository.ClaimedChange, error)
	MarkDelivered(ctx context.Context, seq int64) error
	MarkRetry(ctx context.Context, seq int64, cause error, maxAttempts int, retryAfter time.Duration) (bool, error)
	MarkFailed(ctx context.Context, seq int64, cause error) error
}

type BatchHandler interface {
	HandleBatch(ctx context.Context, events []domain.ChangeEvent) provisioning.BatchResult
}

// Notifier reaches the operator when a change exhausts its retries.
type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

type Deps struct {
	Changes      ChangeSource
	Handler      BatchHandler
	Operator     Notifier
	Logger       *slog.Logger
	BatchSize    int
	ReclaimAfter time.Duration
	MaxAttempts  int
	// RetryBaseDelay is doubled on each attempt of a transiently failing change.
	RetryBaseDelay time.Duration
}

type Worker struct {
	changes        ChangeSource
	handler        BatchHandler
	operator       Notifier
	logger         *slog.Logger
	batchSize      int
	reclaimAfter   time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	batch := deps.BatchSize
	if batch <= 0 {
		batch = 25
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 10 * time.Minute
	}

	maxAtt := deps.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 5
	}

	retryBase := deps.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}

	return &Worker{
		changes:        deps.Changes,
		handler:        deps.Handler,
		operator:       deps.Operator,
		logger:         l,
		batchSize:      batch,
		reclaimAfter:   reclaim,
		maxAttempts:    maxAtt,
		retryBaseDelay: retryBase,
	}
}

// ProcessOnce claims one batch of changes, hands it to the orchestrator and
// settles every claimed row. It returns the number of changes claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	started := time.Now()
	claimed, err := w.changes.ClaimBatch(ctx, w.batchSize, w.reclaimAfter)
	metrics.ObserveFeedClaimLatency(time.Since(started))
	if err != nil {
		w.logger.Error("claim change batch failed", "error", err)
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	events := make([]domain.ChangeEvent, len(claimed))
	for i, c := range claimed {
		events[i] = c.Event
	}

	w.logger.Debug("change batch claimed", "size", len(claimed))

	result := w.handler.HandleBatch(ctx, events)

	var errs []error
	for i, c := range claimed {
		var res provisioning.EventResult
		if i < len(result.Results) {
			res = result.Results[i]
		} else {
			res = provisioning.EventResult{Event: c.Event, Outcome: provisioning.OutcomeRetry, Err: errors.New("no result for change")}
		}
		// Outcomes are recorded even when shutdown cancels ctx mid-batch.
		if err := w.settle(context.WithoutCancel(ctx), c, res); err != nil {
			errs = append(errs, err)
		}
	}

	return len(claimed), errors.Join(errs...)
}

// settle records the outcome of one change. Transient failures go back to
// the feed until maxAttempts; fatal ones are parked as FAILED.
func (w *Worker) settle(ctx context.Context, c repository.ClaimedChange, res provisioning.EventResult) error {
	switch {
	case res.Err == nil:
		if err := w.changes.MarkDelivered(ctx, c.Seq); err != nil {
			w.logger.Error("mark change delivered failed",
				"seq", c.Seq,
				"event_id", c.Event.ID(),
				"error", err,
			)
			return err
		}
		return nil

	case provisioning.IsFatal(res.Err):
		if err := w.changes.MarkFailed(ctx, c.Seq, res.Err); err != nil {
			w.logger.Error("mark change failed failed",
				"seq", c.Seq,
				"event_id", c.Event.ID(),
				"error", err,
			)
			return err
		}
		return nil

	default:
		delay := w.retryDelay(c.Attempts)
		failed, err := w.changes.MarkRetry(ctx, c.Seq, res.Err, w.maxAttempts, delay)
		if err != nil {
			w.logger.Error("mark change retry failed",
				"seq", c.Seq,
				"event_id", c.Event.ID(),
				"error", err,
			)
			return err
		}
		if failed {
			w.logger.Error("change permanently failed",
				"seq", c.Seq,
				"event_id", c.Event.ID(),
				"attempts", c.Attempts,
				"max_attempts", w.maxAttempts,
				"error", res.Err,
			)
			w.notifyExhausted(ctx, c, res.Err)
		} else {
			w.logger.Warn("change failed - retrying",
				"seq", c.Seq,
				"event_id", c.Event.ID(),
				"attempt", c.Attempts,
				"max_attempts", w.maxAttempts,
				"retry_in", delay,
				"error", res.Err,
			)
		}
		return nil
	}
}

func (w *Worker) notifyExhausted(ctx context.Context, c repository.ClaimedChange, cause error) {
	if w.operator == nil {
		return
	}
	subject := "Account provisioning retries exhausted"
	message := fmt.Sprintf("Change %d for %s failed after %d attempts and needs operator attention: %v",
		c.Seq, c.Event.Key, c.Attempts, cause)
	if err := w.operator.Publish(ctx, subject, message); err != nil {
		metrics.IncNotificationFailure()
		w.logger.Error("operator notification failed",
			"seq", c.Seq,
			"event_id", c.Event.ID(),
			"error", err,
		)
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return w.retryBaseDelay * time.Duration(1<<(attempt-1))
}

// Run polls the feed every interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := w.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("feed process failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
