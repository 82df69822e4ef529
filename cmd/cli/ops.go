// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/adiadia/account-vending/internal/app"
	"github.com/adiadia/account-vending/internal/config"
	"github.com/adiadia/account-vending/internal/persistence/postgres"
	"github.com/adiadia/account-vending/internal/repository"
	"github.com/jackc/pgx/v5"
)

func runMigrate(ctx context.Context, logger *slog.Logger) error {
	pool, err := postgres.NewPool(ctx, config.Load().DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	return postgres.EnsureSchema(ctx, pool, logger)
}

func runSweep(ctx context.Context, logger *slog.Logger, out io.Writer) error {
	a, err := app.New(ctx, config.Load(), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Auditor.Sweep(ctx)
	if err != nil {
		return err
	}

	failures := make(map[string]string, len(report.Failures))
	for accountID, ferr := range report.Failures {
		failures[accountID] = ferr.Error()
	}
	return writeIndented(out, map[string]any{
		"evaluated":        report.Evaluated,
		"alerts":           report.Alerts,
		"failures":         failures,
		"publish_failures": report.PublishFailures,
	})
}

func runListFailed(ctx context.Context, logger *slog.Logger, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum number of events to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withChanges(ctx, logger, func(changes *repository.ChangeRepository) error {
		failed, err := changes.ListFailed(ctx, *limit)
		if err != nil {
			return err
		}
		return writeIndented(out, failed)
	})
}

func runRequeue(ctx context.Context, logger *slog.Logger, args []string) error {
	seqs, err := parseSeqs(args)
	if err != nil {
		return err
	}

	return withChanges(ctx, logger, func(changes *repository.ChangeRepository) error {
		var errs []error
		for _, seq := range seqs {
			err := changes.Requeue(ctx, seq)
			switch {
			case err == nil:
				logger.Info("change requeued", "seq", seq)
			case errors.Is(err, pgx.ErrNoRows):
				errs = append(errs, fmt.Errorf("change %d is not in FAILED state", seq))
			case errors.Is(err, repository.ErrRequeueSuperseded):
				errs = append(errs, fmt.Errorf("change %d: %w", seq, err))
			default:
				errs = append(errs, fmt.Errorf("requeue change %d: %w", seq, err))
			}
		}
		return errors.Join(errs...)
	})
}

func withChanges(ctx context.Context, logger *slog.Logger, fn func(*repository.ChangeRepository) error) error {
	pool, err := postgres.NewPool(ctx, config.Load().DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		return err
	}
	return fn(repository.NewChangeRepository(pool, logger))
}

func parseSeqs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, errors.New("requeue needs at least one change sequence number")
	}

	seqs := make([]int64, 0, len(args))
	for _, raw := range args {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq <= 0 {
			return nil, fmt.Errorf("invalid sequence number %q", raw)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
