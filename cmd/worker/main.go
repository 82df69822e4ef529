// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adiadia/account-vending/internal/app"
	"github.com/adiadia/account-vending/internal/audit"
	"github.com/adiadia/account-vending/internal/config"
	"github.com/adiadia/account-vending/internal/logging"
	"github.com/robfig/cron/v3"
)

var sweepOnce = flag.Bool("sweep-once", false, "Run one spend audit sweep and exit")

func main() {
	flag.Parse()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.ForComponent(logging.NewLogger(cfg.Env), "worker")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	if *sweepOnce {
		if _, err := runSweep(ctx, a.Auditor, logger); err != nil {
			a.Close()
			os.Exit(1)
		}
		return
	}

	// Overlapping sweeps would publish duplicate alerts.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.AuditSchedule, func() {
		_, _ = runSweep(ctx, a.Auditor, logger)
	}); err != nil {
		log.Fatalf("schedule spend audit %q: %v", cfg.AuditSchedule, err)
	}
	c.Start()

	logger.Info("worker started",
		"audit_schedule", cfg.AuditSchedule,
		"poll_interval", cfg.FeedPollInterval.String(),
		"batch_size", cfg.FeedBatchSize,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Worker().Run(ctx, cfg.FeedPollInterval)
	}()

	<-ctx.Done()
	logger.Info("shutting down worker")

	<-c.Stop().Done()
	wg.Wait()
	logger.Info("worker stopped")
}

func runSweep(ctx context.Context, auditor *audit.Auditor, logger *slog.Logger) (audit.Report, error) {
	report, err := auditor.Sweep(ctx)
	if err != nil {
		logger.Error("spend audit failed", "error", err)
		return report, err
	}
	logger.Info("spend audit completed",
		"evaluated", report.Evaluated,
		"alerts", len(report.Alerts),
		"failures", len(report.Failures),
		"publish_failures", report.PublishFailures,
	)
	return report, nil
}
