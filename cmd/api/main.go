// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/account-vending/internal/app"
	"github.com/adiadia/account-vending/internal/config"
	"github.com/adiadia/account-vending/internal/logging"
	"github.com/adiadia/account-vending/internal/persistence/postgres"
	httptransport "github.com/adiadia/account-vending/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.ForComponent(logging.NewLogger(cfg.Env), "api")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	handler := httptransport.NewRouter(httptransport.Deps{
		Registrar:              a.Registration,
		Feed:                   a.Orchestrator,
		Sweeper:                a.Auditor,
		Health:                 postgres.NewSchemaHealthChecker(a.Pool),
		Logger:                 logger,
		AdminToken:             cfg.AdminToken,
		RegistrationRatePerMin: cfg.RegistrationLimit,
		Version:                Version,
		Commit:                 Commit,
		BuildDate:              BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"identity_store", cfg.IdentityStore,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
