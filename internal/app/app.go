// SPDX-License-Identifier: Apache-2.0

// Package app wires the vending components from configuration. The api,
// worker and cli binaries share it so every process builds the pipeline the
// same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/account-vending/internal/audit"
	"github.com/adiadia/account-vending/internal/cloud"
	"github.com/adiadia/account-vending/internal/config"
	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/guardrail"
	"github.com/adiadia/account-vending/internal/logging"
	"github.com/adiadia/account-vending/internal/notify"
	"github.com/adiadia/account-vending/internal/persistence/dynamo"
	"github.com/adiadia/account-vending/internal/persistence/postgres"
	"github.com/adiadia/account-vending/internal/provisioning"
	"github.com/adiadia/account-vending/internal/registration"
	"github.com/adiadia/account-vending/internal/repository"
	"github.com/adiadia/account-vending/internal/worker"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/servicecatalog"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/jackc/pgx/v5/pgxpool"
)

const webhookTimeout = 10 * time.Second

type App struct {
	Config config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	Changes      *repository.ChangeRepository
	Registration *registration.Service
	Guardrails   *guardrail.Service
	// Operator is nil when no operator channel is configured.
	Operator     provisioning.Notifier
	Orchestrator *provisioning.Orchestrator
	Auditor      *audit.Auditor
}

// New connects to Postgres, applies migrations when enabled and builds every
// component. The caller owns Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	awsCfg, err := cloud.LoadConfig(ctx, cloud.Options{
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		Endpoint:        cfg.AWSEndpoint,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Changes: repository.NewChangeRepository(pool, logger),
	}

	store, err := identityStore(cfg, pool, awsCfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.Registration = registration.NewService(store, logging.ForComponent(logger, "registration"))

	ledger := repository.NewLedgerRepository(pool, logger)
	snsClient := sns.NewFromConfig(awsCfg)
	a.Operator = operatorNotifier(cfg, snsClient, logger)

	a.Guardrails = guardrail.NewService(guardrail.Deps{
		Backend:           cloud.NewBudgetsBackend(budgets.NewFromConfig(awsCfg)),
		Ledger:            ledger,
		Logger:            logging.ForComponent(logger, "guardrail"),
		Name:              domain.DefaultGuardrailName,
		Currency:          cfg.BudgetCurrency,
		NotificationTopic: cfg.NotificationTopicARN,
		Timeout:           cfg.GuardrailTimeout,
	})

	a.Orchestrator = provisioning.New(provisioning.Deps{
		Provisioner: cloud.NewServiceCatalogProvisioner(
			servicecatalog.NewFromConfig(awsCfg),
			logging.ForComponent(logger, "servicecatalog"),
			0,
		),
		Guardrails:         a.Guardrails,
		Ledger:             ledger,
		Operator:           a.Operator,
		Logger:             logging.ForComponent(logger, "provisioning"),
		ProductID:          cfg.ProductID,
		ArtifactID:         cfg.ProvisioningArtifactID,
		OrganizationalUnit: cfg.ManagedOrganizationalUnit,
		MonthlyLimit:       cfg.BudgetLimit,
		ProvisionTimeout:   cfg.ProvisionTimeout,
	})

	a.Auditor = audit.New(audit.Deps{
		Directory:  cloud.NewOrganizationsDirectory(organizations.NewFromConfig(awsCfg)),
		Guardrails: a.Guardrails,
		Notifier:   cloud.NewSNSNotifier(snsClient, cfg.NotificationTopicARN),
		Logger:     logging.ForComponent(logger, "spend-audit"),
	})

	return a, nil
}

// Worker builds the change-feed worker over the Postgres outbox.
func (a *App) Worker() *worker.Worker {
	return worker.New(worker.Deps{
		Changes:      a.Changes,
		Handler:      a.Orchestrator,
		Operator:     a.Operator,
		Logger:       logging.ForComponent(a.Logger, "feed-worker"),
		BatchSize:    a.Config.FeedBatchSize,
		ReclaimAfter: a.Config.FeedReclaimAfter,
		MaxAttempts:  a.Config.FeedMaxAttempts,
	})
}

func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func identityStore(cfg config.Config, pool *pgxpool.Pool, awsCfg aws.Config, logger *slog.Logger) (registration.IdentityStore, error) {
	switch cfg.IdentityStore {
	case config.IdentityStorePostgres:
		return repository.NewIdentityRepository(pool, logger), nil
	case config.IdentityStoreDynamoDB:
		if cfg.TableName == "" {
			return nil, errors.New("TABLE_NAME is required for the dynamodb identity store")
		}
		return dynamo.NewIdentityStore(dynamo.NewClient(awsCfg, cfg.AWSEndpoint), cfg.TableName, logger), nil
	default:
		return nil, fmt.Errorf("unknown identity store %q", cfg.IdentityStore)
	}
}

// operatorNotifier fans provisioning failures out to every configured
// operator channel. Nil means nobody is listening.
func operatorNotifier(cfg config.Config, client *sns.Client, logger *slog.Logger) provisioning.Notifier {
	var targets notify.Multi
	if cfg.OperatorTopicARN != "" {
		targets = append(targets, cloud.NewSNSNotifier(client, cfg.OperatorTopicARN))
	}
	if cfg.OperatorWebhookURL != "" {
		targets = append(targets, notify.NewWebhook(
			cfg.OperatorWebhookURL,
			cfg.OperatorWebhookSecret,
			&http.Client{Timeout: webhookTimeout},
			logging.ForComponent(logger, "operator-webhook"),
		))
	}
	if len(targets) == 0 {
		return nil
	}
	return targets
}
