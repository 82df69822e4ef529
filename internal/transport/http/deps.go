// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/account-vending/internal/audit"
	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/provisioning"
)

type Registrar interface {
	Register(ctx context.Context, params domain.RegistrationParams) error
}

type FeedHandler interface {
	HandleBatch(ctx context.Context, events []domain.ChangeEvent) provisioning.BatchResult
}

type Sweeper interface {
	Sweep(ctx context.Context) (audit.Report, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
