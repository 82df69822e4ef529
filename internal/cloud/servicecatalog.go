// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicecatalog"
	sctypes "github.com/aws/aws-sdk-go-v2/service/servicecatalog/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

const (
	accountIDOutputKey        = "AccountId"
	defaultRecordPollInterval = 5 * time.Second
)

// provisionTokenNamespace scopes the name-based provision tokens so that the
// same account name always yields the same token.
var provisionTokenNamespace = uuid.MustParse("8a0cf7a4-5e61-4b7e-9f4e-3c1d2a6b9e10")

// Service Catalog error codes that a retry cannot fix.
var rejectedProvisionCodes = map[string]struct{}{
	"InvalidParametersException": {},
	"ResourceNotFoundException":  {},
	"LimitExceededException":     {},
}

type ServiceCatalogAPI interface {
	ProvisionProduct(ctx context.Context, params *servicecatalog.ProvisionProductInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.ProvisionProductOutput, error)
	DescribeRecord(ctx context.Context, params *servicecatalog.DescribeRecordInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.DescribeRecordOutput, error)
	GetProvisionedProductOutputs(ctx context.Context, params *servicecatalog.GetProvisionedProductOutputsInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.GetProvisionedProductOutputsOutput, error)
}

type ServiceCatalogProvisioner struct {
	client       ServiceCatalogAPI
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewServiceCatalogProvisioner(client ServiceCatalogAPI, logger *slog.Logger, pollInterval time.Duration) *ServiceCatalogProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = defaultRecordPollInterval
	}

	return &ServiceCatalogProvisioner{
		client:       client,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// ProvisionToken derives the idempotency token for an account name.
func ProvisionToken(accountName string) string {
	return uuid.NewSHA1(provisionTokenNamespace, []byte(accountName)).String()
}

// Provision launches the account product and waits for its record to reach a
// terminal state. A product that already exists under the account name is
// reported with AlreadyExisted set and the account id read from its outputs.
func (p *ServiceCatalogProvisioner) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	params := make([]sctypes.ProvisioningParameter, 0, len(req.Parameters()))
	for _, param := range req.Parameters() {
		params = append(params, sctypes.ProvisioningParameter{
			Key:   aws.String(param.Key),
			Value: aws.String(param.Value),
		})
	}

	in := &servicecatalog.ProvisionProductInput{
		ProductId:              aws.String(req.ProductID),
		ProvisionedProductName: aws.String(req.AccountName),
		ProvisionToken:         aws.String(ProvisionToken(req.AccountName)),
		ProvisioningParameters: params,
	}
	// Without an artifact id Service Catalog launches the product's default
	// artifact.
	if req.ArtifactID != "" {
		in.ProvisioningArtifactId = aws.String(req.ArtifactID)
	}

	out, err := p.client.ProvisionProduct(ctx, in)
	if err != nil {
		var duplicate *sctypes.DuplicateResourceException
		if errors.As(err, &duplicate) {
			return p.existingProduct(ctx, req.AccountName)
		}
		return domain.ProvisionResult{}, classifyProvisionError(err)
	}
	if out.RecordDetail == nil || out.RecordDetail.RecordId == nil {
		return domain.ProvisionResult{}, errors.New("provision product returned no record")
	}

	recordID := aws.ToString(out.RecordDetail.RecordId)

	// A repeated token returns the record of the earlier launch. When that
	// record has already succeeded, no new account was created by this call.
	if out.RecordDetail.Status == sctypes.RecordStatusSucceeded {
		res, err := p.waitForRecord(ctx, recordID)
		if err != nil {
			return domain.ProvisionResult{}, err
		}
		res.AlreadyExisted = true
		p.logger.Info("account product launch replayed",
			"account_name", req.AccountName,
			"record_id", recordID,
			"account_id", res.AccountID,
		)
		return res, nil
	}

	p.logger.Info("account product provisioning started",
		"account_name", req.AccountName,
		"record_id", recordID,
	)

	return p.waitForRecord(ctx, recordID)
}

func (p *ServiceCatalogProvisioner) waitForRecord(ctx context.Context, recordID string) (domain.ProvisionResult, error) {
	for {
		out, err := p.client.DescribeRecord(ctx, &servicecatalog.DescribeRecordInput{
			Id: aws.String(recordID),
		})
		if err != nil {
			return domain.ProvisionResult{}, fmt.Errorf("describe record %s: %w", recordID, err)
		}
		if out.RecordDetail == nil {
			return domain.ProvisionResult{}, fmt.Errorf("describe record %s: empty detail", recordID)
		}

		switch out.RecordDetail.Status {
		case sctypes.RecordStatusSucceeded:
			accountID, ok := findOutput(out.RecordOutputs, accountIDOutputKey)
			if !ok {
				return domain.ProvisionResult{}, fmt.Errorf("%w: record %s has no %s output",
					domain.ErrProvisioningRejected, recordID, accountIDOutputKey)
			}
			return domain.ProvisionResult{
				ProvisionedProductID: aws.ToString(out.RecordDetail.ProvisionedProductId),
				AccountID:            accountID,
			}, nil
		case sctypes.RecordStatusFailed, sctypes.RecordStatusInProgressInError:
			return domain.ProvisionResult{}, fmt.Errorf("%w: record %s ended %s: %s",
				domain.ErrProvisioningRejected, recordID, out.RecordDetail.Status, recordErrors(out.RecordDetail.RecordErrors))
		}

		timer := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.ProvisionResult{}, fmt.Errorf("wait for record %s: %w", recordID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *ServiceCatalogProvisioner) existingProduct(ctx context.Context, accountName string) (domain.ProvisionResult, error) {
	out, err := p.client.GetProvisionedProductOutputs(ctx, &servicecatalog.GetProvisionedProductOutputsInput{
		ProvisionedProductName: aws.String(accountName),
		OutputKeys:             []string{accountIDOutputKey},
	})
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("get outputs of %s: %w", accountName, classifyProvisionError(err))
	}

	accountID, ok := findOutput(out.Outputs, accountIDOutputKey)
	if !ok {
		// The earlier launch has not finished; redelivery picks it up later.
		return domain.ProvisionResult{}, fmt.Errorf("provisioned product %s has no %s output yet", accountName, accountIDOutputKey)
	}

	p.logger.Info("account product already provisioned",
		"account_name", accountName,
		"account_id", accountID,
	)

	return domain.ProvisionResult{
		AccountID:      accountID,
		AlreadyExisted: true,
	}, nil
}

func classifyProvisionError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, rejected := rejectedProvisionCodes[apiErr.ErrorCode()]; rejected {
			return fmt.Errorf("%w: %w", domain.ErrProvisioningRejected, err)
		}
	}
	return fmt.Errorf("servicecatalog: %w", err)
}

func findOutput(outputs []sctypes.RecordOutput, key string) (string, bool) {
	for _, o := range outputs {
		if aws.ToString(o.OutputKey) == key && aws.ToString(o.OutputValue) != "" {
			return aws.ToString(o.OutputValue), true
		}
	}
	return "", false
}

func recordErrors(errs []sctypes.RecordError) string {
	if len(errs) == 0 {
		return "no detail"
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += aws.ToString(e.Code) + ": " + aws.ToString(e.Description)
	}
	return msg
}
