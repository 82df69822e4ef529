// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/guardrail"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	btypes "github.com/aws/aws-sdk-go-v2/service/budgets/types"
)

type BudgetsAPI interface {
	CreateBudget(ctx context.Context, params *budgets.CreateBudgetInput, optFns ...func(*budgets.Options)) (*budgets.CreateBudgetOutput, error)
	DescribeBudget(ctx context.Context, params *budgets.DescribeBudgetInput, optFns ...func(*budgets.Options)) (*budgets.DescribeBudgetOutput, error)
}

// BudgetsBackend stores guardrails as AWS Budgets owned by the account they
// limit, filtered to that linked account's cost.
type BudgetsBackend struct {
	client BudgetsAPI
}

func NewBudgetsBackend(client BudgetsAPI) *BudgetsBackend {
	return &BudgetsBackend{client: client}
}

// CreateGuardrail creates the budget and its notification in one call so
// that no budget exists without its alarm.
func (b *BudgetsBackend) CreateGuardrail(ctx context.Context, g domain.BudgetGuardrail) error {
	input := &budgets.CreateBudgetInput{
		AccountId: aws.String(g.AccountID),
		Budget: &btypes.Budget{
			BudgetName: aws.String(g.Name),
			BudgetType: btypes.BudgetTypeCost,
			TimeUnit:   btypes.TimeUnit(g.TimeUnit),
			BudgetLimit: &btypes.Spend{
				Amount: aws.String(strconv.FormatFloat(g.MonthlyLimit, 'f', 2, 64)),
				Unit:   aws.String(g.Currency),
			},
			TimePeriod: &btypes.TimePeriod{
				Start: aws.Time(g.Period.Start),
				End:   aws.Time(g.Period.End),
			},
			CostFilters: map[string][]string{
				"LinkedAccount": {g.AccountID},
			},
			CostTypes: &btypes.CostTypes{
				IncludeTax:          aws.Bool(true),
				IncludeSubscription: aws.Bool(true),
				UseBlended:          aws.Bool(true),
			},
		},
	}

	if g.Rule.Topic != "" {
		input.NotificationsWithSubscribers = []btypes.NotificationWithSubscribers{
			{
				Notification: &btypes.Notification{
					NotificationType:   btypes.NotificationType(g.Rule.Type),
					ComparisonOperator: btypes.ComparisonOperator(g.Rule.Comparator),
					Threshold:          g.Rule.ThresholdPercent,
					ThresholdType:      btypes.ThresholdTypePercentage,
					NotificationState:  btypes.NotificationStateAlarm,
				},
				Subscribers: []btypes.Subscriber{
					{
						SubscriptionType: btypes.SubscriptionType(domain.GuardrailSubscriptionSNS),
						Address:          aws.String(g.Rule.Topic),
					},
				},
			},
		}
	}

	_, err := b.client.CreateBudget(ctx, input)
	if err != nil {
		var duplicate *btypes.DuplicateRecordException
		if errors.As(err, &duplicate) {
			return guardrail.ErrGuardrailExists
		}
		return fmt.Errorf("create budget: %w", err)
	}
	return nil
}

// DescribeGuardrail reads the budget limit and the spend AWS has calculated
// for the current period.
func (b *BudgetsBackend) DescribeGuardrail(ctx context.Context, accountID, name string) (domain.GuardrailStatus, error) {
	out, err := b.client.DescribeBudget(ctx, &budgets.DescribeBudgetInput{
		AccountId:  aws.String(accountID),
		BudgetName: aws.String(name),
	})
	if err != nil {
		var notFound *btypes.NotFoundException
		if errors.As(err, &notFound) {
			return domain.GuardrailStatus{}, guardrail.ErrGuardrailNotFound
		}
		return domain.GuardrailStatus{}, fmt.Errorf("describe budget: %w", err)
	}
	if out.Budget == nil || out.Budget.BudgetLimit == nil {
		return domain.GuardrailStatus{}, fmt.Errorf("budget %s of %s has no limit", name, accountID)
	}

	limit, err := parseAmount(out.Budget.BudgetLimit)
	if err != nil {
		return domain.GuardrailStatus{}, fmt.Errorf("parse budget limit: %w", err)
	}

	var spend float64
	if out.Budget.CalculatedSpend != nil && out.Budget.CalculatedSpend.ActualSpend != nil {
		spend, err = parseAmount(out.Budget.CalculatedSpend.ActualSpend)
		if err != nil {
			return domain.GuardrailStatus{}, fmt.Errorf("parse actual spend: %w", err)
		}
	}

	g := domain.BudgetGuardrail{
		AccountID:    accountID,
		Name:         aws.ToString(out.Budget.BudgetName),
		MonthlyLimit: limit,
		Currency:     aws.ToString(out.Budget.BudgetLimit.Unit),
		TimeUnit:     string(out.Budget.TimeUnit),
	}
	if tp := out.Budget.TimePeriod; tp != nil {
		g.Period = domain.BudgetPeriod{
			Start: aws.ToTime(tp.Start),
			End:   aws.ToTime(tp.End),
		}
	}

	return domain.GuardrailStatus{
		Guardrail:    g,
		CurrentSpend: spend,
	}, nil
}

func parseAmount(s *btypes.Spend) (float64, error) {
	return strconv.ParseFloat(aws.ToString(s.Amount), 64)
}
