// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

const (
	DefaultGuardrailName     = "MonthlyBudget"
	DefaultCurrency          = "USD"
	DefaultThresholdPercent  = 100.0
	NotificationTypeActual   = "ACTUAL"
	ComparatorGreaterThan    = "GREATER_THAN"
	GuardrailPeriodMonthly   = "MONTHLY"
	GuardrailSubscriptionSNS = "SNS"
)

var (
	GuardrailPeriodStart = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	GuardrailPeriodEnd   = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)
)

type BudgetPeriod struct {
	Start time.Time
	End   time.Time
}

type NotificationRule struct {
	Type             string
	Comparator       string
	ThresholdPercent float64
	Topic            string
}

// BudgetGuardrail is the persistent spend limit attached to one account.
type BudgetGuardrail struct {
	AccountID    string
	Name         string
	MonthlyLimit float64
	Currency     string
	TimeUnit     string
	Period       BudgetPeriod
	Rule         NotificationRule
}

// GuardrailStatus is a guardrail together with the spend measured for its
// active period.
type GuardrailStatus struct {
	Guardrail    BudgetGuardrail
	CurrentSpend float64
}
