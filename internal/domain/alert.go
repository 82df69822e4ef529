// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"time"
)

type AlertKind string

const (
	AlertHalfExceeded AlertKind = "HalfExceeded"
	AlertExceeded     AlertKind = "Exceeded"
)

type Alert struct {
	AccountID string    `json:"account_id"`
	Kind      AlertKind `json:"kind"`
	Spend     float64   `json:"spend"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// EvaluateSpend compares measured spend against the limit and half the limit.
func EvaluateSpend(spend, limit float64) (AlertKind, bool) {
	if limit <= 0 {
		return "", false
	}
	switch {
	case spend >= limit:
		return AlertExceeded, true
	case spend >= limit/2:
		return AlertHalfExceeded, true
	default:
		return "", false
	}
}

func (a Alert) Subject() string {
	if a.Kind == AlertExceeded {
		return "Budget Exceeded"
	}
	return "Budget Half Exceeded"
}

func (a Alert) Message() string {
	if a.Kind == AlertExceeded {
		return fmt.Sprintf("The budget of account %s has exceeded the limit (spend %.2f, limit %.2f)", a.AccountID, a.Spend, a.Limit)
	}
	return fmt.Sprintf("The budget of account %s has exceeded half of the limit (spend %.2f, limit %.2f)", a.AccountID, a.Spend, a.Limit)
}
