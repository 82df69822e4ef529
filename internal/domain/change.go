// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"strings"
)

type EventKind string

const (
	EventCreated  EventKind = "Created"
	EventModified EventKind = "Modified"
	EventRemoved  EventKind = "Removed"
)

// ParseEventKind accepts the canonical kinds and the DynamoDB stream names.
func ParseEventKind(raw string) (EventKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREATED", "INSERT":
		return EventCreated, true
	case "MODIFIED", "MODIFY":
		return EventModified, true
	case "REMOVED", "REMOVE":
		return EventRemoved, true
	default:
		return "", false
	}
}

// ChangeEvent is one mutation of the identity store as delivered by the
// change feed. Delivery is at-least-once and ordered only per Key.
type ChangeEvent struct {
	SequenceNumber string          `json:"sequence_number"`
	Kind           EventKind       `json:"event_kind"`
	Key            string          `json:"key"`
	BeforeImage    *IdentityRecord `json:"before_image,omitempty"`
	AfterImage     *IdentityRecord `json:"after_image,omitempty"`
}

// ID identifies the event across redeliveries.
func (e ChangeEvent) ID() string {
	return e.Key + "#" + e.SequenceNumber
}

// SequenceFromInt formats a store-assigned sequence so that it sorts lexically.
func SequenceFromInt(seq int64) string {
	s := strconv.FormatInt(seq, 10)
	if len(s) >= 20 {
		return s
	}
	return strings.Repeat("0", 20-len(s)) + s
}
