// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"errors"
	"strings"
	"testing"

	"github.com/adiadia/account-vending/internal/domain"
)

func TestDecodeBatch(t *testing.T) {
	body := `{"records":[
		{"eventKind":"Created","keys":{"email":"alice@example.com"},
		 "afterImage":{"email":"alice@example.com","first_name":"Alice","last_name":"Liddell","registration_date":"2024-04-01"},
		 "sequenceNumber":"4900000000000000000001"},
		{"eventKind":"MODIFY","keys":{"email":"bob@x.y.com"},
		 "beforeImage":{"email":"bob@x.y.com","first_name":"Bob","last_name":"B","registration_date":"2024-04-01"},
		 "afterImage":{"email":"bob@x.y.com","first_name":"Bob","last_name":"C","registration_date":"2024-04-01"},
		 "sequenceNumber":17}
	]}`

	events, err := Decode(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events got %d", len(events))
	}

	first := events[0]
	if first.Kind != domain.EventCreated || first.Key != "alice@example.com" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if first.SequenceNumber != "4900000000000000000001" {
		t.Fatalf("expected sequence number to be preserved, got %s", first.SequenceNumber)
	}
	if first.AfterImage == nil || first.AfterImage.FirstName != "Alice" {
		t.Fatalf("unexpected after image %+v", first.AfterImage)
	}

	second := events[1]
	if second.Kind != domain.EventModified || second.SequenceNumber != "17" {
		t.Fatalf("unexpected second event %+v", second)
	}
	if second.BeforeImage == nil || second.BeforeImage.LastName != "B" {
		t.Fatalf("unexpected before image %+v", second.BeforeImage)
	}
}

func TestDecodeBatchKeyFallsBackToAfterImage(t *testing.T) {
	body := `{"records":[{"eventKind":"INSERT","afterImage":{"email":"carol@example.com"},"sequenceNumber":"1"}]}`

	events, err := Decode(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Key != "carol@example.com" {
		t.Fatalf("expected key from after image, got %q", events[0].Key)
	}
}

func TestDecodeBatchRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed json":   `{"records":[`,
		"trailing object":  `{"records":[]} {}`,
		"unknown kind":     `{"records":[{"eventKind":"TRUNCATE","keys":{"email":"a@b.c"},"sequenceNumber":"1"}]}`,
		"missing sequence": `{"records":[{"eventKind":"Created","keys":{"email":"a@b.c"}}]}`,
		"missing key":      `{"records":[{"eventKind":"Removed","sequenceNumber":"1"}]}`,
	}

	for name, body := range cases {
		if _, err := Decode(strings.NewReader(body)); !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("%s: expected ErrInvalidBatch got %v", name, err)
		}
	}
}

func TestDecodeEmptyBatch(t *testing.T) {
	events, err := Decode(strings.NewReader(`{"records":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events got %d", len(events))
	}
}
