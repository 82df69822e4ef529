// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"testing"
)

func TestDeriveAccountName(t *testing.T) {
	cases := []struct {
		email string
		want  string
	}{
		{email: "alice@example.com", want: "alice"},
		{email: "bob@x.y.com", want: "bob"},
		{email: "  carol.smith@corp.example  ", want: "carol.smith"},
	}

	for _, tc := range cases {
		got, err := DeriveAccountName(tc.email)
		if err != nil {
			t.Fatalf("DeriveAccountName(%q): unexpected error %v", tc.email, err)
		}
		if got != tc.want {
			t.Fatalf("DeriveAccountName(%q): expected %q got %q", tc.email, tc.want, got)
		}
	}
}

func TestDeriveAccountNameRejectsEmptyLocalPart(t *testing.T) {
	for _, email := range []string{"", "@example.com", "   "} {
		if _, err := DeriveAccountName(email); err == nil {
			t.Fatalf("DeriveAccountName(%q): expected error", email)
		}
	}
}

func TestRegistrationParamsRecord(t *testing.T) {
	rec, err := RegistrationParams{
		Email:            " alice@example.com ",
		FirstName:        "Alice",
		LastName:         "Liddell",
		RegistrationDate: "2024-04-01",
	}.Record()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Email != "alice@example.com" {
		t.Fatalf("expected trimmed email got %q", rec.Email)
	}
}

func TestRegistrationParamsValidation(t *testing.T) {
	valid := RegistrationParams{
		Email:            "alice@example.com",
		FirstName:        "Alice",
		LastName:         "Liddell",
		RegistrationDate: "2024-04-01T10:00:00Z",
	}

	cases := map[string]func(p *RegistrationParams){
		"missing email":  func(p *RegistrationParams) { p.Email = "" },
		"two at signs":   func(p *RegistrationParams) { p.Email = "a@b@example.com" },
		"no local part":  func(p *RegistrationParams) { p.Email = "@example.com" },
		"display name":   func(p *RegistrationParams) { p.Email = "Alice <alice@example.com>" },
		"missing first":  func(p *RegistrationParams) { p.FirstName = " " },
		"missing last":   func(p *RegistrationParams) { p.LastName = "" },
		"missing date":   func(p *RegistrationParams) { p.RegistrationDate = "" },
		"malformed date": func(p *RegistrationParams) { p.RegistrationDate = "04/01/2024" },
	}

	for name, mutate := range cases {
		p := valid
		mutate(&p)
		if _, err := p.Record(); !errors.Is(err, ErrInvalidRegistration) {
			t.Fatalf("%s: expected ErrInvalidRegistration got %v", name, err)
		}
	}

	if _, err := valid.Record(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}
}

func TestProvisionRequestParametersOrder(t *testing.T) {
	req := ProvisionRequest{
		AccountName:        "alice",
		AccountEmail:       "alice@example.com",
		OrganizationalUnit: "Sandbox",
		SSOFirstName:       "Alice",
		SSOLastName:        "Liddell",
	}

	want := []ProvisionParameter{
		{Key: "AccountEmail", Value: "alice@example.com"},
		{Key: "AccountName", Value: "alice"},
		{Key: "ManagedOrganizationalUnit", Value: "Sandbox"},
		{Key: "SSOUserEmail", Value: "alice@example.com"},
		{Key: "SSOUserFirstName", Value: "Alice"},
		{Key: "SSOUserLastName", Value: "Liddell"},
	}

	got := req.Parameters()
	if len(got) != len(want) {
		t.Fatalf("expected %d parameters got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parameter %d: expected %+v got %+v", i, want[i], got[i])
		}
	}
}

func TestEvaluateSpend(t *testing.T) {
	cases := []struct {
		name      string
		spend     float64
		limit     float64
		wantKind  AlertKind
		wantAlert bool
	}{
		{name: "over limit", spend: 65000, limit: 60000, wantKind: AlertExceeded, wantAlert: true},
		{name: "at limit", spend: 60000, limit: 60000, wantKind: AlertExceeded, wantAlert: true},
		{name: "over half", spend: 25000, limit: 40000, wantKind: AlertHalfExceeded, wantAlert: true},
		{name: "at half", spend: 20000, limit: 40000, wantKind: AlertHalfExceeded, wantAlert: true},
		{name: "under half", spend: 15000, limit: 40000},
		{name: "no limit", spend: 100, limit: 0},
	}

	for _, tc := range cases {
		kind, ok := EvaluateSpend(tc.spend, tc.limit)
		if ok != tc.wantAlert || kind != tc.wantKind {
			t.Fatalf("%s: expected (%q,%v) got (%q,%v)", tc.name, tc.wantKind, tc.wantAlert, kind, ok)
		}
	}
}

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"Created":  EventCreated,
		"INSERT":   EventCreated,
		"modified": EventModified,
		"MODIFY":   EventModified,
		"Removed":  EventRemoved,
		"REMOVE":   EventRemoved,
	}
	for raw, want := range cases {
		got, ok := ParseEventKind(raw)
		if !ok || got != want {
			t.Fatalf("ParseEventKind(%q): expected %s got %s (%v)", raw, want, got, ok)
		}
	}
	if _, ok := ParseEventKind("TRUNCATE"); ok {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestChangeEventID(t *testing.T) {
	ev := ChangeEvent{Key: "alice@example.com", SequenceNumber: SequenceFromInt(42)}
	if got := ev.ID(); got != "alice@example.com#00000000000000000042" {
		t.Fatalf("unexpected event id %s", got)
	}
}

func TestAlertMessages(t *testing.T) {
	a := Alert{AccountID: "111122223333", Kind: AlertExceeded, Spend: 65000, Limit: 60000}
	if a.Subject() != "Budget Exceeded" {
		t.Fatalf("unexpected subject %s", a.Subject())
	}
	h := Alert{AccountID: "111122223333", Kind: AlertHalfExceeded, Spend: 25000, Limit: 40000}
	if h.Subject() == a.Subject() {
		t.Fatal("expected distinct subjects per alert kind")
	}
}
