// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// IdentityRecord is one registered person. It is written once and never updated.
type IdentityRecord struct {
	Email            string `json:"email" dynamodbav:"email"`
	FirstName        string `json:"first_name" dynamodbav:"first_name"`
	LastName         string `json:"last_name" dynamodbav:"last_name"`
	RegistrationDate string `json:"registration_date" dynamodbav:"registration_date"`
}

type RegistrationParams struct {
	Email            string
	FirstName        string
	LastName         string
	RegistrationDate string
}

// Record validates the params and returns the record to insert.
func (p RegistrationParams) Record() (IdentityRecord, error) {
	rec := IdentityRecord{
		Email:            strings.TrimSpace(p.Email),
		FirstName:        strings.TrimSpace(p.FirstName),
		LastName:         strings.TrimSpace(p.LastName),
		RegistrationDate: strings.TrimSpace(p.RegistrationDate),
	}

	if err := validateEmail(rec.Email); err != nil {
		return IdentityRecord{}, err
	}
	if rec.FirstName == "" {
		return IdentityRecord{}, fmt.Errorf("%w: first_name is required", ErrInvalidRegistration)
	}
	if rec.LastName == "" {
		return IdentityRecord{}, fmt.Errorf("%w: last_name is required", ErrInvalidRegistration)
	}
	if !validRegistrationDate(rec.RegistrationDate) {
		return IdentityRecord{}, fmt.Errorf("%w: registration_date must be YYYY-MM-DD or RFC 3339", ErrInvalidRegistration)
	}

	return rec, nil
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidRegistration)
	}
	if strings.Count(email, "@") != 1 {
		return fmt.Errorf("%w: email must contain exactly one @", ErrInvalidRegistration)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("%w: invalid email", ErrInvalidRegistration)
	}
	if _, err := DeriveAccountName(email); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return nil
}

func validRegistrationDate(raw string) bool {
	if raw == "" {
		return false
	}
	if _, err := time.Parse(time.DateOnly, raw); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, raw)
	return err == nil
}
