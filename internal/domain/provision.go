// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"strings"
)

const (
	ParamAccountEmail       = "AccountEmail"
	ParamAccountName        = "AccountName"
	ParamOrganizationalUnit = "ManagedOrganizationalUnit"
	ParamSSOEmail           = "SSOUserEmail"
	ParamSSOFirstName       = "SSOUserFirstName"
	ParamSSOLastName        = "SSOUserLastName"
)

var errEmptyLocalPart = errors.New("email has no local part")

// DeriveAccountName returns the part of email before the first "@".
//
// Two addresses with the same local part on different domains derive the same
// name; the provisioning backend's name uniqueness is the only guard.
func DeriveAccountName(email string) (string, error) {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return "", errEmptyLocalPart
	}
	return local, nil
}

type ProvisionRequest struct {
	ProductID          string
	ArtifactID         string
	AccountName        string
	AccountEmail       string
	OrganizationalUnit string
	SSOFirstName       string
	SSOLastName        string
}

type ProvisionParameter struct {
	Key   string
	Value string
}

// Parameters returns the backend parameters in their fixed order.
func (r ProvisionRequest) Parameters() []ProvisionParameter {
	return []ProvisionParameter{
		{Key: ParamAccountEmail, Value: r.AccountEmail},
		{Key: ParamAccountName, Value: r.AccountName},
		{Key: ParamOrganizationalUnit, Value: r.OrganizationalUnit},
		{Key: ParamSSOEmail, Value: r.AccountEmail},
		{Key: ParamSSOFirstName, Value: r.SSOFirstName},
		{Key: ParamSSOLastName, Value: r.SSOLastName},
	}
}

// ProvisionResult carries the backend's account identifier, which is distinct
// from the provisioned product name.
type ProvisionResult struct {
	ProvisionedProductID string
	AccountID            string
	AlreadyExisted       bool
}
