// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrInvalidRegistration = errors.New("invalid registration")
var ErrDuplicateEmail = errors.New("account information already exists")
var ErrStoreUnavailable = errors.New("identity store unavailable")

var ErrInvalidChangeEvent = errors.New("invalid change event")
var ErrInvalidAccountName = errors.New("invalid account name")

// ErrProvisioningRejected marks backend failures that redelivery cannot fix
// (quota, invalid parameter, unknown product).
var ErrProvisioningRejected = errors.New("provisioning rejected")

var ErrInvalidGuardrail = errors.New("invalid guardrail")
