// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
)

type Publisher interface {
	Publish(ctx context.Context, subject, message string) error
}

// Multi publishes to every channel and reports the joined failures. One
// failing channel does not stop delivery to the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, subject, message string) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, subject, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
