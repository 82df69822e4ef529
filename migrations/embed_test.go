// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"strings"
	"testing"
)

func TestOrderedReturnsSortedMigrations(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 migrations got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].Name >= files[i].Name {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].Name, files[i].Name)
		}
	}
	if !strings.Contains(files[1].SQL, "identity_records_change_feed") {
		t.Fatalf("expected change feed trigger in %s", files[1].Name)
	}
}
