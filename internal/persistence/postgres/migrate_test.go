// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"strings"
	"testing"

	embeddedmigrations "github.com/adiadia/account-vending/migrations"
)

func TestRequiredSchemaIsCreatedByMigrations(t *testing.T) {
	files, err := embeddedmigrations.Ordered()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}

	var all strings.Builder
	for _, f := range files {
		all.WriteString(f.SQL)
	}
	sql := all.String()

	for _, table := range requiredTables {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Fatalf("required table %s is not created by any migration", table)
		}
	}
	for _, col := range requiredColumns {
		if !strings.Contains(sql, col.Column) {
			t.Fatalf("required column %s.%s is not created by any migration", col.Table, col.Column)
		}
	}
}

func TestEnsureSchemaRejectsNilPool(t *testing.T) {
	if err := EnsureSchema(context.Background(), nil, nil); err == nil {
		t.Fatal("expected nil pool error")
	}
	if err := SchemaReady(context.Background(), nil); err == nil {
		t.Fatal("expected nil pool error")
	}
}
