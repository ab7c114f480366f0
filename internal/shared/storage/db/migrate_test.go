package db

import (
	"context"
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsDefineSchema(t *testing.T) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	body, err := fs.ReadFile(migrationFiles, names[0])
	if err != nil {
		t.Fatalf("read %s: %v", names[0], err)
	}
	sql := string(body)
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "contract_analyses", "CHECK (status IN ('draft', 'processing', 'ready'))"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration %s missing %q", names[0], want)
		}
	}
}

func TestMessagesMigrationCascadesWithAnalysis(t *testing.T) {
	body, err := fs.ReadFile(migrationFiles, "migrations/00002_analysis_messages.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sql := string(body)
	for _, want := range []string{"analysis_messages", "REFERENCES contract_analyses (id) ON DELETE CASCADE", "CHECK (role IN ('user', 'assistant'))"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("messages migration missing %q", want)
		}
	}
}

func TestRunMigrationsNilDatabase(t *testing.T) {
	if err := RunMigrations(context.Background(), nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
