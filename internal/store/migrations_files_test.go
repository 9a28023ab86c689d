package store

import (
	"os"
	"regexp"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

var migrationName = regexp.MustCompile(`^\d{4}_[a-z0-9_]+\.(up|down)\.sql$`)

func TestMigrationFilesArePaired(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if !migrationName.MatchString(name) {
			t.Errorf("migration %s does not match the naming convention", name)
			continue
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	if len(ups) == 0 {
		t.Fatal("no up migrations found")
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("migration %s has no down migration", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("migration %s has no up migration", base)
		}
	}
}

func TestInitialMigrationShape(t *testing.T) {
	contents, err := os.ReadFile(migrationsDir + "/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	sql := string(contents)

	for _, table := range []string{"users", "roles", "user_roles", "tags", "theories", "theory_tags", "votes", "contributions"} {
		if !strings.Contains(sql, "CREATE TABLE "+table+" (") {
			t.Errorf("initial migration missing table %s", table)
		}
	}
	for _, role := range []string{"'admin'", "'editor'", "'reader'"} {
		if !strings.Contains(sql, role) {
			t.Errorf("initial migration missing seeded role %s", role)
		}
	}
}
