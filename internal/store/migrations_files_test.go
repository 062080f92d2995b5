package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"offshoot/api/internal/store/migrations"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestUpMigrationsAreOrdered(t *testing.T) {
	files, err := upMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 up migrations, got %v", files)
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Fatalf("migrations out of order: %v", files)
		}
	}
}

func TestForkStateGuardMigrationBlocksBackwardTransition(t *testing.T) {
	sqlBytes, err := fs.ReadFile(migrations.FS, "0003_fork_state_guard.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"fork_state_guard",
		"OLD.state = 'merged'",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_fork_state_guard",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestForksMigrationKeepsOriginalWithoutForeignKey(t *testing.T) {
	sqlBytes, err := fs.ReadFile(migrations.FS, "0002_forks.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if strings.Contains(string(sqlBytes), "original_id TEXT NOT NULL REFERENCES") {
		t.Fatal("original_id must not cascade from documents; forks survive a deleted original")
	}
}

func TestForkMergeClaimMigrationDetachesForkRows(t *testing.T) {
	sqlBytes, err := fs.ReadFile(migrations.FS, "0004_fork_merge_claim.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)
	for _, snippet := range []string{"merge_claimed_at TIMESTAMPTZ", "DROP CONSTRAINT IF EXISTS forks_id_fkey"} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}
