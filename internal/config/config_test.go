package config

import (
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.DisposalPolicy != "lock" {
		t.Fatalf("expected lock disposal by default, got %q", cfg.DisposalPolicy)
	}
	if len(cfg.Taxonomies) != 2 || cfg.Taxonomies[0] != "category" || cfg.Taxonomies[1] != "tag" {
		t.Fatalf("unexpected taxonomies %v", cfg.Taxonomies)
	}
	if !slices.Equal(cfg.ForkableKinds, []string{"document", "post", "page"}) {
		t.Fatalf("unexpected forkable kinds %v", cfg.ForkableKinds)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl %v", cfg.AccessTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("OFFSHOOT_DISPOSAL_POLICY", "DELETE")
	t.Setenv("OFFSHOOT_TAXONOMIES", "genre,series,audience")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OFFSHOOT_FORKABLE_KINDS", "article")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != "memory" || cfg.DisposalPolicy != "delete" {
		t.Fatalf("expected normalized values, got %+v", cfg)
	}
	if len(cfg.Taxonomies) != 3 {
		t.Fatalf("unexpected taxonomies %v", cfg.Taxonomies)
	}
	if !slices.Equal(cfg.ForkableKinds, []string{"article"}) {
		t.Fatalf("unexpected forkable kinds %v", cfg.ForkableKinds)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.SlogLevel())
	}
}

func TestLoadRejectsUnknownDisposalPolicy(t *testing.T) {
	t.Setenv("OFFSHOOT_DISPOSAL_POLICY", "archive")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown disposal policy")
	}
}

func TestLoadRejectsUnknownStoreDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestLoadRejectsForkAsForkableKind(t *testing.T) {
	t.Setenv("OFFSHOOT_FORKABLE_KINDS", "post,fork")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when fork is listed as forkable")
	}
}
