package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BREAKHUNT_EXEC_BASE_URL", "http://exec.local")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatalf("expected error for explicit missing file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"exec":{"base_url":"http://exec.local"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Hunt.PerTurnMax != 6 {
		t.Fatalf("expected default per_turn_max 6, got %d", cfg.Hunt.PerTurnMax)
	}
	if cfg.Review.SelectionSize != 4 {
		t.Fatalf("expected default selection_size 4, got %d", cfg.Review.SelectionSize)
	}
	if cfg.Review.MinExplanationWords != 10 {
		t.Fatalf("expected default min_explanation_words 10, got %d", cfg.Review.MinExplanationWords)
	}
}

func TestHuntConfigValidate(t *testing.T) {
	h := HuntConfig{PerTurnMax: 6, MaxWorkers: 8}
	if err := h.Validate(); err == nil {
		t.Fatalf("expected max_workers > per_turn_max to fail validation")
	}
	h = HuntConfig{PerTurnMax: 6, MaxWorkers: 6, ReasoningFraction: 1.5}
	if err := h.Validate(); err == nil {
		t.Fatalf("expected reasoning_fraction out of range to fail validation")
	}
	h = HuntConfig{PerTurnMax: 6, MaxWorkers: 4, ReasoningFraction: 0.5}
	if err := h.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestReviewConfigValidate(t *testing.T) {
	r := ReviewConfig{SelectionSize: 4, MinBreaking: 5}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected min_breaking > selection_size to fail validation")
	}
	r = ReviewConfig{SelectionSize: 4, MinBreaking: 3, MinExplanationWords: 10}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", DBName: "breakhunt", User: "u", Password: "p"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://u:p@db:5432/breakhunt?sslmode=disable"
	if dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}
	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("expected error for unconfigured postgres")
	}
}
