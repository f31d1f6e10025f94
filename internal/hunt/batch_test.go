package hunt

import "testing"

func TestNewBatchConfigValidation(t *testing.T) {
	if _, err := NewBatchConfig(0, nil, "anthropic", "judge-1", 2, 0.5, 0); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if _, err := NewBatchConfig(2, []string{"m1"}, "anthropic", "judge-1", 2, 0.5, 0); err == nil {
		t.Fatalf("expected error for model/worker mismatch")
	}
	if _, err := NewBatchConfig(1, []string{"m1"}, "", "judge-1", 2, 0.5, 0); err == nil {
		t.Fatalf("expected error for missing provider")
	}
	if _, err := NewBatchConfig(1, []string{"m1"}, "anthropic", "judge-1", 2, 1.5, 0); err == nil {
		t.Fatalf("expected error for reasoning fraction out of range")
	}
}

func TestBatchConfigHuntIDs(t *testing.T) {
	cfg, err := NewBatchConfig(3, []string{"m1", "m2", "m3"}, "anthropic", "judge-1", 2, 0.5, 10)
	if err != nil {
		t.Fatalf("NewBatchConfig: %v", err)
	}
	ids := cfg.HuntIDs()
	want := []int{11, 12, 13}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected id %d at index %d, got %d", want[i], i, ids[i])
		}
	}
}

func TestBatchConfigCopiesModels(t *testing.T) {
	models := []string{"m1", "m2"}
	cfg, err := NewBatchConfig(2, models, "anthropic", "judge-1", 0, 0, 5)
	if err != nil {
		t.Fatalf("NewBatchConfig: %v", err)
	}
	models[0] = "mutated"
	if cfg.Models[0] != "m1" {
		t.Fatalf("snapshot must not observe later input mutation")
	}
}
