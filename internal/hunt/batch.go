package hunt

import "fmt"

// BatchConfig is the immutable configuration snapshot for one batch launch.
// It must be captured before quota reservation mutates any caller-visible
// state: Offset records the lifetime total at snapshot time and seeds the
// globally unique hunt ids for the batch (Offset+1 .. Offset+Workers).
type BatchConfig struct {
	Workers           int      `json:"workers"`
	Models            []string `json:"models"`
	Provider          string   `json:"provider"`
	JudgeModel        string   `json:"judge_model"`
	RetryBudget       int      `json:"retry_budget"`
	ReasoningFraction float64  `json:"reasoning_fraction"`
	Offset            int      `json:"offset"`
}

// NewBatchConfig validates and assembles a snapshot. It is a pure function of
// its inputs and performs no clamping: callers resolve the worker count
// against the remaining quota before building the snapshot.
func NewBatchConfig(workers int, models []string, provider, judgeModel string, retryBudget int, reasoningFraction float64, offset int) (BatchConfig, error) {
	if workers < 1 {
		return BatchConfig{}, fmt.Errorf("worker count must be at least 1")
	}
	if len(models) != workers {
		return BatchConfig{}, fmt.Errorf("expected %d model ids, got %d", workers, len(models))
	}
	for i, m := range models {
		if m == "" {
			return BatchConfig{}, fmt.Errorf("model id for worker %d is empty", i+1)
		}
	}
	if provider == "" {
		return BatchConfig{}, fmt.Errorf("provider is required")
	}
	if judgeModel == "" {
		return BatchConfig{}, fmt.Errorf("judge model is required")
	}
	if retryBudget < 0 {
		return BatchConfig{}, fmt.Errorf("retry budget cannot be negative")
	}
	if reasoningFraction < 0 || reasoningFraction > 1 {
		return BatchConfig{}, fmt.Errorf("reasoning fraction must be within [0,1]")
	}
	if offset < 0 {
		return BatchConfig{}, fmt.Errorf("offset cannot be negative")
	}
	return BatchConfig{
		Workers:           workers,
		Models:            append([]string(nil), models...),
		Provider:          provider,
		JudgeModel:        judgeModel,
		RetryBudget:       retryBudget,
		ReasoningFraction: reasoningFraction,
		Offset:            offset,
	}, nil
}

// HuntIDs returns the globally unique ids this batch will produce.
func (c BatchConfig) HuntIDs() []int {
	ids := make([]int, c.Workers)
	for i := range ids {
		ids[i] = c.Offset + i + 1
	}
	return ids
}
