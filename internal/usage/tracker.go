// Package usage accumulates per-model LLM usage for one session.
package usage

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ModelUsage aggregates calls and tokens for a single model.
type ModelUsage struct {
	Model            string `json:"model"`
	Calls            int    `json:"calls"`
	Failures         int    `json:"failures"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CostLevel        string `json:"cost_level"`
}

// TotalTokens returns prompt plus completion tokens.
func (m ModelUsage) TotalTokens() int { return m.PromptTokens + m.CompletionTokens }

// Summary is a point-in-time view of a Tracker.
type Summary struct {
	Models           []ModelUsage `json:"models"`
	TotalCalls       int          `json:"total_calls"`
	TotalFailures    int          `json:"total_failures"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
}

// Tracker is created at session start and shared by reference with every
// component that talks to the LLM service. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{models: make(map[string]*ModelUsage)}
}

// Record adds one call. failed marks calls that produced no usable response.
func (t *Tracker) Record(model string, promptTokens, completionTokens int, failed bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.models[model]
	if !ok {
		m = &ModelUsage{Model: model, CostLevel: CostLevel(model)}
		t.models[model] = m
	}
	m.Calls++
	if failed {
		m.Failures++
	}
	m.PromptTokens += promptTokens
	m.CompletionTokens += completionTokens
}

// Summary returns the models sorted by name with session totals.
func (t *Tracker) Summary() Summary {
	var s Summary
	if t == nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Models = make([]ModelUsage, 0, len(t.models))
	for _, m := range t.models {
		s.Models = append(s.Models, *m)
		s.TotalCalls += m.Calls
		s.TotalFailures += m.Failures
		s.PromptTokens += m.PromptTokens
		s.CompletionTokens += m.CompletionTokens
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].Model < s.Models[j].Model })
	return s
}

// Log writes the summary, one line per model.
func (t *Tracker) Log(logger *zap.Logger) {
	if logger == nil {
		return
	}
	s := t.Summary()
	for _, m := range s.Models {
		logger.Info("model usage",
			zap.String("model", m.Model),
			zap.String("cost_level", m.CostLevel),
			zap.Int("calls", m.Calls),
			zap.Int("failures", m.Failures),
			zap.Int("prompt_tokens", m.PromptTokens),
			zap.Int("completion_tokens", m.CompletionTokens),
		)
	}
	logger.Info("session usage",
		zap.Int("calls", s.TotalCalls),
		zap.Int("failures", s.TotalFailures),
		zap.Int("prompt_tokens", s.PromptTokens),
		zap.Int("completion_tokens", s.CompletionTokens),
	)
}

var costLevels = map[string]string{
	"gpt-4o-mini": "$",
	"gpt-4o":      "$$",
	"o3-mini":     "$$$",
}

// CostLevel maps a model id to a rough relative price marker.
func CostLevel(model string) string {
	if lvl, ok := costLevels[model]; ok {
		return lvl
	}
	return "?"
}
