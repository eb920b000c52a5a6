package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() *BacktestConfig {
	return &BacktestConfig{
		Symbol:         "BTCUSDT",
		InitialBalance: decimal.NewFromInt(10000),
		Strategy:       "grid",
		Params: GridParams{
			GridSpacing: decimal.NewFromFloat(0.01),
			OrderSize:   decimal.NewFromFloat(0.1),
		},
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*BacktestConfig)
	}{
		{"empty symbol", func(c *BacktestConfig) { c.Symbol = "" }},
		{"negative balance", func(c *BacktestConfig) { c.InitialBalance = decimal.NewFromInt(-1) }},
		{"zero spacing", func(c *BacktestConfig) { c.Params.GridSpacing = decimal.Zero }},
		{"negative spacing", func(c *BacktestConfig) { c.Params.GridSpacing = decimal.NewFromFloat(-0.01) }},
		{"zero order size", func(c *BacktestConfig) { c.Params.OrderSize = decimal.Zero }},
		{"negative fee", func(c *BacktestConfig) { c.Params.FeeRate = decimal.NewFromFloat(-0.001) }},
		{"end before start", func(c *BacktestConfig) {
			start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
			end := start.Add(-time.Hour)
			c.Start = &start
			c.End = &end
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			config := validConfig()
			c.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusStopped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJobClone(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:          "a",
		Status:      JobStatusCompleted,
		CompletedAt: &now,
		Result:      &BacktestResult{FinalEquity: decimal.NewFromInt(1)},
	}

	clone := job.Clone()
	if clone.CompletedAt == job.CompletedAt {
		t.Error("clone shares CompletedAt pointer")
	}
	if clone.Result == job.Result {
		t.Error("clone shares Result pointer")
	}

	*clone.CompletedAt = now.Add(time.Hour)
	if !job.CompletedAt.Equal(now) {
		t.Error("mutating clone changed original")
	}
}
