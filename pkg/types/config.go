// Package types provides configuration types for the backtest backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig represents the configuration for a backtest run.
// It is immutable once a job has been created from it.
type BacktestConfig struct {
	Symbol         string          `json:"symbol"`
	Start          *time.Time      `json:"start,omitempty"`
	End            *time.Time      `json:"end,omitempty"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	Strategy       string          `json:"strategy"`
	Params         GridParams      `json:"params"`
}

// GridParams represents the strategy parameter bag for the grid strategy
type GridParams struct {
	GridSpacing decimal.Decimal `json:"gridSpacing"` // fractional trigger, e.g. 0.01 for 1%
	OrderSize   decimal.Decimal `json:"orderSize"`   // fraction of available cash per buy
	Leverage    decimal.Decimal `json:"leverage"`
	FeeRate     decimal.Decimal `json:"feeRate"`
	MaxPosition decimal.Decimal `json:"maxPosition"` // base-asset cap, zero means unlimited
}

// Validate checks the config is well-formed for submission
func (c *BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.InitialBalance.IsNegative() {
		return fmt.Errorf("initial balance must be >= 0")
	}
	if c.Params.GridSpacing.IsNegative() || c.Params.GridSpacing.IsZero() {
		return fmt.Errorf("grid spacing must be > 0")
	}
	if c.Params.OrderSize.IsNegative() || c.Params.OrderSize.IsZero() {
		return fmt.Errorf("order size must be > 0")
	}
	if c.Params.FeeRate.IsNegative() {
		return fmt.Errorf("fee rate must be >= 0")
	}
	if c.Start != nil && c.End != nil && c.End.Before(*c.Start) {
		return fmt.Errorf("end must not precede start")
	}
	return nil
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	WebSocketPath string        `json:"webSocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
	// DefaultSpan bounds history queries that omit a start time.
	DefaultSpan time.Duration `json:"defaultSpan"`
}
