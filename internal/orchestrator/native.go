package orchestrator

import (
	"context"
	"time"

	"github.com/tradeboard/backtest-backend/internal/backtester"
	"github.com/tradeboard/backtest-backend/internal/data"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// Simulation progress maps into this sub-range; the edges are reserved
// for data loading and finalization.
const (
	nativeProgressFloor = 0.05
	nativeProgressCeil  = 0.95
)

// NativeRunner executes backtests in-process against the bar store
type NativeRunner struct {
	logger *zap.Logger
	store  *data.Store

	// DefaultSpan is the time range used when a config omits start/end.
	defaultSpan time.Duration
}

// NewNativeRunner creates an in-process runner
func NewNativeRunner(logger *zap.Logger, store *data.Store, defaultSpan time.Duration) *NativeRunner {
	if defaultSpan <= 0 {
		defaultSpan = 6 * 30 * 24 * time.Hour
	}
	return &NativeRunner{
		logger:      logger.Named("native"),
		store:       store,
		defaultSpan: defaultSpan,
	}
}

// Run loads bars for the config's resolved time range and simulates the
// grid strategy over them.
func (r *NativeRunner) Run(ctx context.Context, jobID string, config *types.BacktestConfig, onProgress func(float64)) (*types.BacktestResult, error) {
	start, end, err := r.store.ResolveRange(config.Symbol, config.Start, config.End, r.defaultSpan)
	if err != nil {
		return nil, err
	}

	bars, err := r.store.LoadBars(ctx, config.Symbol, start, end)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(nativeProgressFloor)
	}

	startedAt := time.Now()
	opts := backtester.SimulateOptions{
		Cancelled: func() bool { return ctx.Err() != nil },
	}
	if onProgress != nil {
		opts.OnProgress = func(f float64) {
			onProgress(nativeProgressFloor + f*(nativeProgressCeil-nativeProgressFloor))
		}
	}

	trades, curve, finalEquity, err := backtester.Simulate(bars, config, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	completedAt := time.Now()
	result := &types.BacktestResult{
		Config:        config,
		Trades:        trades,
		EquityCurve:   curve,
		FinalEquity:   finalEquity,
		Metrics:       backtester.CalculateMetrics(trades, curve, config.InitialBalance, finalEquity),
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		Duration:      completedAt.Sub(startedAt),
		BarsProcessed: len(bars),
	}

	r.logger.Debug("Simulation finished",
		zap.String("jobId", jobID),
		zap.Int("bars", len(bars)),
		zap.Int("trades", len(trades)),
	)
	return result, nil
}

// Stop is a no-op: in-process simulations observe cancellation through
// their context, there is no external handle to kill.
func (r *NativeRunner) Stop(jobID string) bool {
	return false
}
