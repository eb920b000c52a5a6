// Package backtester provides the grid simulation engine and the
// performance metrics derived from its output.
package backtester

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeboard/backtest-backend/pkg/types"
)

// equitySampleStride is the fixed bar-count interval between equity samples.
// A final sample is always taken on the last bar regardless of stride.
const equitySampleStride = 10

// progressStride is the bar-count interval between progress callbacks.
const progressStride = 100

// SimulateOptions carries the hooks the orchestrator threads through a run.
// Both fields may be nil; the simulation itself stays a pure function of
// (bars, config).
type SimulateOptions struct {
	// OnProgress receives the fraction of bars processed, in [0,1].
	OnProgress func(fraction float64)
	// Cancelled is polled between bars; returning true aborts the run.
	Cancelled func() bool
}

// ErrCancelled is returned when a simulation is aborted via SimulateOptions.
var ErrCancelled = fmt.Errorf("simulation cancelled")

// Simulate walks the bar sequence with a grid strategy: buy on down-moves,
// sell on up-moves relative to a reference price that re-anchors to the
// close whenever the grid spacing threshold fires. Returns the trade
// ledger, the sampled equity curve, and the final equity.
func Simulate(bars []types.Bar, config *types.BacktestConfig, opts SimulateOptions) ([]types.Trade, []types.EquityPoint, decimal.Decimal, error) {
	if len(bars) == 0 {
		return nil, nil, decimal.Zero, fmt.Errorf("no bars to simulate")
	}

	cash := config.InitialBalance
	position := decimal.Zero
	reference := bars[0].Close

	spacing := config.Params.GridSpacing
	orderSize := config.Params.OrderSize
	feeRate := config.Params.FeeRate
	maxPosition := config.Params.MaxPosition

	var trades []types.Trade
	var curve []types.EquityPoint

	// The first bar only establishes the reference price.
	for i := 1; i < len(bars); i++ {
		if opts.Cancelled != nil && opts.Cancelled() {
			return nil, nil, decimal.Zero, ErrCancelled
		}

		bar := bars[i]
		price := bar.Close
		if reference.IsZero() {
			reference = price
			continue
		}

		change := price.Sub(reference).Div(reference)
		if change.Abs().GreaterThanOrEqual(spacing) {
			if change.IsPositive() && position.IsPositive() {
				// Price rose: sell down to the order-size quantity bound.
				amount := sellAmount(position, cash, orderSize, price)
				if amount.IsPositive() {
					value := amount.Mul(price)
					fee := value.Mul(feeRate)
					cash = cash.Add(value).Sub(fee)
					position = position.Sub(amount)
					trades = append(trades, types.Trade{
						ID:        uuid.New().String(),
						Timestamp: bar.Timestamp,
						Side:      types.TradeSideSell,
						Price:     price,
						Amount:    amount,
						Value:     value,
						Fee:       fee,
					})
				}
			} else if change.IsNegative() && cash.IsPositive() {
				// Price fell: buy with a bounded fraction of available cash.
				amount := buyAmount(cash, orderSize, price, position, maxPosition, feeRate)
				if amount.IsPositive() {
					value := amount.Mul(price)
					fee := value.Mul(feeRate)
					cash = cash.Sub(value).Sub(fee)
					position = position.Add(amount)
					trades = append(trades, types.Trade{
						ID:        uuid.New().String(),
						Timestamp: bar.Timestamp,
						Side:      types.TradeSideBuy,
						Price:     price,
						Amount:    amount,
						Value:     value,
						Fee:       fee,
					})
				}
			}

			// Re-anchor so the next trigger is relative to this level,
			// whichever branch fired.
			reference = price
		}

		if i%equitySampleStride == 0 || i == len(bars)-1 {
			curve = append(curve, equityPoint(bar, cash, position, config.InitialBalance))
		}

		if opts.OnProgress != nil && (i%progressStride == 0 || i == len(bars)-1) {
			opts.OnProgress(float64(i) / float64(len(bars)-1))
		}
	}

	last := bars[len(bars)-1]
	finalEquity := cash.Add(position.Mul(last.Close))

	if len(curve) == 0 {
		curve = append(curve, equityPoint(last, cash, position, config.InitialBalance))
	}

	return trades, curve, finalEquity, nil
}

func equityPoint(bar types.Bar, cash, position, initial decimal.Decimal) types.EquityPoint {
	equity := cash.Add(position.Mul(bar.Close))

	drawdown := decimal.Zero
	if initial.IsPositive() {
		dd := initial.Sub(equity).Div(initial)
		if dd.IsPositive() {
			drawdown = dd
		}
	}

	return types.EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    equity,
		Cash:      cash,
		Drawdown:  drawdown,
	}
}

// sellAmount bounds a sell by the current position and the order-size
// derived quantity at the current price.
func sellAmount(position, cash, orderSize, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	quote := cash.Add(position.Mul(price)).Mul(orderSize)
	qty := quote.Div(price)
	if position.LessThan(qty) {
		return position
	}
	return qty
}

// buyAmount bounds a buy by the order-size fraction of available cash,
// leaving headroom for the fee, and by the position cap when set.
func buyAmount(cash, orderSize, price, position, maxPosition, feeRate decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	quote := cash.Mul(orderSize).Div(decimal.NewFromInt(1).Add(feeRate))
	qty := quote.Div(price)
	if !maxPosition.IsZero() {
		headroom := maxPosition.Sub(position)
		if headroom.IsNegative() {
			return decimal.Zero
		}
		if qty.GreaterThan(headroom) {
			qty = headroom
		}
	}
	return qty
}
