package backtester

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/tradeboard/backtest-backend/pkg/types"
)

// CalculateMetrics derives summary statistics from a completed simulation.
// Win rate and profit factor classify trades by side: every SELL counts as
// a win and every BUY as a loss. This mirrors the dashboard's aggregation
// and is not a per-position P&L attribution.
func CalculateMetrics(
	trades []types.Trade,
	equityCurve []types.EquityPoint,
	initialBalance decimal.Decimal,
	finalEquity decimal.Decimal,
) types.BacktestMetrics {
	metrics := types.BacktestMetrics{
		TotalTrades: len(trades),
	}

	if initialBalance.IsPositive() {
		metrics.TotalReturn = finalEquity.Sub(initialBalance).Div(initialBalance)
	}

	metrics.AnnualizedReturn = annualizedReturn(metrics.TotalReturn, equityCurve)
	metrics.SharpeRatio = sharpeRatio(equityCurve)
	metrics.MaxDrawdown = maxDrawdown(equityCurve)

	var sellValue, buyValue decimal.Decimal
	var sells int
	for _, t := range trades {
		switch t.Side {
		case types.TradeSideSell:
			sells++
			sellValue = sellValue.Add(t.Value)
		case types.TradeSideBuy:
			buyValue = buyValue.Add(t.Value)
		}
	}

	if len(trades) > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(sells)).Div(decimal.NewFromInt(int64(len(trades))))
	}
	if !buyValue.IsZero() {
		metrics.ProfitFactor = sellValue.Div(buyValue)
	}

	return metrics
}

// annualizedReturn compounds the total return over the wall-clock span of
// the equity curve, projected to a 365-day year. Zero when the span is zero.
func annualizedReturn(totalReturn decimal.Decimal, curve []types.EquityPoint) decimal.Decimal {
	if len(curve) < 2 {
		return decimal.Zero
	}
	span := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp)
	if span <= 0 {
		return decimal.Zero
	}

	years := span.Hours() / (24 * 365)
	growth := 1 + totalReturn.InexactFloat64()
	if growth <= 0 {
		return decimal.NewFromInt(-1)
	}
	annualized := math.Pow(growth, 1/years) - 1
	return decimal.NewFromFloat(annualized)
}

// sharpeRatio is mean over standard deviation of the pointwise equity
// returns. Zero for fewer than two points or zero variance.
func sharpeRatio(curve []types.EquityPoint) decimal.Decimal {
	returns := pointReturns(curve)
	if len(returns) < 2 {
		return decimal.Zero
	}

	m := mean(returns)
	sd := stdDev(returns, m)
	if sd == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(m / sd)
}

func maxDrawdown(curve []types.EquityPoint) decimal.Decimal {
	maxDD := decimal.Zero
	for _, p := range curve {
		if p.Drawdown.GreaterThan(maxDD) {
			maxDD = p.Drawdown
		}
	}
	return maxDD
}

// pointReturns is the pointwise percentage change along the equity curve,
// dropping the first point.
func pointReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret := curve[i].Equity.Sub(prev).Div(prev)
		returns = append(returns, ret.InexactFloat64())
	}
	return returns
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
