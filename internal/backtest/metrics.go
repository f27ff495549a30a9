package backtest

import (
	"math"

	"github.com/shopspring/decimal"
)

// tradingDaysPerYear is the annualization base for bar-to-bar returns.
const tradingDaysPerYear = 252

// Metrics computes performance statistics over closed trades and the equity
// curve of a finished run.
type Metrics struct {
	trades       []Trade
	curve        []EquityPoint
	riskFreeRate decimal.Decimal // annual, e.g. 0.05 for 5%
}

// NewMetrics creates a metrics calculator.
func NewMetrics(trades []Trade, curve []EquityPoint, riskFreeRate decimal.Decimal) *Metrics {
	return &Metrics{trades: trades, curve: curve, riskFreeRate: riskFreeRate}
}

// SharpeRatio returns the annualized Sharpe ratio of bar-to-bar returns.
func (m *Metrics) SharpeRatio() decimal.Decimal {
	returns := m.barReturns()
	if len(returns) < 2 {
		return decimal.Zero
	}
	stdDev := standardDeviation(returns)
	if stdDev.IsZero() {
		return decimal.Zero
	}
	return m.excessReturn(returns).Div(stdDev).Mul(annualizer())
}

// SortinoRatio is SharpeRatio with deviation taken over negative returns only.
func (m *Metrics) SortinoRatio() decimal.Decimal {
	returns := m.barReturns()
	if len(returns) < 2 {
		return decimal.Zero
	}
	downside := downsideDeviation(returns)
	if downside.IsZero() {
		return decimal.Zero
	}
	return m.excessReturn(returns).Div(downside).Mul(annualizer())
}

func (m *Metrics) excessReturn(returns []decimal.Decimal) decimal.Decimal {
	dailyRf := m.riskFreeRate.Div(decimal.NewFromInt(tradingDaysPerYear))
	return mean(returns).Sub(dailyRf)
}

func annualizer() decimal.Decimal {
	return decimal.NewFromFloat(math.Sqrt(tradingDaysPerYear))
}

// MaxDrawdown returns the deepest peak-to-trough drop as a ratio.
func (m *Metrics) MaxDrawdown() decimal.Decimal {
	if len(m.curve) == 0 {
		return decimal.Zero
	}
	hwm := m.curve[0].Equity
	maxDD := decimal.Zero
	for _, point := range m.curve {
		if point.Equity.GreaterThan(hwm) {
			hwm = point.Equity
		}
		if hwm.IsPositive() {
			dd := hwm.Sub(point.Equity).Div(hwm)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// CalmarRatio returns annualized return over max drawdown.
func (m *Metrics) CalmarRatio() decimal.Decimal {
	maxDD := m.MaxDrawdown()
	if maxDD.IsZero() {
		return decimal.Zero
	}
	return m.AnnualizedReturn().Div(maxDD)
}

// AnnualizedReturn compounds the total return over the curve's wall-clock
// span. Runs shorter than a few days report the raw total return.
func (m *Metrics) AnnualizedReturn() decimal.Decimal {
	if len(m.curve) < 2 {
		return decimal.Zero
	}
	first, last := m.curve[0], m.curve[len(m.curve)-1]
	if first.Equity.IsZero() {
		return decimal.Zero
	}
	totalReturn := last.Equity.Sub(first.Equity).Div(first.Equity)

	days := last.Timestamp.Sub(first.Timestamp).Hours() / 24
	years := days / 365
	if years < 0.01 {
		return totalReturn
	}
	annualized := math.Pow(1+totalReturn.InexactFloat64(), 1/years) - 1
	return decimal.NewFromFloat(annualized)
}

// WinRate returns the fraction of closed trades with positive net P&L.
func (m *Metrics) WinRate() decimal.Decimal {
	if len(m.trades) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, t := range m.trades {
		if t.NetPL.IsPositive() {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(m.trades))))
}

// ProfitFactor returns gross profit over gross loss.
func (m *Metrics) ProfitFactor() decimal.Decimal {
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range m.trades {
		if t.NetPL.IsPositive() {
			grossProfit = grossProfit.Add(t.NetPL)
		} else {
			grossLoss = grossLoss.Add(t.NetPL.Abs())
		}
	}
	if grossLoss.IsZero() {
		return decimal.Zero
	}
	return grossProfit.Div(grossLoss)
}

// AverageWin returns the mean P&L of winning trades.
func (m *Metrics) AverageWin() decimal.Decimal {
	return m.averageWhere(func(pl decimal.Decimal) bool { return pl.IsPositive() })
}

// AverageLoss returns the mean P&L of losing trades. The result is negative.
func (m *Metrics) AverageLoss() decimal.Decimal {
	return m.averageWhere(func(pl decimal.Decimal) bool { return pl.IsNegative() })
}

func (m *Metrics) averageWhere(keep func(decimal.Decimal) bool) decimal.Decimal {
	total, count := decimal.Zero, 0
	for _, t := range m.trades {
		if keep(t.NetPL) {
			total = total.Add(t.NetPL)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(count)))
}

// Expectancy returns the expected net P&L per trade:
// WinRate*AvgWin + (1-WinRate)*AvgLoss.
func (m *Metrics) Expectancy() decimal.Decimal {
	winRate := m.WinRate()
	one := decimal.NewFromInt(1)
	return winRate.Mul(m.AverageWin()).Add(one.Sub(winRate).Mul(m.AverageLoss()))
}

// barReturns computes bar-to-bar equity returns.
func (m *Metrics) barReturns() []decimal.Decimal {
	if len(m.curve) < 2 {
		return nil
	}
	returns := make([]decimal.Decimal, 0, len(m.curve)-1)
	for i := 1; i < len(m.curve); i++ {
		prev := m.curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		returns = append(returns, m.curve[i].Equity.Sub(prev).Div(prev))
	}
	return returns
}

func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// standardDeviation is the sample standard deviation (n-1 denominator).
func standardDeviation(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	avg := mean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(avg)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1))).InexactFloat64()
	if variance < 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// downsideDeviation is the sample deviation of sub-zero returns.
func downsideDeviation(returns []decimal.Decimal) decimal.Decimal {
	negative := make([]decimal.Decimal, 0, len(returns))
	for _, r := range returns {
		if r.IsNegative() {
			negative = append(negative, r)
		}
	}
	return standardDeviation(negative)
}
