package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/types"
)

// lot is an open slice of a position, carrying its per-unit entry commission
// so closed trades can account for both legs.
type lot struct {
	direction types.Direction
	quantity  int64
	price     decimal.Decimal
	openedAt  time.Time
	unitComm  decimal.Decimal
}

// fifoMatcher turns fills into closed trades by matching opposite-direction
// fills against the oldest open lots first. Long and short lots never coexist
// for one symbol: an oversized closing fill flips the remainder into a new
// lot in the opposite direction.
type fifoMatcher struct {
	open   map[string][]lot
	closed []Trade
}

func newFIFOMatcher() *fifoMatcher {
	return &fifoMatcher{open: make(map[string][]lot)}
}

// OnFill consumes one executed fill.
func (f *fifoMatcher) OnFill(symbol string, dir types.Direction, qty int64, price, commission decimal.Decimal, at time.Time) {
	unitComm := decimal.Zero
	if qty > 0 {
		unitComm = commission.Div(decimal.NewFromInt(qty))
	}

	lots := f.open[symbol]
	remaining := qty

	for remaining > 0 && len(lots) > 0 && lots[0].direction != dir {
		head := &lots[0]
		matched := remaining
		if head.quantity < matched {
			matched = head.quantity
		}

		f.closed = append(f.closed, f.makeTrade(symbol, *head, matched, price, unitComm, at))

		head.quantity -= matched
		remaining -= matched
		if head.quantity == 0 {
			lots = lots[1:]
		}
	}

	if remaining > 0 {
		lots = append(lots, lot{
			direction: dir,
			quantity:  remaining,
			price:     price,
			openedAt:  at,
			unitComm:  unitComm,
		})
	}
	f.open[symbol] = lots
}

func (f *fifoMatcher) makeTrade(symbol string, entry lot, qty int64, exitPrice, exitUnitComm decimal.Decimal, exitAt time.Time) Trade {
	q := decimal.NewFromInt(qty)
	gross := exitPrice.Sub(entry.price).Mul(q)
	if entry.direction == types.DirectionSell {
		gross = gross.Neg()
	}
	commission := entry.unitComm.Add(exitUnitComm).Mul(q)

	return Trade{
		Symbol:     symbol,
		Direction:  entry.direction,
		Quantity:   qty,
		EntryTime:  entry.openedAt,
		ExitTime:   exitAt,
		EntryPrice: entry.price,
		ExitPrice:  exitPrice,
		Commission: commission,
		NetPL:      gross.Sub(commission),
	}
}

// Trades returns the closed trades in close order.
func (f *fifoMatcher) Trades() []Trade {
	return f.closed
}

// OpenQuantity returns the signed open quantity for a symbol.
func (f *fifoMatcher) OpenQuantity(symbol string) int64 {
	var total int64
	for _, l := range f.open[symbol] {
		total += int64(l.direction) * l.quantity
	}
	return total
}

// Reset discards all open lots and closed trades.
func (f *fifoMatcher) Reset() {
	f.open = make(map[string][]lot)
	f.closed = nil
}
