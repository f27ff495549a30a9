// Package types defines the typed event model shared across the replay core.
package types

import (
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags the variant carried by an Event. The built-in set is closed;
// user extensions carry their own tag and a schema-less payload map.
type EventType string

const (
	EventMarket  EventType = "MARKET"
	EventSignal  EventType = "SIGNAL"
	EventOrder   EventType = "ORDER"
	EventFill    EventType = "FILL"
	EventAccount EventType = "ACCOUNT"
	EventCustom  EventType = "CUSTOM"
)

// Wildcard is the handler registration key that receives every event.
const Wildcard EventType = "*"

// Direction of a signal, order, or fill. +1 is long/buy, -1 is short/sell.
type Direction int

const (
	DirectionBuy  Direction = 1
	DirectionSell Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "FLAT"
	}
}

// Valid reports whether the direction is one of the two legal values.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// OrderType represents the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP_LMT"
)

// MarketPayload carries a market data update. OHLCV fields are populated when
// the source provides them; Data holds the raw row for anything else.
type MarketPayload struct {
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Data   map[string]any
}

// SignalPayload carries a directional trade intent from a strategy.
type SignalPayload struct {
	Symbol    string
	Direction Direction
	Strength  decimal.Decimal // [0, 1]
}

// OrderPayload carries an order request. Quantity is always positive;
// Direction carries the sign.
type OrderPayload struct {
	OrderID    string
	Symbol     string
	OrderType  OrderType
	Quantity   int64
	Direction  Direction
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// FillPayload carries a completed execution of an order.
type FillPayload struct {
	OrderID    string
	Symbol     string
	Quantity   int64
	Direction  Direction
	FillPrice  decimal.Decimal
	Commission decimal.Decimal
}

// AccountPayload carries an account state update.
type AccountPayload struct {
	Balance   decimal.Decimal
	Available decimal.Decimal
	Margin    decimal.Decimal
}

// Event is a tagged variant. Exactly one payload pointer is set for the
// built-in tags; Custom holds the payload for user-defined tags. Events are
// immutable after construction; handlers must treat them as read-only.
type Event struct {
	Type      EventType
	Timestamp time.Time // logical event time from source data, not wall clock
	ID        string    // assigned once, by the engine on enqueue when empty
	Source    string    // replay controller that produced the event, if any

	Market  *MarketPayload
	Signal  *SignalPayload
	Order   *OrderPayload
	Fill    *FillPayload
	Account *AccountPayload
	Custom  map[string]any
}

// NewMarketEvent builds a Market event from OHLCV values.
func NewMarketEvent(ts time.Time, symbol string, open, high, low, close decimal.Decimal, volume int64) Event {
	return Event{
		Type:      EventMarket,
		Timestamp: ts,
		Market: &MarketPayload{
			Symbol: symbol,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: volume,
		},
	}
}

// NewMarketDataEvent builds a Market event around an opaque data row.
func NewMarketDataEvent(ts time.Time, symbol string, data map[string]any) Event {
	return Event{
		Type:      EventMarket,
		Timestamp: ts,
		Market:    &MarketPayload{Symbol: symbol, Data: data},
	}
}

// NewSignalEvent builds a Signal event. Direction must be +1 or -1 and
// strength must lie in [0, 1].
func NewSignalEvent(ts time.Time, symbol string, direction Direction, strength decimal.Decimal) (Event, error) {
	if !direction.Valid() {
		return Event{}, ErrInvalidDirection
	}
	if strength.IsNegative() || strength.GreaterThan(decimal.NewFromInt(1)) {
		return Event{}, ErrInvalidStrength
	}
	return Event{
		Type:      EventSignal,
		Timestamp: ts,
		Signal:    &SignalPayload{Symbol: symbol, Direction: direction, Strength: strength},
	}, nil
}

// NewOrderEvent builds an Order event. Quantity must be positive; the
// direction carries the sign separately.
func NewOrderEvent(ts time.Time, symbol string, orderType OrderType, quantity int64, direction Direction) (Event, error) {
	if quantity <= 0 {
		return Event{}, ErrInvalidQuantity
	}
	if !direction.Valid() {
		return Event{}, ErrInvalidDirection
	}
	return Event{
		Type:      EventOrder,
		Timestamp: ts,
		Order: &OrderPayload{
			Symbol:    symbol,
			OrderType: orderType,
			Quantity:  quantity,
			Direction: direction,
		},
	}, nil
}

// NewFillEvent builds a Fill event referencing a previously enqueued order.
func NewFillEvent(ts time.Time, symbol, orderID string, quantity int64, direction Direction, fillPrice, commission decimal.Decimal) (Event, error) {
	if quantity <= 0 {
		return Event{}, ErrInvalidQuantity
	}
	if !direction.Valid() {
		return Event{}, ErrInvalidDirection
	}
	if commission.IsNegative() {
		return Event{}, ErrInvalidCommission
	}
	return Event{
		Type:      EventFill,
		Timestamp: ts,
		Fill: &FillPayload{
			OrderID:    orderID,
			Symbol:     symbol,
			Quantity:   quantity,
			Direction:  direction,
			FillPrice:  fillPrice,
			Commission: commission,
		},
	}, nil
}

// NewAccountEvent builds an Account event.
func NewAccountEvent(ts time.Time, balance, available, margin decimal.Decimal) Event {
	return Event{
		Type:      EventAccount,
		Timestamp: ts,
		Account:   &AccountPayload{Balance: balance, Available: available, Margin: margin},
	}
}

// NewCustomEvent builds an event with a user-defined tag and payload map.
// An empty tag falls back to EventCustom.
func NewCustomEvent(tag EventType, ts time.Time, data map[string]any) Event {
	if tag == "" {
		tag = EventCustom
	}
	return Event{Type: tag, Timestamp: ts, Custom: data}
}

// WithSource returns a copy of the event stamped with a source tag.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// WithID returns a copy of the event with the given id. The engine uses this
// when assigning ids on enqueue.
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// Equal reports semantic equality: same variant and same field values.
func (e Event) Equal(other Event) bool {
	if e.Type != other.Type || !e.Timestamp.Equal(other.Timestamp) ||
		e.ID != other.ID || e.Source != other.Source {
		return false
	}
	switch {
	case e.Market != nil || other.Market != nil:
		if e.Market == nil || other.Market == nil {
			return false
		}
		a, b := e.Market, other.Market
		return a.Symbol == b.Symbol && a.Open.Equal(b.Open) && a.High.Equal(b.High) &&
			a.Low.Equal(b.Low) && a.Close.Equal(b.Close) && a.Volume == b.Volume &&
			reflect.DeepEqual(a.Data, b.Data)
	case e.Signal != nil || other.Signal != nil:
		if e.Signal == nil || other.Signal == nil {
			return false
		}
		a, b := e.Signal, other.Signal
		return a.Symbol == b.Symbol && a.Direction == b.Direction && a.Strength.Equal(b.Strength)
	case e.Order != nil || other.Order != nil:
		if e.Order == nil || other.Order == nil {
			return false
		}
		a, b := e.Order, other.Order
		return a.OrderID == b.OrderID && a.Symbol == b.Symbol && a.OrderType == b.OrderType &&
			a.Quantity == b.Quantity && a.Direction == b.Direction &&
			a.LimitPrice.Equal(b.LimitPrice) && a.StopPrice.Equal(b.StopPrice)
	case e.Fill != nil || other.Fill != nil:
		if e.Fill == nil || other.Fill == nil {
			return false
		}
		a, b := e.Fill, other.Fill
		return a.OrderID == b.OrderID && a.Symbol == b.Symbol && a.Quantity == b.Quantity &&
			a.Direction == b.Direction && a.FillPrice.Equal(b.FillPrice) &&
			a.Commission.Equal(b.Commission)
	case e.Account != nil || other.Account != nil:
		if e.Account == nil || other.Account == nil {
			return false
		}
		a, b := e.Account, other.Account
		return a.Balance.Equal(b.Balance) && a.Available.Equal(b.Available) && a.Margin.Equal(b.Margin)
	default:
		return maps.EqualFunc(e.Custom, other.Custom, func(a, b any) bool {
			return reflect.DeepEqual(a, b)
		})
	}
}

// Symbol returns the symbol carried by the payload, if any.
func (e Event) Symbol() string {
	switch {
	case e.Market != nil:
		return e.Market.Symbol
	case e.Signal != nil:
		return e.Signal.Symbol
	case e.Order != nil:
		return e.Order.Symbol
	case e.Fill != nil:
		return e.Fill.Symbol
	default:
		return ""
	}
}

// String is a diagnostic representation; it is not meant to be parsed.
func (e Event) String() string {
	ts := e.Timestamp.Format(time.RFC3339)
	switch {
	case e.Market != nil:
		return fmt.Sprintf("%s event (symbol=%s time=%s close=%s)", e.Type, e.Market.Symbol, ts, e.Market.Close)
	case e.Signal != nil:
		return fmt.Sprintf("%s event (symbol=%s time=%s direction=%s strength=%s)",
			e.Type, e.Signal.Symbol, ts, e.Signal.Direction, e.Signal.Strength)
	case e.Order != nil:
		return fmt.Sprintf("%s event (symbol=%s time=%s type=%s qty=%d direction=%s)",
			e.Type, e.Order.Symbol, ts, e.Order.OrderType, e.Order.Quantity, e.Order.Direction)
	case e.Fill != nil:
		return fmt.Sprintf("%s event (symbol=%s time=%s qty=%d price=%s)",
			e.Type, e.Fill.Symbol, ts, e.Fill.Quantity, e.Fill.FillPrice)
	default:
		return fmt.Sprintf("%s event (time=%s)", e.Type, ts)
	}
}
