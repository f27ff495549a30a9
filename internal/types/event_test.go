package types

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func marketEvent(t *testing.T) Event {
	t.Helper()
	return NewMarketEvent(testTime, "AAPL",
		decimal.NewFromInt(100),
		decimal.NewFromInt(105),
		decimal.NewFromInt(99),
		decimal.NewFromInt(103),
		50000,
	)
}

func TestNewMarketEvent(t *testing.T) {
	ev := marketEvent(t)

	if ev.Type != EventMarket {
		t.Errorf("Type = %s, want %s", ev.Type, EventMarket)
	}
	if ev.Market == nil {
		t.Fatal("expected market payload")
	}
	if ev.Market.Symbol != "AAPL" {
		t.Errorf("Symbol = %s, want AAPL", ev.Market.Symbol)
	}
	if !ev.Market.Close.Equal(decimal.NewFromInt(103)) {
		t.Errorf("Close = %s, want 103", ev.Market.Close)
	}
	if ev.Symbol() != "AAPL" {
		t.Errorf("Symbol() = %s, want AAPL", ev.Symbol())
	}
}

func TestNewSignalEvent_Validation(t *testing.T) {
	if _, err := NewSignalEvent(testTime, "AAPL", Direction(0), decimal.NewFromFloat(0.5)); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("direction 0: err = %v, want ErrInvalidDirection", err)
	}
	if _, err := NewSignalEvent(testTime, "AAPL", DirectionBuy, decimal.NewFromFloat(1.5)); !errors.Is(err, ErrInvalidStrength) {
		t.Errorf("strength 1.5: err = %v, want ErrInvalidStrength", err)
	}
	if _, err := NewSignalEvent(testTime, "AAPL", DirectionBuy, decimal.NewFromFloat(-0.1)); !errors.Is(err, ErrInvalidStrength) {
		t.Errorf("strength -0.1: err = %v, want ErrInvalidStrength", err)
	}

	ev, err := NewSignalEvent(testTime, "AAPL", DirectionSell, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("valid signal: %v", err)
	}
	if ev.Signal.Direction != DirectionSell {
		t.Errorf("Direction = %d, want %d", ev.Signal.Direction, DirectionSell)
	}
}

func TestNewOrderEvent_Validation(t *testing.T) {
	if _, err := NewOrderEvent(testTime, "AAPL", OrderTypeMarket, 0, DirectionBuy); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("qty 0: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := NewOrderEvent(testTime, "AAPL", OrderTypeMarket, -5, DirectionBuy); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("qty -5: err = %v, want ErrInvalidQuantity", err)
	}

	ev, err := NewOrderEvent(testTime, "AAPL", OrderTypeLimit, 100, DirectionBuy)
	if err != nil {
		t.Fatalf("valid order: %v", err)
	}
	if ev.Order.OrderType != OrderTypeLimit {
		t.Errorf("OrderType = %s, want %s", ev.Order.OrderType, OrderTypeLimit)
	}
}

func TestNewFillEvent_Validation(t *testing.T) {
	price := decimal.NewFromInt(100)
	if _, err := NewFillEvent(testTime, "AAPL", "o1", 10, DirectionBuy, price, decimal.NewFromInt(-1)); !errors.Is(err, ErrInvalidCommission) {
		t.Errorf("negative commission: err = %v, want ErrInvalidCommission", err)
	}

	ev, err := NewFillEvent(testTime, "AAPL", "o1", 10, DirectionBuy, price, decimal.Zero)
	if err != nil {
		t.Fatalf("valid fill: %v", err)
	}
	if ev.Fill.OrderID != "o1" {
		t.Errorf("OrderID = %s, want o1", ev.Fill.OrderID)
	}
}

func TestEvent_Equal(t *testing.T) {
	a := marketEvent(t)
	b := marketEvent(t)

	if !a.Equal(b) {
		t.Error("identical market events should be equal")
	}

	// Decimal values equal in value but not representation still match.
	c := b
	payload := *b.Market
	payload.Close = decimal.RequireFromString("103.000")
	c.Market = &payload
	if !a.Equal(c) {
		t.Error("events should compare decimals by value")
	}

	payload.Close = decimal.NewFromInt(104)
	c.Market = &payload
	if a.Equal(c) {
		t.Error("events with different close should differ")
	}

	sig, _ := NewSignalEvent(testTime, "AAPL", DirectionBuy, decimal.NewFromInt(1))
	if a.Equal(sig) {
		t.Error("events of different type should differ")
	}
}

func TestEvent_WithSource_Copies(t *testing.T) {
	a := marketEvent(t)
	b := a.WithSource("feed-1").WithID("id-1")

	if a.Source != "" || a.ID != "" {
		t.Error("WithSource/WithID must not mutate the receiver")
	}
	if b.Source != "feed-1" || b.ID != "id-1" {
		t.Errorf("got source=%s id=%s", b.Source, b.ID)
	}
}

func TestNewCustomEvent(t *testing.T) {
	ev := NewCustomEvent("NEWS", testTime, map[string]any{"headline": "earnings beat"})

	if ev.Type != EventType("NEWS") {
		t.Errorf("Type = %s, want NEWS", ev.Type)
	}
	if ev.Custom["headline"] != "earnings beat" {
		t.Error("custom payload lost")
	}

	other := NewCustomEvent("NEWS", testTime, map[string]any{"headline": "earnings beat"})
	if !ev.Equal(other) {
		t.Error("identical custom events should be equal")
	}
}

func TestEvent_String(t *testing.T) {
	ev := marketEvent(t)
	s := ev.String()
	if !strings.Contains(s, "AAPL") || !strings.Contains(s, string(EventMarket)) {
		t.Errorf("String() = %q, want symbol and type", s)
	}
}

func TestStatus_Transitions(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Error("Running is not terminal")
	}
	for _, st := range []Status{StatusStopped, StatusCompleted, StatusError} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	if !StatusPaused.Live() {
		t.Error("Paused should be live")
	}
}
