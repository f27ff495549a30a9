package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/types"
)

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueCapacity = 64
	cfg.SendTimeout = 50 * time.Millisecond
	return NewManager(cfg, nil)
}

func marketEvent(t *testing.T, symbol string) types.Event {
	t.Helper()
	px := decimal.NewFromInt(100)
	return types.NewMarketEvent(testTime, symbol, px, px, px, px, 1000)
}

func signalEvent(t *testing.T, symbol string) types.Event {
	t.Helper()
	ev, err := types.NewSignalEvent(testTime, symbol, types.DirectionBuy, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("NewSignalEvent: %v", err)
	}
	return ev
}

// recorder collects handled events behind a lock.
type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) handler() Handler {
	return func(ev types.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) all() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_RegisterHandler(t *testing.T) {
	m := testManager(t)

	if err := m.RegisterHandler(types.EventMarket, nil); err != types.ErrNilHandler {
		t.Errorf("nil handler: err = %v, want ErrNilHandler", err)
	}

	rec := &eventRecorder{}
	h := rec.handler()
	if err := m.RegisterHandler(types.EventMarket, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same function twice is a no-op.
	if err := m.RegisterHandler(types.EventMarket, h); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	m.Start()
	defer m.Stop()
	m.SendEvent(marketEvent(t, "AAPL"))

	waitFor(t, func() bool { return rec.count() > 0 }, "event never dispatched")
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("handler ran %d times, want 1 (dedupe)", rec.count())
	}

	if !m.UnregisterHandler(types.EventMarket, h) {
		t.Error("unregister should find the handler")
	}
	if m.UnregisterHandler(types.EventMarket, h) {
		t.Error("second unregister should report false")
	}
}

func TestManager_WarmupAcceptsOnlyMarket(t *testing.T) {
	m := testManager(t)

	if !m.SendEvent(marketEvent(t, "AAPL")) {
		t.Error("market event should queue before start")
	}
	if m.SendEvent(signalEvent(t, "AAPL")) {
		t.Error("signal event should be refused before start")
	}
	if m.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", m.QueueLen())
	}

	// The warmed-up event is dispatched once the engine starts.
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.EventMarket, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.Start()
	defer m.Stop()
	waitFor(t, func() bool { return rec.count() == 1 }, "warmed-up event never dispatched")
}

func TestManager_WildcardHandler(t *testing.T) {
	m := testManager(t)

	all := &eventRecorder{}
	markets := &eventRecorder{}
	if err := m.RegisterHandler(types.Wildcard, all.handler()); err != nil {
		t.Fatalf("register wildcard: %v", err)
	}
	if err := m.RegisterHandler(types.EventMarket, markets.handler()); err != nil {
		t.Fatalf("register market: %v", err)
	}

	m.Start()
	defer m.Stop()
	m.SendEvent(marketEvent(t, "AAPL"))
	m.SendEvent(signalEvent(t, "AAPL"))

	waitFor(t, func() bool { return all.count() == 2 }, "wildcard missed events")
	if markets.count() != 1 {
		t.Errorf("market handler ran %d times, want 1", markets.count())
	}
}

func TestManager_PauseQueuesAndResumeDelivers(t *testing.T) {
	m := testManager(t)
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.EventMarket, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Start()
	defer m.Stop()
	if !m.Pause() {
		t.Fatal("Pause refused")
	}

	// Sends succeed while paused; nothing is dispatched.
	for i := 0; i < 5; i++ {
		if !m.SendEvent(marketEvent(t, "AAPL")) {
			t.Fatalf("send %d refused while paused", i)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("dispatched %d events while paused, want 0", rec.count())
	}
	if m.QueueLen() != 5 {
		t.Errorf("queue length = %d, want 5", m.QueueLen())
	}

	if !m.Resume() {
		t.Fatal("Resume refused")
	}
	waitFor(t, func() bool { return rec.count() == 5 }, "backlog never delivered")
}

func TestManager_SendTimeoutOnFullQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	cfg.SendTimeout = 30 * time.Millisecond
	m := NewManager(cfg, nil)

	m.Start()
	defer m.Stop()
	m.Pause()

	if !m.SendEvent(marketEvent(t, "A")) || !m.SendEvent(marketEvent(t, "B")) {
		t.Fatal("fills refused")
	}
	start := time.Now()
	if m.SendEvent(marketEvent(t, "C")) {
		t.Error("send on full queue should fail")
	}
	if elapsed := time.Since(start); elapsed < cfg.SendTimeout {
		t.Errorf("send returned after %s, want at least %s", elapsed, cfg.SendTimeout)
	}
}

func TestManager_StopLifecycle(t *testing.T) {
	m := testManager(t)

	if m.Stop() {
		t.Error("Stop before Start should report false")
	}
	if !m.Start() {
		t.Fatal("Start refused")
	}
	if m.Start() {
		t.Error("second Start should be refused")
	}
	if !m.Stop() {
		t.Error("Stop while running should succeed")
	}
	if m.Status() != types.StatusStopped {
		t.Errorf("status = %s, want STOPPED", m.Status())
	}

	// A stopped engine restarts with handlers intact.
	if !m.Start() {
		t.Error("restart from stopped should succeed")
	}
	m.Stop()
}

func TestManager_HandlerPanicIsolation(t *testing.T) {
	m := testManager(t)

	if err := m.RegisterHandler(types.EventMarket, func(types.Event) { panic("boom") }); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.EventMarket, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Start()
	defer m.Stop()
	m.SendEvent(marketEvent(t, "AAPL"))
	waitFor(t, func() bool { return rec.count() == 1 }, "healthy handler starved by panic")
}

// Ids are assigned once: the queue boundary stamps events that arrive
// without one, producer-assigned ids survive untouched.
func TestManager_AssignsEventIDs(t *testing.T) {
	m := testManager(t)
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.EventMarket, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Start()
	m.Pause()
	defer m.Stop()

	m.SendEvent(marketEvent(t, "AAPL"))
	m.SendEvent(marketEvent(t, "MSFT").WithID("producer-id"))
	m.Drain()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("handled %d events, want 2", len(events))
	}
	if events[0].ID == "" {
		t.Error("enqueued event has no id")
	}
	if events[1].ID != "producer-id" {
		t.Errorf("producer id = %q, want producer-id", events[1].ID)
	}
}

func TestManager_Reset(t *testing.T) {
	m := testManager(t)
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.EventMarket, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Start()
	m.Pause()
	m.SendEvent(marketEvent(t, "AAPL"))
	m.Drain()

	if m.Reset() {
		t.Error("Reset while paused should be refused")
	}
	m.Stop()
	m.SendEvent(marketEvent(t, "AAPL")) // refused, engine is terminal

	if !m.Reset() {
		t.Fatal("Reset from stopped refused")
	}
	if m.Status() != types.StatusInitialized {
		t.Errorf("status = %s, want INITIALIZED", m.Status())
	}
	if m.Processed() != 0 {
		t.Errorf("Processed after reset = %d, want 0", m.Processed())
	}
	if m.QueueLen() != 0 {
		t.Errorf("queue length after reset = %d, want 0", m.QueueLen())
	}

	// Handlers survive and the engine runs again.
	if !m.Start() {
		t.Fatal("Start after reset refused")
	}
	defer m.Stop()
	m.SendEvent(marketEvent(t, "AAPL"))
	waitFor(t, func() bool { return rec.count() == 2 }, "event after reset never dispatched")
}

func TestManager_DrainAndCounts(t *testing.T) {
	m := testManager(t)
	rec := &eventRecorder{}
	if err := m.RegisterHandler(types.Wildcard, rec.handler()); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Start then pause holds the dispatcher; Drain works the queue inline.
	m.Start()
	m.Pause()
	defer m.Stop()

	m.SendEvent(marketEvent(t, "AAPL"))
	m.SendEvent(marketEvent(t, "AAPL"))
	m.SendEvent(signalEvent(t, "AAPL"))

	if n := m.Drain(); n != 3 {
		t.Errorf("Drain = %d, want 3", n)
	}
	if rec.count() != 3 {
		t.Errorf("handled %d events, want 3", rec.count())
	}
	if m.Processed() != 3 {
		t.Errorf("Processed = %d, want 3", m.Processed())
	}

	counts := m.EventCounts()
	if counts[types.EventMarket] != 2 {
		t.Errorf("market count = %d, want 2", counts[types.EventMarket])
	}
	if counts[types.EventSignal] != 1 {
		t.Errorf("signal count = %d, want 1", counts[types.EventSignal])
	}
	if n := m.Drain(); n != 0 {
		t.Errorf("second Drain = %d, want 0", n)
	}
}
