// Package engine provides the typed event engine and the replay coordination
// layer on top of it. Events are queued on a bounded channel and dispatched by
// a single worker, so handlers for one event never run concurrently with
// handlers for the next.
package engine

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tathienbao/replay-engine/internal/metrics"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Handler processes one event. Handlers run on the dispatcher goroutine.
type Handler func(types.Event)

// Config holds event engine configuration.
type Config struct {
	QueueCapacity int
	SendTimeout   time.Duration // how long SendEvent waits on a full queue
	DispatchBatch int           // max events drained per dispatcher pass
	Logger        *slog.Logger
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 10000,
		SendTimeout:   time.Second,
		DispatchBatch: 16,
	}
}

const (
	pollInterval    = 500 * time.Millisecond
	gateWait        = 100 * time.Millisecond
	dispatcherJoin  = 2 * time.Second
	// sentinelType wakes the dispatcher during shutdown; it is never handled.
	sentinelType types.EventType = "__engine_stop__"
)

type handlerEntry struct {
	ptr uintptr
	fn  Handler
}

// Manager is the typed event engine. It accepts events while Running or
// Paused (delivery resumes on Resume) and, before the first Start, accepts
// market events so feeds can warm the queue up.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	queue chan types.Event

	mu       sync.Mutex
	status   types.Status
	handlers map[types.EventType][]handlerEntry
	counts   map[types.EventType]int64
	total    int64

	gate       *dispatchGate
	stopCh     chan struct{}
	workerDone chan struct{}
}

// NewManager creates an event engine with the given configuration.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = def.DispatchBatch
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		queue:    make(chan types.Event, cfg.QueueCapacity),
		status:   types.StatusInitialized,
		handlers: make(map[types.EventType][]handlerEntry),
		counts:   make(map[types.EventType]int64),
		gate:     newDispatchGate(),
	}
}

// Status returns the current lifecycle state.
func (m *Manager) Status() types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start launches the dispatcher. It refuses terminal states other than
// Stopped; a stopped engine restarts with its queue and handlers intact.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case types.StatusRunning:
		m.logger.Warn("event engine already running")
		return false
	case types.StatusCompleted, types.StatusError:
		m.logger.Warn("event engine is terminal", "status", m.status.String())
		return false
	case types.StatusPaused:
		// Start while paused behaves as resume.
		m.status = types.StatusRunning
		m.gate.open()
		m.logger.Info("event engine resumed via start")
		return true
	}

	m.status = types.StatusRunning
	m.gate.open()
	m.stopCh = make(chan struct{})
	m.workerDone = make(chan struct{})
	go m.dispatch(m.stopCh, m.workerDone)

	m.logger.Info("event engine started", "queue_capacity", m.cfg.QueueCapacity)
	return true
}

// Pause suspends dispatch. Events continue to queue.
func (m *Manager) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != types.StatusRunning {
		m.logger.Warn("cannot pause event engine", "status", m.status.String())
		return false
	}
	m.status = types.StatusPaused
	m.gate.close()
	m.logger.Info("event engine paused")
	return true
}

// Resume restarts dispatch of the queued backlog.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != types.StatusPaused {
		m.logger.Warn("cannot resume event engine", "status", m.status.String())
		return false
	}
	m.status = types.StatusRunning
	m.gate.open()
	m.logger.Info("event engine resumed")
	return true
}

// Stop halts the dispatcher and joins it with a bounded timeout. Queued
// events that were not yet dispatched stay in the queue.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	if m.status != types.StatusRunning && m.status != types.StatusPaused {
		m.logger.Warn("cannot stop event engine", "status", m.status.String())
		m.mu.Unlock()
		return false
	}
	m.status = types.StatusStopped
	m.gate.open()
	stopCh, done := m.stopCh, m.workerDone
	m.stopCh, m.workerDone = nil, nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	// Wake the dispatcher if it is blocked on an empty queue.
	select {
	case m.queue <- types.Event{Type: sentinelType}:
	default:
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(dispatcherJoin):
			m.logger.Error("event dispatcher did not stop within timeout")
			m.mu.Lock()
			m.status = types.StatusError
			m.mu.Unlock()
			return true
		}
	}
	m.logger.Info("event engine stopped", "processed", m.Processed())
	return true
}

// Reset returns a terminal engine to Initialized. The queue and dispatch
// counters are cleared; registered handlers survive.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Terminal() {
		m.logger.Warn("cannot reset event engine", "status", m.status.String())
		return false
	}
	for {
		select {
		case <-m.queue:
		default:
			m.counts = make(map[types.EventType]int64)
			m.total = 0
			m.status = types.StatusInitialized
			m.gate.close()
			m.recorder.RecordQueueDepth(0)
			m.logger.Info("event engine reset")
			return true
		}
	}
}

// RegisterHandler subscribes fn to an event type. types.Wildcard subscribes
// to every type. Registering the same function twice for a type is a no-op.
func (m *Manager) RegisterHandler(et types.EventType, fn Handler) error {
	if fn == nil {
		return types.ErrNilHandler
	}
	ptr := reflect.ValueOf(fn).Pointer()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.handlers[et] {
		if entry.ptr == ptr {
			return nil
		}
	}
	m.handlers[et] = append(m.handlers[et], handlerEntry{ptr: ptr, fn: fn})
	return nil
}

// UnregisterHandler removes fn from an event type. It reports whether the
// handler was registered.
func (m *Manager) UnregisterHandler(et types.EventType, fn Handler) bool {
	if fn == nil {
		return false
	}
	ptr := reflect.ValueOf(fn).Pointer()

	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[et]
	for i, entry := range entries {
		if entry.ptr == ptr {
			m.handlers[et] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// SendEvent queues an event for dispatch. It reports false when the engine
// cannot accept the event: terminal state, pre-start non-market event, or a
// queue that stays full past the send timeout. Events queue while Paused.
func (m *Manager) SendEvent(ev types.Event) bool {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	switch status {
	case types.StatusRunning, types.StatusPaused:
	case types.StatusInitialized:
		// Warm-up: only market data may queue before the engine starts.
		if ev.Type != types.EventMarket {
			m.logger.Warn("event refused before start", "type", string(ev.Type))
			m.recorder.RecordEventRejected("not_started")
			return false
		}
	default:
		m.recorder.RecordEventRejected("terminal")
		return false
	}

	// Ids are assigned exactly once: producers that already stamped one keep
	// it, everything else gets one at the queue boundary.
	if ev.ID == "" {
		ev = ev.WithID(uuid.NewString())
	}

	select {
	case m.queue <- ev:
		m.recorder.RecordQueueDepth(len(m.queue))
		return true
	default:
	}

	timer := time.NewTimer(m.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case m.queue <- ev:
		m.recorder.RecordQueueDepth(len(m.queue))
		return true
	case <-timer.C:
		m.logger.Warn("event queue full", "type", string(ev.Type), "capacity", m.cfg.QueueCapacity)
		m.recorder.RecordEventRejected("queue_full")
		return false
	}
}

// QueueLen returns the number of events waiting for dispatch.
func (m *Manager) QueueLen() int { return len(m.queue) }

// Processed returns the total number of dispatched events.
func (m *Manager) Processed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// EventCounts returns per-type dispatch counts.
func (m *Manager) EventCounts() map[types.EventType]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.EventType]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// Drain dispatches every queued event on the caller's goroutine and returns
// how many it handled. It is the synchronous alternative to Start for batch
// runs; do not mix it with a live dispatcher.
func (m *Manager) Drain() int {
	n := 0
	for {
		select {
		case ev := <-m.queue:
			if ev.Type == sentinelType {
				continue
			}
			m.handle(ev)
			n++
		default:
			m.recorder.RecordQueueDepth(len(m.queue))
			return n
		}
	}
}

// dispatch is the engine worker. Each pass drains up to DispatchBatch events
// so a burst is handled without re-entering the select per event.
func (m *Manager) dispatch(stopCh, done chan struct{}) {
	defer close(done)

	for {
		if !m.gate.wait(gateWait) {
			select {
			case <-stopCh:
				return
			default:
			}
			continue
		}

		var first types.Event
		timer := time.NewTimer(pollInterval)
		select {
		case first = <-m.queue:
			timer.Stop()
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			continue
		}

		batch := make([]types.Event, 0, m.cfg.DispatchBatch)
		batch = append(batch, first)
		for len(batch) < m.cfg.DispatchBatch {
			select {
			case ev := <-m.queue:
				batch = append(batch, ev)
			default:
				goto deliver
			}
		}
	deliver:
		for _, ev := range batch {
			if ev.Type == sentinelType {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
			}
			m.handle(ev)
		}
		m.recorder.RecordQueueDepth(len(m.queue))
	}
}

// handle runs the type handlers then the wildcard handlers for one event.
func (m *Manager) handle(ev types.Event) {
	m.mu.Lock()
	entries := make([]handlerEntry, 0, len(m.handlers[ev.Type])+len(m.handlers[types.Wildcard]))
	entries = append(entries, m.handlers[ev.Type]...)
	entries = append(entries, m.handlers[types.Wildcard]...)
	m.counts[ev.Type]++
	m.total++
	m.mu.Unlock()

	timer := metrics.NewTimer()
	for _, entry := range entries {
		m.invoke(entry, ev)
	}
	timer.ObserveDispatch()
	m.recorder.RecordEventProcessed(string(ev.Type))
}

func (m *Manager) invoke(entry handlerEntry, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.recorder.RecordHandlerError(string(ev.Type))
			m.logger.Error("event handler panicked",
				"type", string(ev.Type),
				"event_id", ev.ID,
				"err", r,
			)
		}
	}()
	entry.fn(ev)
}

// dispatchGate mirrors the replay gate: open while dispatch should proceed.
type dispatchGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newDispatchGate() *dispatchGate {
	return &dispatchGate{ch: make(chan struct{})}
}

func (g *dispatchGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *dispatchGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *dispatchGate) wait(timeout time.Duration) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
