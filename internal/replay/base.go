package replay

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tathienbao/replay-engine/internal/metrics"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Config holds replay controller configuration.
type Config struct {
	Mode            Mode
	SpeedFactor     float64 // used in ModeAccelerated; must be > 0
	MemoryOptimized bool    // pull rows from the source lazily instead of materializing
	BatchCallbacks  bool    // drain callbacks from a dedicated worker
	BatchQueueSize  int
	TimestampColumn string  // overrides the source's timestamp index
	MaxRowsPerSec   float64 // optional emission cap; 0 means unlimited
	Logger          *slog.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeBacktest,
		SpeedFactor:    1.0,
		BatchQueueSize: 256,
	}
}

const (
	gateWaitTimeout = 100 * time.Millisecond
	joinTimeout     = 2 * time.Second
	batchDrainGrace = 500 * time.Millisecond
)

type callbackEntry struct {
	id int
	fn Callback
}

// next advances the cursor and returns the data point, its timestamp (if
// known) and whether a row was available. Implementations are called with the
// controller lock held and must keep the critical section to cursor state.
type nextFunc func() (dp DataPoint, ts time.Time, hasTS bool, ok bool)

// rewindFunc rebuilds the iterators from the underlying source(s).
type rewindFunc func()

// base carries the state machine, worker, pacing and callback machinery
// shared by the single-source and multi-source controllers.
type base struct {
	name     string
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	next   nextFunc
	rewind rewindFunc

	mu       sync.Mutex
	status   types.Status
	mode     Mode
	speed    float64
	lastTS   time.Time
	hasLast  bool
	emitted  int64
	position int

	callbacks []callbackEntry
	nextCBID  int
	cbErrs    map[int]int

	gate       *gate
	stopCh     chan struct{}
	workerDone chan struct{}
	limiter    *rate.Limiter

	batchCh   chan DataPoint
	batchStop chan struct{}
	batchDone chan struct{}
}

// init populates an embedded base in place. The receiver must be part of its
// final allocation already; base carries a mutex and is never copied after
// this point.
func (b *base) init(name string, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpeedFactor <= 0 {
		cfg.SpeedFactor = 1.0
	}
	if cfg.BatchQueueSize <= 0 {
		cfg.BatchQueueSize = DefaultConfig().BatchQueueSize
	}
	b.name = name
	b.cfg = cfg
	b.logger = logger.With("controller", name)
	b.recorder = metrics.NewRecorder()
	b.status = types.StatusInitialized
	b.mode = cfg.Mode
	b.speed = cfg.SpeedFactor
	b.cbErrs = make(map[int]int)
	b.gate = newGate(false)
	if cfg.MaxRowsPerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRowsPerSec), 1)
	}
}

// Name returns the controller name used as the emitted source tag.
func (b *base) Name() string { return b.name }

// Status returns the current lifecycle state.
func (b *base) Status() types.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Position returns the number of rows consumed so far.
func (b *base) Position() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Start transitions to Running and, in worker modes, launches the replay
// worker. It refuses terminal states; Reset is the only path back from them.
func (b *base) Start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case types.StatusRunning:
		b.logger.Warn("replay already running")
		return false
	case types.StatusCompleted, types.StatusError, types.StatusStopped:
		b.logger.Warn("replay is terminal, reset before starting", "status", b.status.String())
		return false
	}

	b.status = types.StatusRunning
	b.gate.set()

	if b.cfg.BatchCallbacks && b.batchDone == nil {
		b.startBatchLocked()
	}
	if b.mode.worker() && !b.workerAliveLocked() {
		b.stopCh = make(chan struct{})
		b.workerDone = make(chan struct{})
		go b.run(b.stopCh, b.workerDone)
	}

	b.logger.Info("replay started", "mode", b.mode.String(), "speed", b.speed)
	return true
}

// Pause transitions Running -> Paused and closes the go signal.
func (b *base) Pause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != types.StatusRunning {
		b.logger.Warn("cannot pause", "status", b.status.String())
		return false
	}
	b.status = types.StatusPaused
	b.gate.clear()
	b.logger.Info("replay paused")
	return true
}

// Resume transitions Paused -> Running.
func (b *base) Resume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != types.StatusPaused {
		b.logger.Warn("cannot resume", "status", b.status.String())
		return false
	}
	b.status = types.StatusRunning
	b.gate.set()
	b.logger.Info("replay resumed")
	return true
}

// Stop moves any live state to Stopped and joins the worker with a bounded
// timeout. It returns false when the controller is already terminal.
func (b *base) Stop() bool {
	b.mu.Lock()
	if b.status.Terminal() {
		b.logger.Warn("replay already terminal", "status", b.status.String())
		b.mu.Unlock()
		return false
	}
	b.status = types.StatusStopped
	b.gate.set()
	stopCh, done := b.stopCh, b.workerDone
	b.stopCh, b.workerDone = nil, nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(joinTimeout):
			b.logger.Error("replay worker did not stop within timeout")
			b.mu.Lock()
			b.status = types.StatusError
			b.mu.Unlock()
		}
	}
	b.stopBatch()
	b.logger.Info("replay stopped")
	return true
}

// Step advances exactly one data point on the caller's goroutine, invoking
// callbacks, and returns it. A fresh controller is auto-started. In Stepped
// mode the controller parks in Paused after each point.
func (b *base) Step() (DataPoint, bool) {
	return b.step(false)
}

// StepSync is Step with callbacks guaranteed to run on the caller's
// goroutine, bypassing the batch callback worker.
func (b *base) StepSync() (DataPoint, bool) {
	return b.step(true)
}

func (b *base) step(sync bool) (DataPoint, bool) {
	b.mu.Lock()
	switch b.status {
	case types.StatusInitialized:
		b.status = types.StatusRunning
	case types.StatusRunning, types.StatusPaused:
	default:
		b.logger.Warn("cannot step", "status", b.status.String())
		b.mu.Unlock()
		return nil, false
	}

	dp, ts, hasTS, ok := b.next()
	if !ok {
		b.status = types.StatusCompleted
		b.mu.Unlock()
		b.logger.Info("replay completed")
		return nil, false
	}
	if hasTS {
		b.lastTS, b.hasLast = ts, true
	}
	b.emitted++
	stepped := b.mode == ModeStepped
	b.mu.Unlock()

	if sync {
		b.invokeCallbacks(dp)
	} else {
		b.emit(dp, nil)
	}

	if stepped {
		b.mu.Lock()
		if b.status == types.StatusRunning {
			b.status = types.StatusPaused
			b.gate.clear()
		}
		b.mu.Unlock()
	}
	return dp, true
}

// ProcessAllSync iterates to the end on the caller's goroutine, invoking
// every callback in order, and returns the full emitted sequence.
func (b *base) ProcessAllSync() []DataPoint {
	b.mu.Lock()
	if b.workerAliveLocked() {
		b.logger.Warn("cannot process synchronously while worker is active")
		b.mu.Unlock()
		return nil
	}
	if b.status.Terminal() {
		b.logger.Warn("cannot process, controller is terminal", "status", b.status.String())
		b.mu.Unlock()
		return nil
	}
	b.status = types.StatusRunning

	var out []DataPoint
	for {
		dp, ts, hasTS, ok := b.next()
		if !ok {
			break
		}
		if hasTS {
			b.lastTS, b.hasLast = ts, true
		}
		b.emitted++
		b.mu.Unlock()
		b.invokeCallbacks(dp)
		out = append(out, dp)
		b.mu.Lock()
	}
	b.status = types.StatusCompleted
	b.mu.Unlock()
	b.logger.Info("replay completed", "rows", len(out))
	if out == nil {
		out = []DataPoint{}
	}
	return out
}

// SetMode updates the pacing policy. Rejected while Running.
func (b *base) SetMode(m Mode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == types.StatusRunning {
		b.logger.Warn("cannot change mode while running")
		return false
	}
	b.mode = m
	b.logger.Info("replay mode set", "mode", m.String())
	return true
}

// SetSpeed updates the acceleration factor. Factors <= 0 are rejected.
func (b *base) SetSpeed(factor float64) bool {
	if factor <= 0 {
		b.logger.Warn("speed factor must be positive", "factor", factor)
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = factor
	b.logger.Info("replay speed set", "factor", factor)
	return true
}

// Mode returns the current pacing policy.
func (b *base) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Reset rewinds the cursor and restores Initialized. Rejected while Running;
// registered callback ids stay valid across resets.
func (b *base) Reset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == types.StatusRunning && b.workerAliveLocked() {
		b.logger.Warn("cannot reset while running, stop first")
		return false
	}
	if b.status == types.StatusRunning {
		// Running without a worker only happens mid ProcessAllSync, which
		// holds the lock, so this state is unreachable here; refuse anyway.
		b.logger.Warn("cannot reset while running, stop first")
		return false
	}
	b.rewind()
	b.position = 0
	b.emitted = 0
	b.lastTS = time.Time{}
	b.hasLast = false
	b.cbErrs = make(map[int]int)
	b.status = types.StatusInitialized
	b.gate.clear()
	b.logger.Info("replay reset")
	return true
}

// RegisterCallback adds a callback and returns its id. Callbacks run in
// registration order.
func (b *base) RegisterCallback(fn Callback) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextCBID
	b.nextCBID++
	b.callbacks = append(b.callbacks, callbackEntry{id: id, fn: fn})
	return id
}

// UnregisterCallback removes a callback; it reports whether it was present.
func (b *base) UnregisterCallback(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.callbacks {
		if entry.id == id {
			b.callbacks = append(b.callbacks[:i], b.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// CallbackErrors returns the number of panics recovered for a callback id.
func (b *base) CallbackErrors(id int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cbErrs[id]
}

func (b *base) workerAliveLocked() bool {
	if b.workerDone == nil {
		return false
	}
	select {
	case <-b.workerDone:
		return false
	default:
		return true
	}
}

// run is the replay worker. The lock is held only to advance the cursor;
// pacing sleeps and callback invocations happen outside it.
func (b *base) run(stopCh, done chan struct{}) {
	defer close(done)

	for {
		if !b.gate.wait(gateWaitTimeout) {
			select {
			case <-stopCh:
				return
			default:
			}
			continue
		}

		b.mu.Lock()
		if b.status != types.StatusRunning {
			b.mu.Unlock()
			return
		}
		dp, ts, hasTS, ok := b.next()
		if !ok {
			b.status = types.StatusCompleted
			b.mu.Unlock()
			b.logger.Info("replay completed")
			b.stopBatch()
			return
		}
		delay := b.pacingDelayLocked(ts, hasTS)
		if hasTS {
			b.lastTS, b.hasLast = ts, true
		}
		b.emitted++
		mode := b.mode
		b.mu.Unlock()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-stopCh:
				timer.Stop()
				return
			}
		}
		if b.limiter != nil {
			res := b.limiter.Reserve()
			if wait := res.Delay(); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-stopCh:
					timer.Stop()
					res.Cancel()
					return
				}
			}
		}

		b.emit(dp, stopCh)
		b.recorder.RecordRowEmitted(b.name)

		if mode == ModeStepped {
			b.mu.Lock()
			if b.status == types.StatusRunning {
				b.status = types.StatusPaused
				b.gate.clear()
			}
			b.mu.Unlock()
		}
	}
}

// pacingDelayLocked computes the sleep before emitting the row carrying ts.
// Missing or non-monotonic timestamps yield zero delay.
func (b *base) pacingDelayLocked(ts time.Time, hasTS bool) time.Duration {
	if b.mode != ModeRealtime && b.mode != ModeAccelerated {
		return 0
	}
	if !hasTS || !b.hasLast {
		return 0
	}
	d := ts.Sub(b.lastTS)
	if d <= 0 {
		return 0
	}
	if b.mode == ModeAccelerated {
		d = time.Duration(float64(d) / b.speed)
	}
	return d
}

// emit routes a data point either directly to the callbacks or onto the
// batch queue when batch dispatch is enabled.
func (b *base) emit(dp DataPoint, stopCh chan struct{}) {
	b.mu.Lock()
	batchCh := b.batchCh
	b.mu.Unlock()

	if batchCh == nil {
		b.invokeCallbacks(dp)
		return
	}
	if stopCh == nil {
		batchCh <- dp
		return
	}
	select {
	case batchCh <- dp:
	case <-stopCh:
	}
}

// invokeCallbacks runs every registered callback with the point, in
// registration order. A panicking callback is logged and counted; the
// remaining callbacks still run.
func (b *base) invokeCallbacks(dp DataPoint) {
	b.mu.Lock()
	snapshot := make([]callbackEntry, len(b.callbacks))
	copy(snapshot, b.callbacks)
	b.mu.Unlock()

	for _, entry := range snapshot {
		b.invokeOne(entry, dp)
	}
}

func (b *base) invokeOne(entry callbackEntry, dp DataPoint) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.cbErrs[entry.id]++
			count := b.cbErrs[entry.id]
			b.mu.Unlock()
			b.recorder.RecordCallbackError(b.name)
			b.logger.Error("replay callback panicked",
				"callback_id", entry.id,
				"panics", count,
				"err", r,
			)
		}
	}()
	entry.fn(dp)
}

func (b *base) startBatchLocked() {
	b.batchCh = make(chan DataPoint, b.cfg.BatchQueueSize)
	b.batchStop = make(chan struct{})
	b.batchDone = make(chan struct{})
	go b.batchWorker(b.batchCh, b.batchStop, b.batchDone)
}

// stopBatch asks the batch worker to drain remaining points and exit,
// bounded by a short grace period.
func (b *base) stopBatch() {
	b.mu.Lock()
	stop, done := b.batchStop, b.batchDone
	b.batchCh, b.batchStop, b.batchDone = nil, nil, nil
	b.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(batchDrainGrace + time.Second):
		b.logger.Warn("batch callback worker did not drain within grace period")
	}
}

func (b *base) batchWorker(ch chan DataPoint, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case dp := <-ch:
			b.invokeCallbacks(dp)
		case <-stop:
			deadline := time.NewTimer(batchDrainGrace)
			defer deadline.Stop()
			for {
				select {
				case dp := <-ch:
					b.invokeCallbacks(dp)
				case <-deadline.C:
					return
				default:
					return
				}
			}
		}
	}
}
