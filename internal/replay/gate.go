package replay

import (
	"sync"
	"time"
)

// gate is a binary signal workers wait on. It is open while the owner is
// Running and closed while Paused. Waits always time out so stop signals are
// polled even when the gate stays closed.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		close(g.ch)
	}
	return g
}

// set opens the gate, releasing all waiters.
func (g *gate) set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// clear closes the gate; subsequent waits block until set.
func (g *gate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// wait blocks until the gate is open or the timeout elapses. It returns true
// iff the gate was open.
func (g *gate) wait(timeout time.Duration) bool {
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
