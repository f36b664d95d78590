package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Watchdog bounds how long an outbound call may ring. Each Arm starts a new
// generation; a firing from an older generation is dropped, so a timeout is
// delivered at most once per arming.
type Watchdog struct {
	clock   clock.Clock
	timeout time.Duration
	fire    func(gen uint64)

	mu    sync.Mutex
	gen   uint64
	timer *clock.Timer
}

// NewWatchdog creates a stopped watchdog that calls fire on expiry.
func NewWatchdog(clk clock.Clock, timeout time.Duration, fire func(gen uint64)) *Watchdog {
	return &Watchdog{clock: clk, timeout: timeout, fire: fire}
}

// Arm stops any running timer and starts a fresh one. It returns the
// generation the firing will carry.
func (w *Watchdog) Arm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		current := w.gen == gen && w.timer != nil
		if current {
			w.timer = nil
		}
		w.mu.Unlock()
		if current {
			w.fire(gen)
		}
	})
	return gen
}

// Stop cancels the running timer, if any.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Armed reports whether a timer is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}
