package session

import (
	"sync"
	"time"
)

// DefaultSilenceWindow is how long a session may go without a final
// transcript before it stops itself.
const DefaultSilenceWindow = 5 * time.Minute

// Watchdog fires once after a window without final transcript activity.
// It is suspended while the host is not visible and re-armed with a full
// window when it becomes visible again.
type Watchdog struct {
	window   time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	running bool
	visible bool
}

// NewWatchdog creates a stopped, visible watchdog.
func NewWatchdog(window time.Duration, onExpire func()) *Watchdog {
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	return &Watchdog{window: window, onExpire: onExpire, visible: true}
}

// Start arms the timer.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.armLocked()
}

// Activity re-arms the timer. Call it for final transcripts only.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.armLocked()
	}
}

// SetVisible suspends or resumes the timer.
func (w *Watchdog) SetVisible(visible bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.visible = visible
	if !w.running {
		return
	}
	if visible {
		w.armLocked()
	} else {
		w.disarmLocked()
	}
}

// Stop disarms the watchdog for good.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.disarmLocked()
}

// Armed reports whether a timer is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Watchdog) armLocked() {
	w.disarmLocked()
	if !w.visible {
		return
	}
	gen := w.gen
	w.timer = time.AfterFunc(w.window, func() { w.fire(gen) })
}

func (w *Watchdog) disarmLocked() {
	// Bumping gen invalidates a callback that already started.
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if !w.running || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.timer = nil
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
}
