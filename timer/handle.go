package timer

import "sync/atomic"

// Handle is the caller's capability over one scheduled event.
type Handle struct {
	canceled atomic.Bool
	stop     func() bool // disarms the clock timer; nil once unused
	onStop   func()
}

// Cancel prevents the event's message from being delivered if its fire
// decision has not been taken yet. It never fails and calling it more than
// once, or after the event fired, has no further effect. A nil Handle is
// a valid no-op.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	if h.canceled.Swap(true) {
		return
	}
	// Disarming is an optimisation only: the fire decision reads the token
	// regardless.
	if h.stop != nil && h.stop() && h.onStop != nil {
		h.onStop()
	}
}

// Canceled reports whether Cancel has been called.
func (h *Handle) Canceled() bool {
	if h == nil {
		return false
	}
	return h.canceled.Load()
}
