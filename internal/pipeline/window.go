package pipeline

import "sync"

// Window is a fixed-size rolling record of run successes feeding the
// windowed success-rate gauges and the trends artifact. Lifetime totals
// are tracked regardless of window size so trend gauges keep moving when
// the window itself is disabled.
type Window struct {
	mu      sync.Mutex
	buf     []bool
	next    int
	count   int
	total   int
	lifeOK  int
}

// NewWindow sizes the buffer. Size 0 disables the windowed gauges while
// still counting lifetime totals; negative sizes are treated as 0.
func NewWindow(size int) *Window {
	if size < 0 {
		size = 0
	}
	w := &Window{}
	if size > 0 {
		w.buf = make([]bool, size)
	}
	return w
}

// Enabled reports whether windowed rates are being tracked.
func (w *Window) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf) > 0
}

// Record appends one run outcome, evicting the oldest when full.
func (w *Window) Record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total++
	if success {
		w.lifeOK++
	}
	if len(w.buf) == 0 {
		return
	}
	w.buf[w.next] = success
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// SuccessRate is the fraction of successes currently in the window, 0 when
// empty or disabled.
func (w *Window) SuccessRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < w.count; i++ {
		if w.buf[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.count)
}

// LifetimeRate is the fraction of successes over every recorded run.
func (w *Window) LifetimeRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total == 0 {
		return 0
	}
	return float64(w.lifeOK) / float64(w.total)
}

// Size is the number of samples currently held.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Total is the number of runs recorded since start, beyond the window.
func (w *Window) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
