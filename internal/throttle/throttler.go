// Package throttle bounds the rate at which tick updates reach consumers.
//
// The throttler is a trailing-edge rate limiter, not a debounce: the first
// tick after a quiet period opens a fixed window, and when the window closes
// every symbol that ticked inside it is flushed downstream exactly once,
// carrying that symbol's most recent value. Intermediate ticks for the same
// symbol are conflated away; no tick information other than superseded values
// is lost.
package throttle

import (
	"sync"
	"time"

	"pricefeed/pkg/ticker"
)

// DefaultInterval is the throttle window used when no interval is configured.
const DefaultInterval = 250 * time.Millisecond

// Throttler conflates a high-frequency tick stream into at most one downstream
// emission per symbol per interval.
type Throttler struct {
	interval time.Duration
	out      func(ticker.Tick)

	mu      sync.Mutex
	pending map[string]ticker.Tick
	order   []string // first-arrival order, preserved on flush
	timer   *time.Timer
	stopped bool
}

// New creates a throttler emitting into out. The out callback runs on the
// timer goroutine and is serialized with Push and Stop.
func New(interval time.Duration, out func(ticker.Tick)) *Throttler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttler{
		interval: interval,
		out:      out,
		pending:  make(map[string]ticker.Tick),
	}
}

// Push records a tick for the current window, opening a new window if none is
// pending. Later ticks for the same symbol within the window replace earlier
// ones.
func (t *Throttler) Push(tick ticker.Tick) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if _, seen := t.pending[tick.Symbol]; !seen {
		t.order = append(t.order, tick.Symbol)
	}
	t.pending[tick.Symbol] = tick

	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.flush)
	}
}

// flush emits the latest tick per symbol in first-arrival order and closes
// the window. It holds the lock while emitting so that Stop cannot return
// while a flush is still mutating downstream state.
func (t *Throttler) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	for _, sym := range t.order {
		t.out(t.pending[sym])
	}
	t.pending = make(map[string]ticker.Tick)
	t.order = nil
	t.timer = nil
}

// Stop cancels any pending window and drops its ticks. After Stop returns no
// further emission occurs. Safe to call multiple times.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	t.order = nil
}
