package loop

import "time"

// RateWindow is the span over which cycles are counted before the rate is
// published.
const RateWindow = time.Second

// rateMeter counts cycles in fixed wall-clock windows. The published rate is
// the number of cycles that fell in the last complete window.
type rateMeter struct {
	count       int
	windowStart time.Time
	rate        int
}

// reset starts a new empty window at now and clears the published rate.
func (m *rateMeter) reset(now time.Time) {
	m.count = 0
	m.windowStart = now
	m.rate = 0
}

// tick records a cycle that finished at now. When the window has elapsed the
// cycles in [windowStart, now) become the rate and the window restarts at now,
// with this cycle as its first.
func (m *rateMeter) tick(now time.Time) {
	if now.Sub(m.windowStart) >= RateWindow {
		m.rate = m.count
		m.count = 0
		m.windowStart = now
	}
	m.count++
}
