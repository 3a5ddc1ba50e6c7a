// Package timer provides the non-blocking interval primitive the
// scheduler and publisher are built on: "has this much time elapsed
// since I last fired?" asked from a tight loop, never sleeping.
package timer

import "time"

var bootTime = time.Now()

// Millis is the process-wide monotonic millisecond counter. It wraps
// about every 49 days; callers must compare with unsigned subtraction.
func Millis() uint32 {
	return uint32(time.Since(bootTime).Milliseconds())
}

// Interval fires at most once per interval. The zero source is the
// process counter; tests inject their own.
type Interval struct {
	now   func() uint32
	last  uint32
	armed bool
}

func New() *Interval {
	return &Interval{now: Millis}
}

func NewWithClock(now func() uint32) *Interval {
	return &Interval{now: now}
}

// Expired reports whether interval has elapsed since the last firing,
// re-arming on true. The first call only arms the timer and returns
// false. Unsigned subtraction keeps the comparison correct across
// counter wrap.
func (t *Interval) Expired(interval time.Duration) bool {
	now := t.now()
	if !t.armed {
		t.last = now
		t.armed = true
		return false
	}
	if now-t.last >= uint32(interval.Milliseconds()) {
		t.last = now
		return true
	}
	return false
}
