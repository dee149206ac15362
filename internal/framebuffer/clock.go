package framebuffer

import "time"

// Clock converts between system time (monotonic seconds since process
// start, the domain of frame timestamps) and universal time (UTC seconds
// since the Unix epoch, the domain of the wire). The offset between the
// two domains is captured once at construction.
type Clock struct {
	start    time.Time
	startUTC float64
}

// NewClock captures the current instant as the system-time origin.
func NewClock() *Clock {
	now := time.Now()
	return &Clock{
		start:    now,
		startUTC: float64(now.UnixNano()) / 1e9,
	}
}

// SystemTime returns monotonic seconds since the clock origin.
func (c *Clock) SystemTime() float64 {
	return time.Since(c.start).Seconds()
}

// UniversalFromSystem converts a system timestamp to UTC wire seconds.
func (c *Clock) UniversalFromSystem(system float64) float64 {
	return c.startUTC + system
}
