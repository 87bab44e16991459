package radio

import "time"

// Counter emulates the free-running 32-bit microsecond counter of a
// concentrator. It wraps roughly every 71.6 minutes.
type Counter struct {
	epoch time.Time
}

// NewCounter starts the counter at epoch
func NewCounter(epoch time.Time) *Counter {
	return &Counter{epoch: epoch}
}

// Tmst returns the counter value at t
func (c *Counter) Tmst(t time.Time) uint32 {
	return uint32(int64(t.Sub(c.epoch) / time.Microsecond))
}

// Time converts a counter value to wall time, picking the occurrence
// closest to now so that values across a wrap resolve correctly.
func (c *Counter) Time(tmst uint32, now time.Time) time.Time {
	delta := int32(tmst - c.Tmst(now))
	return now.Add(time.Duration(delta) * time.Microsecond)
}
