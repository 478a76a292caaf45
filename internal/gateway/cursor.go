package gateway

import (
	"time"

	"nyyu-pricefeed/internal/models"
)

// TickCursor remembers the last tick a connection emitted per pair. The
// snapshot and the live subscription overlap, so the same tick (or an
// older one) can reach a connection twice. Not safe for concurrent use;
// each connection loop owns one.
type TickCursor struct {
	last map[string]time.Time
}

func NewTickCursor() *TickCursor {
	return &TickCursor{last: make(map[string]time.Time)}
}

// Advance reports whether tick is newer than anything emitted for its pair
// and, if so, records it.
func (c *TickCursor) Advance(tick models.Tick) bool {
	if prev, ok := c.last[tick.Pair]; ok && !tick.Timestamp.After(prev) {
		return false
	}
	c.last[tick.Pair] = tick.Timestamp
	return true
}
