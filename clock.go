package viamevalbot

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TickSource is a free-running counter that wraps at 2^32.
type TickSource interface {
	Ticks() uint32
	TicksPerSecond() uint32
}

// microsecondTicks is the rate of the tick source built from a clock.Clock.
const microsecondTicks = uint32(time.Second / time.Microsecond)

// tickClock counts microseconds since it was created.
type tickClock struct {
	clk   clock.Clock
	start time.Time
}

func NewTickClock(clk clock.Clock) TickSource {
	return &tickClock{clk: clk, start: clk.Now()}
}

func (c *tickClock) Ticks() uint32 {
	return uint32(c.clk.Since(c.start) / time.Microsecond)
}

func (c *tickClock) TicksPerSecond() uint32 {
	return microsecondTicks
}
