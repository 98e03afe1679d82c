package viamevalbot

import (
	"fmt"

	"go.uber.org/atomic"
)

// speedLimits holds the values precomputed from the tick rate and the wheel
// geometry.
//
//	rpm = ticksPerSecond * 60 / (elapsed * clicksPerRev) = k / elapsed
//
// With 8 clicks per revolution k reduces to ticksPerSecond * 15 / 2.
type speedLimits struct {
	k           uint32
	maxRPMTicks uint32 // fewest ticks between clicks that are believable
	minRPMTicks uint32 // more than this and the wheel is stopped
}

// maxWheelRPM is the fastest speed range a drive can be configured for. Run
// seeds duty percent from rpm, so anything faster would ask for more than 100%.
const maxWheelRPM = 100

func newSpeedLimits(ticksPerSecond uint32, clicksPerRev, minRPM, maxRPM int) (speedLimits, error) {
	if clicksPerRev <= 0 {
		return speedLimits{}, fmt.Errorf("clicks per revolution must be positive, got %d", clicksPerRev)
	}
	if minRPM <= 0 || maxRPM <= minRPM {
		return speedLimits{}, fmt.Errorf("invalid rpm range [%d, %d]", minRPM, maxRPM)
	}
	if maxRPM > maxWheelRPM {
		return speedLimits{}, fmt.Errorf("max rpm %d is above %d", maxRPM, maxWheelRPM)
	}

	k := uint64(ticksPerSecond) * 60 / uint64(clicksPerRev)
	if k > 0xffffffff {
		return speedLimits{}, fmt.Errorf("tick rate %d too high for %d clicks per revolution", ticksPerSecond, clicksPerRev)
	}

	lim := speedLimits{
		k:           uint32(k),
		maxRPMTicks: uint32(k / uint64(maxRPM)),
		minRPMTicks: uint32(k / uint64(minRPM)),
	}
	if lim.maxRPMTicks == 0 {
		return speedLimits{}, fmt.Errorf("tick rate %d too low for %d rpm", ticksPerSecond, maxRPM)
	}
	return lim, nil
}

// wheelSpeed is the state shared between the edge handler and the task.
// Each field is read and written atomically, there is no lock.
type wheelSpeed struct {
	running  atomic.Bool
	actual   atomic.Int32
	lastEdge atomic.Uint32
}

// edge records a wheel click at now. The first click after a start only
// records the time.
func (w *wheelSpeed) edge(lim speedLimits, now uint32) {
	if !w.running.Load() {
		w.lastEdge.Store(now)
		w.running.Store(true)
		return
	}

	// unsigned math handles the counter wrapping
	elapsed := now - w.lastEdge.Load()
	if elapsed > lim.minRPMTicks {
		elapsed = lim.minRPMTicks
	} else if elapsed < lim.maxRPMTicks {
		elapsed = lim.maxRPMTicks
	}

	w.lastEdge.Store(now)
	w.actual.Store(int32(lim.k / elapsed))
}

// speed returns the measured rpm, declaring the wheel stopped when no click
// has arrived for longer than the minimum rpm allows.
func (w *wheelSpeed) speed(lim speedLimits, now uint32) int32 {
	if now-w.lastEdge.Load() > lim.minRPMTicks {
		w.actual.Store(0)
		w.running.Store(false)
	}
	return w.actual.Load()
}

// seed marks the wheel as not running and presets the measured speed.
func (w *wheelSpeed) seed(rpm int32) {
	w.running.Store(false)
	w.actual.Store(rpm)
}
