package viamevalbot

import (
	"math"
)

// Saturation bounds for the 64 bit weighted sum, chosen so the result still
// fits an int32 after the 16 bit downshift.
const (
	pidSumMax = int64(math.MaxInt32) << 16
	pidSumMin = int64(math.MinInt32) << 16
)

// FixedPID is a discrete PID controller working in 16.16 fixed point.
// All arithmetic saturates, nothing wraps.
type FixedPID struct {
	// config
	pGain, iGain, dGain          int32
	integratorMax, integratorMin int32

	// state
	integrator    int32
	previousError int32
}

// Initialize sets gains and integrator bounds and clears the state.
// It must be called before Update.
func (pid *FixedPID) Initialize(integratorMax, integratorMin, pGain, iGain, dGain int32) {
	pid.integratorMax = integratorMax
	pid.integratorMin = integratorMin
	pid.pGain = pGain
	pid.iGain = iGain
	pid.dGain = dGain
	pid.Reset()
}

func (pid *FixedPID) SetPGain(pGain int32) {
	pid.pGain = pGain
}

// SetIGain changes the integral gain together with the integrator bounds and
// saturates the current integrator against the new bounds right away.
func (pid *FixedPID) SetIGain(iGain, integratorMax, integratorMin int32) {
	pid.iGain = iGain
	pid.integratorMax = integratorMax
	pid.integratorMin = integratorMin
	pid.integrator = pid.clampIntegrator(pid.integrator)
}

func (pid *FixedPID) SetDGain(dGain int32) {
	pid.dGain = dGain
}

// Reset zeroes the integrator and the previous error.
func (pid *FixedPID) Reset() {
	pid.integrator = 0
	pid.previousError = 0
}

func (pid *FixedPID) Integrator() int32 {
	return pid.integrator
}

func (pid *FixedPID) PreviousError() int32 {
	return pid.previousError
}

// Update feeds a new error sample and returns the controller output.
func (pid *FixedPID) Update(err int32) int32 {
	before := pid.integrator
	pid.integrator += err

	// same sign going in, different sign coming out: the add wrapped
	if (before < 0) == (err < 0) && (pid.integrator < 0) != (before < 0) {
		if err > 0 {
			pid.integrator = pid.integratorMax
		} else {
			pid.integrator = pid.integratorMin
		}
	}
	pid.integrator = pid.clampIntegrator(pid.integrator)

	sum := int64(pid.pGain) * int64(err)
	sum = addSaturate(sum, int64(pid.iGain)*int64(pid.integrator))
	sum = addSaturate(sum, int64(pid.dGain)*(int64(err)-int64(pid.previousError)))

	if sum > pidSumMax {
		sum = pidSumMax
	} else if sum < pidSumMin {
		sum = pidSumMin
	}

	pid.previousError = err

	return int32(sum >> 16)
}

func (pid *FixedPID) clampIntegrator(v int32) int32 {
	if v > pid.integratorMax {
		return pid.integratorMax
	}
	if v < pid.integratorMin {
		return pid.integratorMin
	}
	return v
}

func addSaturate(a, b int64) int64 {
	s := a + b
	if (a < 0) == (b < 0) && (s < 0) != (a < 0) {
		if a < 0 {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return s
}
