package viamevalbot

import (
	"context"
	"fmt"
	"sync"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
)

type Wheel int

const (
	WheelLeft Wheel = iota
	WheelRight

	numWheels = 2
)

func (w Wheel) String() string {
	switch w {
	case WheelLeft:
		return "left"
	case WheelRight:
		return "right"
	default:
		return fmt.Sprintf("wheel(%d)", int(w))
	}
}

func (w Wheel) valid() bool {
	return w == WheelLeft || w == WheelRight
}

type Direction int

const (
	DirectionForward Direction = iota
	DirectionReverse
	DirectionTurnLeft
	DirectionTurnRight
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	case DirectionTurnLeft:
		return "turn-left"
	case DirectionTurnRight:
		return "turn-right"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// reverse returns which wheels run backwards for a direction.
func (d Direction) reverse() (left, right bool, ok bool) {
	switch d {
	case DirectionForward:
		return false, false, true
	case DirectionReverse:
		return true, true, true
	case DirectionTurnLeft:
		return true, false, true
	case DirectionTurnRight:
		return false, true, true
	}
	return false, false, false
}

// MotorDriver commands the motor hardware. Duty is percent in 8.8 fixed point.
type MotorDriver interface {
	SetDirection(ctx context.Context, wheel Wheel, reverse bool) error
	SetSpeed(ctx context.Context, wheel Wheel, duty uint16) error
	Run(ctx context.Context, wheel Wheel) error
	Stop(ctx context.Context, wheel Wheel) error
}

type Mode int

const (
	ModeStopped Mode = iota
	ModeRunning
)

func (m Mode) String() string {
	if m == ModeRunning {
		return "running"
	}
	return "stopped"
}

// State is either Stopped, or Running with the commanded direction and speed.
type State struct {
	Mode      Mode
	Direction Direction
	Speed     uint32
}

// Stopped is the state a Drive starts in.
var Stopped = State{Mode: ModeStopped}

func Running(direction Direction, speed uint32) State {
	return State{Mode: ModeRunning, Direction: direction, Speed: speed}
}

// Duty cycle bounds, percent in 16.16.
const (
	dutyMax     = 100 << 16
	dutyStepMax = 10 << 16
)

// DriveConfig holds the tunables of the speed loop.
type DriveConfig struct {
	ClicksPerRevolution int
	MinRPM, MaxRPM      int

	PGain, IGain, DGain          int32
	IntegratorMax, IntegratorMin int32
}

type motorDrive struct {
	reverse bool
	target  int32
	duty    int32 // percent, 16.16
	pid     FixedPID

	speed wheelSpeed
}

// WheelStatus is a snapshot of one wheel.
type WheelStatus struct {
	Reverse    bool
	Running    bool
	Target     int32
	Actual     int32
	Duty       int32
	Integrator int32
}

// Drive runs a closed speed loop on each of the two wheels.
type Drive struct {
	motors MotorDriver
	ticks  TickSource
	limits speedLimits
	maxRPM uint32
	logger golog.Logger

	mu     sync.Mutex
	state  State
	wheels [numWheels]motorDrive
}

// NewDrive sets up both wheel controllers in the stopped state.
func NewDrive(cfg DriveConfig, motors MotorDriver, ticks TickSource, logger golog.Logger) (*Drive, error) {
	lim, err := newSpeedLimits(ticks.TicksPerSecond(), cfg.ClicksPerRevolution, cfg.MinRPM, cfg.MaxRPM)
	if err != nil {
		return nil, err
	}

	d := &Drive{
		motors: motors,
		ticks:  ticks,
		limits: lim,
		maxRPM: uint32(cfg.MaxRPM),
		logger: logger,
		state:  Stopped,
	}

	for i := range d.wheels {
		w := &d.wheels[i]
		w.pid.Initialize(cfg.IntegratorMax, cfg.IntegratorMin, cfg.PGain, cfg.IGain, cfg.DGain)
		w.target = 0
		w.speed.seed(0)
	}

	logger.Infof("drive ready k: %d ticks max rpm: %d ticks min rpm: %d ticks", lim.k, lim.maxRPMTicks, lim.minRPMTicks)
	return d, nil
}

// WheelEdge records a click of a wheel sensor. It only touches the atomic
// speed cell, so it is safe to call from any goroutine.
func (d *Drive) WheelEdge(wheel Wheel) {
	if !wheel.valid() {
		return
	}
	d.wheels[wheel].speed.edge(d.limits, d.ticks.Ticks())
}

// SpeedGet returns the measured rpm of a wheel, zero if it has stopped.
func (d *Drive) SpeedGet(wheel Wheel) int32 {
	if !wheel.valid() {
		return 0
	}
	return d.wheels[wheel].speed.speed(d.limits, d.ticks.Ticks())
}

// Run starts or retargets both wheels. A bad direction or a speed above the
// maximum rpm is ignored. The returned error only reports motor failures.
func (d *Drive) Run(ctx context.Context, direction Direction, speed uint32) error {
	reverseLeft, reverseRight, ok := direction.reverse()
	if !ok || speed > d.maxRPM {
		d.logger.Debugf("ignoring run direction: %v speed: %d", direction, speed)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Debugf("run %v at %d rpm", direction, speed)

	d.wheels[WheelLeft].reverse = reverseLeft
	d.wheels[WheelRight].reverse = reverseRight

	var err error
	for i := range d.wheels {
		w := &d.wheels[i]
		wheel := Wheel(i)

		w.target = int32(speed)
		err = multierr.Combine(err, d.motors.SetDirection(ctx, wheel, w.reverse))

		// duty percent is close to rpm on this drive, a good place to start
		w.duty = int32(speed) << 16
		if w.duty > dutyMax {
			w.duty = dutyMax
		}
		err = multierr.Combine(err,
			d.motors.SetSpeed(ctx, wheel, uint16(w.duty>>8)),
			d.motors.Run(ctx, wheel),
		)

		// measure two clicks before trusting the speed, assume on target till then
		w.speed.seed(int32(speed))
		w.pid.Reset()
	}

	d.state = Running(direction, speed)
	return err
}

// Stop stops both motors and resets the speed loop.
func (d *Drive) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Debug("stop")

	var err error
	for i := range d.wheels {
		w := &d.wheels[i]
		wheel := Wheel(i)

		err = multierr.Combine(err,
			d.motors.SetSpeed(ctx, wheel, 0),
			d.motors.Stop(ctx, wheel),
		)

		w.duty = 0
		w.target = 0
		w.speed.seed(0)
		w.pid.Reset()
	}

	d.state = Stopped
	return err
}

// Task runs one pass of the speed loop for each wheel, left then right.
func (d *Drive) Task(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Mode != ModeRunning {
		return nil
	}

	var err error
	for i := range d.wheels {
		w := &d.wheels[i]

		diff := w.target - w.speed.actual.Load()

		// output is a duty adjustment in percent, 16.16
		out := w.pid.Update(diff << 16)
		if out > dutyStepMax {
			out = dutyStepMax
		} else if out < -dutyStepMax {
			out = -dutyStepMax
		}

		w.duty += out
		if w.duty > dutyMax {
			w.duty = dutyMax
		} else if w.duty < 0 {
			w.duty = 0
		}

		err = multierr.Combine(err, d.motors.SetSpeed(ctx, Wheel(i), uint16(w.duty>>8)))
	}
	return err
}

// SetGains retunes both wheel controllers without resetting them.
func (d *Drive) SetGains(pGain, iGain, dGain, integratorMax, integratorMin int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.wheels {
		pid := &d.wheels[i].pid
		pid.SetPGain(pGain)
		pid.SetIGain(iGain, integratorMax, integratorMin)
		pid.SetDGain(dGain)
	}
}

func (d *Drive) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status returns a snapshot of a wheel. The measured speed is the last stored
// value, use SpeedGet to also check for a stopped wheel.
func (d *Drive) Status(wheel Wheel) WheelStatus {
	if !wheel.valid() {
		return WheelStatus{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w := &d.wheels[wheel]
	return WheelStatus{
		Reverse:    w.reverse,
		Running:    w.speed.running.Load(),
		Target:     w.target,
		Actual:     w.speed.actual.Load(),
		Duty:       w.duty,
		Integrator: w.pid.Integrator(),
	}
}
