package viamevalbot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
)

var Model = resource.ModelNamespace("erh").WithFamily("base").WithModel("evalbot")

// room for a burst of clicks while the drive task holds the cpu
const edgeBufferSize = 64

func init() {
	evalbotComp := resource.Registration[base.Base, *Config]{
		Constructor: func(
			ctx context.Context, deps resource.Dependencies, conf resource.Config, logger golog.Logger,
		) (base.Base, error) {
			return createEvalbot(deps, conf, logger)
		},
	}
	resource.RegisterComponent(base.API, Model, evalbotComp)
}

func createEvalbot(deps resource.Dependencies, conf resource.Config, logger golog.Logger) (base.LocalBase, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	left, err := motor.FromDependencies(deps, newConf.Left)
	if err != nil {
		return nil, err
	}
	right, err := motor.FromDependencies(deps, newConf.Right)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, newConf.Board)
	if err != nil {
		return nil, err
	}
	var interrupts [numWheels]board.DigitalInterrupt
	for idx, name := range []string{newConf.LeftInterrupt, newConf.RightInterrupt} {
		di, ok := b.DigitalInterruptByName(name)
		if !ok {
			return nil, fmt.Errorf("board %q has no digital interrupt %q", newConf.Board, name)
		}
		interrupts[idx] = di
	}

	theBot, err := newEvalbot(conf.ResourceName().AsNamed(), newConf, newMotorPair(left, right), clock.New(), logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	theBot.cancel = cancel
	for idx, di := range interrupts {
		theBot.watchWheel(ctx, Wheel(idx), di)
	}
	theBot.startControlLoop(ctx)

	return theBot, nil
}

func newEvalbot(named resource.Named, cfg *Config, motors *motorPair, clk clock.Clock, logger golog.Logger) (*evalbot, error) {
	drive, err := NewDrive(cfg.driveConfig(), motors, NewTickClock(clk), logger)
	if err != nil {
		return nil, err
	}
	return &evalbot{
		Named:  named,
		cfg:    cfg,
		drive:  drive,
		motors: motors,
		logger: logger,
	}, nil
}

type evalbot struct {
	resource.Named
	resource.AlwaysRebuild

	cfg    *Config
	drive  *Drive
	motors *motorPair

	opMgr operation.SingleOperationManager

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup

	logger golog.Logger
}

// edgeInterrupt is the part of board.DigitalInterrupt a wheel watcher uses.
type edgeInterrupt interface {
	AddCallback(c chan board.Tick)
	RemoveCallback(c chan board.Tick)
}

// watchWheel turns rising edges of a wheel sensor interrupt into clicks.
func (b *evalbot) watchWheel(ctx context.Context, wheel Wheel, di edgeInterrupt) {
	ticks := make(chan board.Tick, edgeBufferSize)
	di.AddCallback(ticks)

	b.waitGroup.Add(1)
	go func() {
		defer b.waitGroup.Done()
		defer di.RemoveCallback(ticks)

		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ticks:
				if tick.High {
					b.drive.WheelEdge(wheel)
				}
			}
		}
	}()
}

func (b *evalbot) startControlLoop(ctx context.Context) {
	period := b.cfg.taskPeriod()

	b.waitGroup.Add(1)
	go func() {
		defer b.waitGroup.Done()

		for {
			if !utils.SelectContextOrWait(ctx, period) {
				return
			}
			err := b.drive.Task(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				b.logger.Warn(err)
			}
		}
	}()
}

// run converts a wheel rpm from the kinematics into a drive command.
func (b *evalbot) run(ctx context.Context, direction Direction, rpm float64) error {
	r := math.Round(math.Abs(rpm))
	if r > float64(b.drive.maxRPM) {
		return fmt.Errorf("%.1f rpm is faster than the max wheel rpm %d", rpm, b.drive.maxRPM)
	}
	if r == 0 {
		return b.drive.Stop(ctx)
	}
	return b.drive.Run(ctx, direction, uint32(r))
}

func (b *evalbot) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm < 0 {
		mmPerSec *= -1
		distanceMm *= -1
	}
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, nil)
	}

	direction := DirectionForward
	if mmPerSec < 0 {
		direction = DirectionReverse
	}
	rpm, _, err := b.cfg.wheelRPM(math.Abs(mmPerSec), 0)
	if err != nil {
		return err
	}

	ctx, done := b.opMgr.New(ctx)
	defer done()

	if err := b.run(ctx, direction, rpm); err != nil {
		return err
	}

	s := time.Duration(float64(time.Second) * float64(distanceMm) / math.Abs(mmPerSec))
	if !utils.SelectContextOrWait(ctx, s) {
		return ctx.Err()
	}
	return b.drive.Stop(ctx)
}

func (b *evalbot) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return nil
	}

	// positive angles are counter clockwise
	direction := DirectionTurnLeft
	if (angleDeg < 0) != (degsPerSec < 0) {
		direction = DirectionTurnRight
	}
	_, rpm, err := b.cfg.wheelRPM(0, math.Abs(degsPerSec))
	if err != nil {
		return err
	}

	b.logger.Infof("Spin angleDeg: %v degsPerSec: %v direction: %v rpm: %.1f", angleDeg, degsPerSec, direction, rpm)
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if err := b.run(ctx, direction, rpm); err != nil {
		return err
	}

	s := time.Duration(float64(time.Second) * math.Abs(angleDeg/degsPerSec))
	if !utils.SelectContextOrWait(ctx, s) {
		return ctx.Err()
	}
	return b.drive.Stop(ctx)
}

// velocityCommand maps a body velocity onto one of the drive directions.
// The drive turns both wheels at the same rpm, so arcs are rejected.
func velocityCommand(cfg *Config, linear, angular r3.Vector) (Direction, float64, error) {
	left, right, err := cfg.wheelRPM(linear.Y, angular.Z)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case linear.Y == 0 && angular.Z == 0:
		return DirectionForward, 0, nil
	case angular.Z == 0 && linear.Y > 0:
		return DirectionForward, left, nil
	case angular.Z == 0:
		return DirectionReverse, -left, nil
	case linear.Y == 0 && angular.Z > 0:
		return DirectionTurnLeft, right, nil
	case linear.Y == 0:
		return DirectionTurnRight, -right, nil
	}
	return 0, 0, errors.New("evalbot can only drive straight or spin in place, not both at once")
}

func (b *evalbot) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.logger.Debugf("SetVelocity %v %v", linear, angular)
	direction, rpm, err := velocityCommand(b.cfg, linear, angular)
	if err != nil {
		return err
	}

	_, done := b.opMgr.New(ctx)
	defer done()

	return b.run(ctx, direction, rpm)
}

// SetPower drives the motors open loop; the speed loop is stopped.
func (b *evalbot) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.logger.Debugf("SetPower %v %v", linear, angular)
	ctx, done := b.opMgr.New(ctx)
	defer done()

	err := b.drive.Stop(ctx)
	left := clampPower(linear.Y - angular.Z)
	right := clampPower(linear.Y + angular.Z)
	return multierr.Combine(err, b.motors.setPower(ctx, left, right))
}

func clampPower(p float64) float64 {
	return math.Max(-1, math.Min(1, p))
}

func (b *evalbot) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	return b.drive.Stop(ctx)
}

func (b *evalbot) Width(ctx context.Context) (int, error) {
	return int(b.cfg.WidthMM), nil
}

func (b *evalbot) IsMoving(ctx context.Context) (bool, error) {
	return b.motors.isPowered(ctx)
}

func (b *evalbot) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "status":
		return b.status(), nil
	case "set_gains":
		var g [5]int32
		for idx, key := range []string{"p", "i", "d", "integrator_max", "integrator_min"} {
			v, err := int32Arg(cmd, key)
			if err != nil {
				return nil, err
			}
			g[idx] = v
		}
		b.drive.SetGains(g[0], g[1], g[2], g[3], g[4])
		b.logger.Infof("gains p: %d i: %d d: %d integrator: [%d, %d]", g[0], g[1], g[2], g[4], g[3])
		return b.status(), nil
	}
	return nil, fmt.Errorf("unknown command %v", cmd["command"])
}

func (b *evalbot) status() map[string]interface{} {
	state := b.drive.State()
	out := map[string]interface{}{
		"state":     state.Mode.String(),
		"direction": state.Direction.String(),
		"speed_rpm": state.Speed,
	}
	for _, w := range []Wheel{WheelLeft, WheelRight} {
		rpm := b.drive.SpeedGet(w)
		s := b.drive.Status(w)
		out[w.String()] = map[string]interface{}{
			"reverse":    s.Reverse,
			"running":    s.Running,
			"target_rpm": s.Target,
			"rpm":        rpm,
			"duty_pct":   float64(s.Duty) / 65536,
			"integrator": s.Integrator,
		}
	}
	return out
}

func int32Arg(cmd map[string]interface{}, key string) (int32, error) {
	var v float64
	switch x := cmd[key].(type) {
	case float64:
		v = x
	case int:
		v = float64(x)
	case int32:
		return x, nil
	case nil:
		return 0, fmt.Errorf("missing %q", key)
	default:
		return 0, fmt.Errorf("%q must be a number, got %T", key, x)
	}
	if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("%q must be a 32 bit integer, got %v", key, v)
	}
	return int32(v), nil
}

func (b *evalbot) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
		b.waitGroup.Wait()
	}
	return b.Stop(ctx, nil)
}

// powerMotor is the part of motor.Motor the evalbot uses.
type powerMotor interface {
	SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error
	Stop(ctx context.Context, extra map[string]interface{}) error
	IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error)
}

// motorPair implements MotorDriver on top of two rdk motors. Direction and
// duty are latched and only applied while the wheel is running.
type motorPair struct {
	motors [numWheels]powerMotor

	mu      sync.Mutex
	reverse [numWheels]bool
	duty    [numWheels]uint16
	running [numWheels]bool
}

func newMotorPair(left, right powerMotor) *motorPair {
	return &motorPair{motors: [numWheels]powerMotor{left, right}}
}

func (p *motorPair) SetDirection(ctx context.Context, wheel Wheel, reverse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverse[wheel] = reverse
	return p.applyInLock(ctx, wheel)
}

func (p *motorPair) SetSpeed(ctx context.Context, wheel Wheel, duty uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty[wheel] = duty
	return p.applyInLock(ctx, wheel)
}

func (p *motorPair) Run(ctx context.Context, wheel Wheel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[wheel] = true
	return p.applyInLock(ctx, wheel)
}

func (p *motorPair) Stop(ctx context.Context, wheel Wheel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[wheel] = false
	return p.motors[wheel].Stop(ctx, nil)
}

func (p *motorPair) applyInLock(ctx context.Context, wheel Wheel) error {
	if !p.running[wheel] {
		return nil
	}
	power := clampPower(float64(p.duty[wheel]) / float64(100<<8))
	if p.reverse[wheel] {
		power *= -1
	}
	return p.motors[wheel].SetPower(ctx, power, nil)
}

// setPower bypasses the latched duty for open loop driving.
func (p *motorPair) setPower(ctx context.Context, left, right float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for idx, power := range []float64{left, right} {
		p.running[idx] = false
		err = multierr.Combine(err, p.motors[idx].SetPower(ctx, power, nil))
	}
	return err
}

func (p *motorPair) isPowered(ctx context.Context) (bool, error) {
	for _, m := range p.motors {
		isMoving, _, err := m.IsPowered(ctx, nil)
		if err != nil {
			return false, err
		}
		if isMoving {
			return true, nil
		}
	}
	return false, nil
}
