package viamevalbot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"
)

type fakeMotors struct {
	mu      sync.Mutex
	reverse [numWheels]bool
	duty    [numWheels]uint16
	running [numWheels]bool
	calls   int
	err     error
}

func (m *fakeMotors) SetDirection(ctx context.Context, wheel Wheel, reverse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.reverse[wheel] = reverse
	return m.err
}

func (m *fakeMotors) SetSpeed(ctx context.Context, wheel Wheel, duty uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.duty[wheel] = duty
	return m.err
}

func (m *fakeMotors) Run(ctx context.Context, wheel Wheel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.running[wheel] = true
	return m.err
}

func (m *fakeMotors) Stop(ctx context.Context, wheel Wheel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.running[wheel] = false
	return m.err
}

func testDriveConfig() DriveConfig {
	cfg := &Config{}
	return cfg.driveConfig()
}

func newTestDrive(t *testing.T) (*Drive, *fakeMotors, *clock.Mock) {
	t.Helper()
	motors := &fakeMotors{}
	mock := clock.NewMock()
	d, err := NewDrive(testDriveConfig(), motors, NewTickClock(mock), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return d, motors, mock
}

// clicks feeds a wheel edges spaced for the given rpm.
func clicks(d *Drive, mock *clock.Mock, wheel Wheel, rpm int, n int) {
	interval := time.Minute / time.Duration(rpm*defaultClicksPerRevolution)
	for i := 0; i < n; i++ {
		mock.Add(interval)
		d.WheelEdge(wheel)
	}
}

func TestDriveInit(t *testing.T) {
	d, motors, _ := newTestDrive(t)
	test.That(t, d.State(), test.ShouldResemble, Stopped)
	for _, w := range []Wheel{WheelLeft, WheelRight} {
		test.That(t, d.Status(w), test.ShouldResemble, WheelStatus{})
	}

	test.That(t, d.Task(context.Background()), test.ShouldBeNil)
	test.That(t, motors.calls, test.ShouldEqual, 0)

	_, err := NewDrive(DriveConfig{ClicksPerRevolution: 8, MinRPM: 10, MaxRPM: 5}, motors, NewTickClock(clock.NewMock()), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDriveDirections(t *testing.T) {
	for _, tc := range []struct {
		direction   Direction
		left, right bool
	}{
		{DirectionForward, false, false},
		{DirectionReverse, true, true},
		{DirectionTurnLeft, true, false},
		{DirectionTurnRight, false, true},
	} {
		t.Run(tc.direction.String(), func(t *testing.T) {
			d, motors, _ := newTestDrive(t)
			test.That(t, d.Run(context.Background(), tc.direction, 30), test.ShouldBeNil)

			left, right := d.Status(WheelLeft), d.Status(WheelRight)
			test.That(t, left.Reverse, test.ShouldEqual, tc.left)
			test.That(t, right.Reverse, test.ShouldEqual, tc.right)
			test.That(t, left.Target, test.ShouldEqual, 30)
			test.That(t, right.Target, test.ShouldEqual, 30)

			test.That(t, motors.reverse, test.ShouldResemble, [numWheels]bool{tc.left, tc.right})
			test.That(t, motors.running, test.ShouldResemble, [numWheels]bool{true, true})
			test.That(t, d.State(), test.ShouldResemble, Running(tc.direction, 30))
		})
	}
}

func TestDriveInvalidRunIgnored(t *testing.T) {
	d, motors, _ := newTestDrive(t)
	ctx := context.Background()

	test.That(t, d.Run(ctx, Direction(9), 20), test.ShouldBeNil)
	test.That(t, d.Run(ctx, DirectionForward, defaultMaxRPM+1), test.ShouldBeNil)
	test.That(t, d.State(), test.ShouldResemble, Stopped)
	test.That(t, motors.calls, test.ShouldEqual, 0)

	test.That(t, d.Run(ctx, DirectionReverse, 40), test.ShouldBeNil)
	calls := motors.calls
	test.That(t, d.Run(ctx, DirectionForward, 1000), test.ShouldBeNil)
	test.That(t, d.State(), test.ShouldResemble, Running(DirectionReverse, 40))
	test.That(t, d.Status(WheelLeft).Target, test.ShouldEqual, 40)
	test.That(t, motors.calls, test.ShouldEqual, calls)
}

func TestDriveRunAtMaxRPM(t *testing.T) {
	ctx := context.Background()

	for _, maxRPM := range []int{150, 300} {
		cfg := testDriveConfig()
		cfg.MaxRPM = maxRPM
		_, err := NewDrive(cfg, &fakeMotors{}, NewTickClock(clock.NewMock()), golog.NewTestLogger(t))
		test.That(t, err, test.ShouldNotBeNil)
	}

	d, motors, mock := newTestDrive(t)
	test.That(t, d.Run(ctx, DirectionForward, defaultMaxRPM), test.ShouldBeNil)
	for _, w := range []Wheel{WheelLeft, WheelRight} {
		test.That(t, d.Status(w).Duty, test.ShouldEqual, dutyMax)
		test.That(t, motors.duty[w], test.ShouldEqual, 100<<8)
	}

	// the ceiling holds while the loop pushes for more
	clicks(d, mock, WheelLeft, 50, 3)
	test.That(t, d.Task(ctx), test.ShouldBeNil)
	test.That(t, d.Status(WheelLeft).Duty, test.ShouldEqual, dutyMax)
	test.That(t, motors.duty[WheelLeft], test.ShouldEqual, 100<<8)
}

func TestDriveRunSeedsLoop(t *testing.T) {
	d, motors, mock := newTestDrive(t)
	ctx := context.Background()

	test.That(t, d.Run(ctx, DirectionReverse, 80), test.ShouldBeNil)
	clicks(d, mock, WheelLeft, 40, 3)
	test.That(t, d.Status(WheelLeft).Actual, test.ShouldEqual, 40)
	test.That(t, d.Task(ctx), test.ShouldBeNil)

	test.That(t, d.Stop(ctx), test.ShouldBeNil)
	test.That(t, d.Run(ctx, DirectionForward, 50), test.ShouldBeNil)

	for _, w := range []Wheel{WheelLeft, WheelRight} {
		test.That(t, d.Status(w), test.ShouldResemble, WheelStatus{
			Reverse:    false,
			Running:    false,
			Target:     50,
			Actual:     50,
			Duty:       50 << 16,
			Integrator: 0,
		})
		test.That(t, d.wheels[w].pid.PreviousError(), test.ShouldEqual, 0)
	}
	test.That(t, motors.duty, test.ShouldResemble, [numWheels]uint16{50 << 8, 50 << 8})

	// no click yet, so the error is zero and the duty holds
	test.That(t, d.Task(ctx), test.ShouldBeNil)
	for _, w := range []Wheel{WheelLeft, WheelRight} {
		test.That(t, d.Status(w).Duty, test.ShouldEqual, 50<<16)
	}
	test.That(t, motors.duty, test.ShouldResemble, [numWheels]uint16{50 << 8, 50 << 8})
}

func TestDriveTaskAdjustsDuty(t *testing.T) {
	d, motors, mock := newTestDrive(t)
	ctx := context.Background()

	test.That(t, d.Run(ctx, DirectionForward, 50), test.ShouldBeNil)

	// the first click only starts the timing
	d.WheelEdge(WheelLeft)
	test.That(t, d.Status(WheelLeft).Actual, test.ShouldEqual, 50)
	clicks(d, mock, WheelLeft, 40, 1)
	test.That(t, d.Status(WheelLeft).Actual, test.ShouldEqual, 40)

	test.That(t, d.Task(ctx), test.ShouldBeNil)

	// 10 rpm short at a gain of 1/16 is +0.625%
	test.That(t, d.Status(WheelLeft).Duty, test.ShouldEqual, 50<<16+40960)
	test.That(t, motors.duty[WheelLeft], test.ShouldEqual, 12960)
	test.That(t, d.Status(WheelRight).Duty, test.ShouldEqual, 50<<16)
	test.That(t, motors.duty[WheelRight], test.ShouldEqual, 50<<8)
}

func TestDriveDutyLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("step", func(t *testing.T) {
		d, _, mock := newTestDrive(t)
		d.SetGains(1<<16, 0, 0, 0, 0)
		test.That(t, d.Run(ctx, DirectionForward, 50), test.ShouldBeNil)

		d.WheelEdge(WheelLeft)
		mock.Add(10 * time.Second)
		d.WheelEdge(WheelLeft)
		test.That(t, d.Status(WheelLeft).Actual, test.ShouldEqual, defaultMinRPM)

		test.That(t, d.Task(ctx), test.ShouldBeNil)
		test.That(t, d.Status(WheelLeft).Duty, test.ShouldEqual, 60<<16)
	})

	t.Run("ceiling", func(t *testing.T) {
		d, motors, mock := newTestDrive(t)
		d.SetGains(1<<16, 0, 0, 0, 0)
		test.That(t, d.Run(ctx, DirectionForward, 100), test.ShouldBeNil)

		d.WheelEdge(WheelRight)
		mock.Add(10 * time.Second)
		d.WheelEdge(WheelRight)

		test.That(t, d.Task(ctx), test.ShouldBeNil)
		test.That(t, d.Status(WheelRight).Duty, test.ShouldEqual, 100<<16)
		test.That(t, motors.duty[WheelRight], test.ShouldEqual, 100<<8)
	})

	t.Run("floor", func(t *testing.T) {
		d, motors, mock := newTestDrive(t)
		d.SetGains(1<<16, 0, 0, 0, 0)
		test.That(t, d.Run(ctx, DirectionForward, 5), test.ShouldBeNil)

		d.WheelEdge(WheelLeft)
		mock.Add(time.Millisecond)
		d.WheelEdge(WheelLeft)
		test.That(t, d.Status(WheelLeft).Actual, test.ShouldEqual, defaultMaxRPM)

		test.That(t, d.Task(ctx), test.ShouldBeNil)
		test.That(t, d.Status(WheelLeft).Duty, test.ShouldEqual, 0)
		test.That(t, motors.duty[WheelLeft], test.ShouldEqual, 0)
	})
}

func TestDriveStop(t *testing.T) {
	d, motors, mock := newTestDrive(t)
	ctx := context.Background()

	test.That(t, d.Run(ctx, DirectionTurnRight, 25), test.ShouldBeNil)
	clicks(d, mock, WheelRight, 30, 4)
	test.That(t, d.Task(ctx), test.ShouldBeNil)

	test.That(t, d.Stop(ctx), test.ShouldBeNil)
	test.That(t, d.State(), test.ShouldResemble, Stopped)
	test.That(t, motors.running, test.ShouldResemble, [numWheels]bool{false, false})
	test.That(t, motors.duty, test.ShouldResemble, [numWheels]uint16{0, 0})
	for _, w := range []Wheel{WheelLeft, WheelRight} {
		s := d.Status(w)
		test.That(t, s.Target, test.ShouldEqual, 0)
		test.That(t, s.Actual, test.ShouldEqual, 0)
		test.That(t, s.Running, test.ShouldBeFalse)
		test.That(t, s.Duty, test.ShouldEqual, 0)
		test.That(t, s.Integrator, test.ShouldEqual, 0)
	}

	calls := motors.calls
	test.That(t, d.Task(ctx), test.ShouldBeNil)
	test.That(t, motors.calls, test.ShouldEqual, calls)
}

func TestDriveSpeedGet(t *testing.T) {
	d, _, mock := newTestDrive(t)
	ctx := context.Background()

	test.That(t, d.Run(ctx, DirectionForward, 40), test.ShouldBeNil)
	d.WheelEdge(WheelLeft)
	clicks(d, mock, WheelLeft, 40, 2)
	test.That(t, d.SpeedGet(WheelLeft), test.ShouldEqual, 40)
	test.That(t, d.Status(WheelLeft).Running, test.ShouldBeTrue)

	mock.Add(1600 * time.Millisecond)
	test.That(t, d.SpeedGet(WheelLeft), test.ShouldEqual, 0)
	test.That(t, d.Status(WheelLeft).Running, test.ShouldBeFalse)

	test.That(t, d.SpeedGet(Wheel(7)), test.ShouldEqual, 0)
	d.WheelEdge(Wheel(-1))
	test.That(t, d.Status(Wheel(3)), test.ShouldResemble, WheelStatus{})
}

func TestDriveMotorErrors(t *testing.T) {
	d, motors, _ := newTestDrive(t)
	ctx := context.Background()
	motors.err = errors.New("pwm fault")

	err := d.Run(ctx, DirectionForward, 30)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pwm fault")
	test.That(t, d.State(), test.ShouldResemble, Running(DirectionForward, 30))

	test.That(t, d.Task(ctx), test.ShouldNotBeNil)
	test.That(t, d.Stop(ctx), test.ShouldNotBeNil)
	test.That(t, d.State(), test.ShouldResemble, Stopped)
}

func TestDriveSetGains(t *testing.T) {
	d, _, _ := newTestDrive(t)
	d.SetGains(100, 200, 300, 5000, -5000)

	for _, w := range []Wheel{WheelLeft, WheelRight} {
		pid := d.wheels[w].pid
		test.That(t, pid.pGain, test.ShouldEqual, 100)
		test.That(t, pid.iGain, test.ShouldEqual, 200)
		test.That(t, pid.dGain, test.ShouldEqual, 300)
		test.That(t, pid.integratorMax, test.ShouldEqual, 5000)
		test.That(t, pid.integratorMin, test.ShouldEqual, -5000)
	}
}
