package sim

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.uber.org/multierr"

	"github.com/erh/viamevalbot"
)

// plant integration step
const stepSize = time.Millisecond

// Sample is the state of both wheels at one point in simulated time.
type Sample struct {
	Elapsed  time.Duration
	Target   [2]int32
	Measured [2]int32
	True     [2]float64
	Duty     [2]int32
}

// Simulation couples a Drive to a Plant on a mock clock.
type Simulation struct {
	Clock *clock.Mock
	Plant *Plant
	Drive *viamevalbot.Drive

	taskPeriod time.Duration
	elapsed    time.Duration
	sinceTask  time.Duration
}

func New(plantCfg PlantConfig, driveCfg viamevalbot.DriveConfig, taskPeriod time.Duration, logger golog.Logger) (*Simulation, error) {
	mock := clock.NewMock()
	plant := NewPlant(plantCfg)

	drive, err := viamevalbot.NewDrive(driveCfg, plant, viamevalbot.NewTickClock(mock), logger)
	if err != nil {
		return nil, err
	}

	return &Simulation{
		Clock:      mock,
		Plant:      plant,
		Drive:      drive,
		taskPeriod: taskPeriod,
	}, nil
}

// Advance runs the simulation for d, calling the drive task once per task
// period and sample after each task pass if it is not nil.
func (s *Simulation) Advance(ctx context.Context, d time.Duration, sample func(Sample)) error {
	var err error
	for end := s.elapsed + d; s.elapsed < end; {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.Clock.Add(stepSize)
		s.elapsed += stepSize
		s.Plant.Step(stepSize, s.Drive)

		s.sinceTask += stepSize
		if s.sinceTask < s.taskPeriod {
			continue
		}
		s.sinceTask = 0

		err = multierr.Combine(err, s.Drive.Task(ctx))
		if sample != nil {
			sample(s.sample())
		}
	}
	return err
}

func (s *Simulation) sample() Sample {
	out := Sample{Elapsed: s.elapsed}
	for i, w := range []viamevalbot.Wheel{viamevalbot.WheelLeft, viamevalbot.WheelRight} {
		st := s.Drive.Status(w)
		out.Target[i] = st.Target
		out.Measured[i] = s.Drive.SpeedGet(w)
		out.True[i] = s.Plant.RPM(w)
		out.Duty[i] = st.Duty
	}
	return out
}
