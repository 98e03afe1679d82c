// drivesim runs the wheel speed loop against a simulated drive train and
// prints the step response, optionally plotting it to a png.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/jedib0t/go-pretty/v6/table"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/erh/viamevalbot"
	"github.com/erh/viamevalbot/sim"
)

type options struct {
	rpm      uint
	duration time.Duration
	period   time.Duration
	every    time.Duration
	drive    viamevalbot.DriveConfig
	plant    sim.PlantConfig
	png      string
}

func main() {
	opts := options{
		drive: viamevalbot.DriveConfig{ClicksPerRevolution: 8, MinRPM: 5, MaxRPM: 100},
		plant: sim.DefaultPlantConfig(),
	}
	var p, i, d, integMax, integMin int

	flag.UintVar(&opts.rpm, "rpm", 50, "target wheel speed")
	flag.DurationVar(&opts.duration, "for", 10*time.Second, "simulated run time")
	flag.DurationVar(&opts.period, "period", 100*time.Millisecond, "speed loop period")
	flag.DurationVar(&opts.every, "every", 500*time.Millisecond, "table row interval")
	flag.IntVar(&p, "p", 4096, "proportional gain, 16.16")
	flag.IntVar(&i, "i", 0, "integral gain, 16.16")
	flag.IntVar(&d, "d", 0, "derivative gain, 16.16")
	flag.IntVar(&integMax, "integrator-max", 0, "integrator upper bound, 16.16")
	flag.IntVar(&integMin, "integrator-min", 0, "integrator lower bound, 16.16")
	flag.Float64Var(&opts.plant.Gain, "plant-gain", opts.plant.Gain, "steady state rpm per percent duty")
	flag.DurationVar(&opts.plant.TimeConstant, "plant-tau", opts.plant.TimeConstant, "drive train time constant")
	flag.StringVar(&opts.png, "png", "", "write a plot of the run here")
	flag.Parse()

	opts.drive.PGain = int32(p)
	opts.drive.IGain = int32(i)
	opts.drive.DGain = int32(d)
	opts.drive.IntegratorMax = int32(integMax)
	opts.drive.IntegratorMin = int32(integMin)

	logger := golog.NewDevelopmentLogger("drivesim")
	if err := realMain(context.Background(), opts, logger); err != nil {
		logger.Fatal(err)
	}
}

func realMain(ctx context.Context, opts options, logger golog.Logger) error {
	s, err := sim.New(opts.plant, opts.drive, opts.period, logger)
	if err != nil {
		return err
	}

	if err := s.Drive.Run(ctx, viamevalbot.DirectionForward, uint32(opts.rpm)); err != nil {
		return err
	}
	if s.Drive.State().Mode != viamevalbot.ModeRunning {
		return fmt.Errorf("drive refused %d rpm", opts.rpm)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"t", "target", "left rpm", "left true", "left duty %", "right rpm", "right true", "right duty %"})

	var samples []sim.Sample
	var nextRow time.Duration
	err = s.Advance(ctx, opts.duration, func(sample sim.Sample) {
		samples = append(samples, sample)
		if sample.Elapsed < nextRow {
			return
		}
		nextRow += opts.every
		tw.AppendRow(table.Row{
			sample.Elapsed,
			sample.Target[viamevalbot.WheelLeft],
			sample.Measured[viamevalbot.WheelLeft],
			fmt.Sprintf("%.1f", sample.True[viamevalbot.WheelLeft]),
			fmt.Sprintf("%.2f", dutyPercent(sample.Duty[viamevalbot.WheelLeft])),
			sample.Measured[viamevalbot.WheelRight],
			fmt.Sprintf("%.1f", sample.True[viamevalbot.WheelRight]),
			fmt.Sprintf("%.2f", dutyPercent(sample.Duty[viamevalbot.WheelRight])),
		})
	})
	if err != nil {
		return err
	}
	tw.Render()

	if opts.png == "" {
		return nil
	}
	return plotRun(opts.png, samples)
}

func dutyPercent(duty int32) float64 {
	return float64(duty) / 65536
}

func plotRun(path string, samples []sim.Sample) error {
	target := make(plotter.XYs, len(samples))
	measured := make(plotter.XYs, len(samples))
	actual := make(plotter.XYs, len(samples))
	duty := make(plotter.XYs, len(samples))
	for idx, s := range samples {
		x := s.Elapsed.Seconds()
		target[idx] = plotter.XY{X: x, Y: float64(s.Target[viamevalbot.WheelLeft])}
		measured[idx] = plotter.XY{X: x, Y: float64(s.Measured[viamevalbot.WheelLeft])}
		actual[idx] = plotter.XY{X: x, Y: s.True[viamevalbot.WheelLeft]}
		duty[idx] = plotter.XY{X: x, Y: dutyPercent(s.Duty[viamevalbot.WheelLeft])}
	}

	p := plot.New()
	p.Title.Text = "left wheel step response"
	p.X.Label.Text = "seconds"
	p.Y.Label.Text = "rpm / duty %"

	err := plotutil.AddLines(p,
		"target", target,
		"measured", measured,
		"true", actual,
		"duty", duty,
	)
	if err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
