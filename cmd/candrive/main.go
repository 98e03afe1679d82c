// candrive runs the wheel speed loop against a motor node on a CAN bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/erh/viamevalbot"
	"github.com/erh/viamevalbot/canbus"
)

func main() {
	var (
		iface     = flag.String("iface", "vcan0", "SocketCAN interface name")
		direction = flag.String("direction", "forward", "forward|reverse|turn-left|turn-right")
		rpm       = flag.Uint("rpm", 40, "target wheel speed")
		period    = flag.Duration("period", 100*time.Millisecond, "speed loop period")
		runFor    = flag.Duration("for", 0, "stop after this long, 0 runs until interrupted")
	)
	flag.Parse()

	logger := golog.NewDevelopmentLogger("candrive")

	err := realMain(logger, *iface, *direction, uint32(*rpm), *period, *runFor)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}

func parseDirection(s string) (viamevalbot.Direction, error) {
	for _, d := range []viamevalbot.Direction{
		viamevalbot.DirectionForward,
		viamevalbot.DirectionReverse,
		viamevalbot.DirectionTurnLeft,
		viamevalbot.DirectionTurnRight,
	} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func realMain(logger golog.Logger, iface, dirName string, rpm uint32, period, runFor time.Duration) error {
	direction, err := parseDirection(dirName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return fmt.Errorf("socketcan dial: %w", err)
	}

	drive, err := viamevalbot.NewDrive(
		viamevalbot.DriveConfig{ClicksPerRevolution: 8, MinRPM: 5, MaxRPM: 100, PGain: 4096},
		canbus.NewMotorDriver(socketcan.NewTransmitter(conn)),
		viamevalbot.NewTickClock(clock.New()),
		logger,
	)
	if err != nil {
		return multierr.Combine(err, conn.Close())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxErr := canbus.ReceiveEdges(ctx, socketcan.NewReceiver(conn), drive, logger)
		if rxErr != nil && !errors.Is(rxErr, context.Canceled) && !errors.Is(rxErr, context.DeadlineExceeded) {
			logger.Errorw("edge receiver failed", "error", rxErr)
		}
	}()

	err = drive.Run(ctx, direction, rpm)
	for err == nil && utils.SelectContextOrWait(ctx, period) {
		if err := drive.Task(ctx); err != nil {
			logger.Warn(err)
		}
		logger.Debugw("speed", "left", drive.SpeedGet(viamevalbot.WheelLeft), "right", drive.SpeedGet(viamevalbot.WheelRight))
	}

	// ctx is done, the stop frames need a live one
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = multierr.Combine(err, drive.Stop(stopCtx), conn.Close())

	// closing the socket ends the receiver
	wg.Wait()
	return err
}
