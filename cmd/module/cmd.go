package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/module"

	"github.com/erh/viamevalbot"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := golog.NewDevelopmentLogger("evalbot")
	if err := runModule(ctx, logger); err != nil {
		logger.Fatal(err)
	}
}

// runModule serves the evalbot base until ctx is done.
func runModule(ctx context.Context, logger golog.Logger) error {
	evalbotModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	defer evalbotModule.Close(context.Background())

	if err := evalbotModule.AddModelFromRegistry(ctx, base.API, viamevalbot.Model); err != nil {
		return fmt.Errorf("adding %v: %w", viamevalbot.Model, err)
	}
	if err := evalbotModule.Start(ctx); err != nil {
		return err
	}

	logger.Infof("serving %v", viamevalbot.Model)
	<-ctx.Done()
	return nil
}
