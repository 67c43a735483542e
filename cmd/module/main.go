// Package main serves the quadruped velocity estimator as a Viam module.
package main

import (
	"context"

	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"

	"github.com/viam-labs/quadruped-velocity/quadvel"

	// Register the builtin fake robot driver.
	_ "github.com/viam-labs/quadruped-velocity/fakerobot"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDevelopmentLogger("quadruped-velocity"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	mod, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	if err := mod.AddModelFromRegistry(ctx, movementsensor.API, quadvel.Model); err != nil {
		return err
	}

	if err := mod.Start(ctx); err != nil {
		return err
	}
	defer mod.Close(ctx)

	<-ctx.Done()
	return nil
}
