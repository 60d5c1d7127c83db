// Package main provides a pure pursuit implementation of a path tracking module.
package main

import (
	"context"

	"github.com/edaniels/golog"
	viampurepursuit "github.com/viamrobotics/viam-pure-pursuit"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("purePursuitModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	// Instantiate the module
	trackerModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	// Add model to the module
	if err = trackerModule.AddModelFromRegistry(ctx, viampurepursuit.Subtype, viampurepursuit.Model); err != nil {
		return err
	}

	// Start the module
	if err = trackerModule.Start(ctx); err != nil {
		return err
	}
	defer trackerModule.Close(ctx)
	<-ctx.Done()
	return nil
}
