package corralctl

import (
	"fmt"
)

func (a *App) Ping() error {
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	start := a.Now()
	if err := a.Controller.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Controller is UP (%s)\n", a.Now().Sub(start))
	return nil
}

func (a *App) Reconfigure() error {
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	if err := a.Controller.Reconfigure(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.Out, "Controller reconfigured")
	return nil
}

func (a *App) Shutdown(immediate bool) error {
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	if err := a.Controller.Shutdown(ctx, immediate); err != nil {
		return err
	}
	fmt.Fprintln(a.Out, "Controller shutting down")
	return nil
}
