package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/armadaproject/corral/internal/common/corralcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGTERM or SIGINT is received.
func CreateContextWithShutdown() *corralcontext.Context {
	ctx, cancel := corralcontext.WithCancel(corralcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
