package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe calls server.ListenAndServe and blocks until ctx is cancelled, at which point the server is shut down.
// Returns nil on a clean shutdown.
func ListenAndServe(ctx context.Context, server *http.Server) error {
	errC := make(chan error, 1)
	go func() {
		errC <- server.ListenAndServe()
	}()
	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infof("Shutting down http server on %s", server.Addr)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.WithStack(err)
		}
		return nil
	}
}
