package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

const Path = "/health"

// Handler answers 204 while checker passes and 503 with the failure text otherwise.
func Handler(checker Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if err := checker.Check(); err != nil {
			log.WithError(err).Warn("Health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte(err.Error())); err != nil {
				log.WithError(err).Error("Unable to write health check response")
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle(Path, Handler(checker))
}
