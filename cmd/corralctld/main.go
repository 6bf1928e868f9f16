package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/cmd/corralctld/cmd"
	"github.com/armadaproject/corral/internal/common/logging"
)

func main() {
	logging.MustConfigureApplicationLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Controller exited")
		os.Exit(1)
	}
}
