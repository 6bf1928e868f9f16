package main

import (
	"os"

	"github.com/armadaproject/corral/cmd/corralctl/cmd"
	"github.com/armadaproject/corral/internal/common/logging"
)

func main() {
	logging.ConfigureCliLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
