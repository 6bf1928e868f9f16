//go:build !linux

package agent

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/pkg/wire"
)

func applyRlimits(pid int, limits []wire.Rlimit) error {
	if len(limits) == 0 {
		return nil
	}
	return errors.Errorf("setting resource limits of another process is not supported here; use %s", slurmconf.SpawnHelper)
}
