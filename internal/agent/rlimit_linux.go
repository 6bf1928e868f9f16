package agent

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/pkg/wire"
)

func applyRlimits(pid int, limits []wire.Rlimit) error {
	var result *multierror.Error
	for _, l := range limits {
		rlimit := unix.Rlimit{Cur: l.Cur, Max: l.Max}
		if err := unix.Prlimit(pid, int(l.Resource), &rlimit, nil); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "resource %d", l.Resource))
		}
	}
	return result.ErrorOrNil()
}
