package corralctl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/pkg/api"
)

// ParseStepId parses "job" or "job.step". A bare job id addresses every step.
func ParseStepId(s string) (jobId, stepId uint32, err error) {
	job, step, hasStep := strings.Cut(s, ".")
	id, err := strconv.ParseUint(job, 10, 32)
	if err != nil {
		return 0, 0, errors.Errorf("invalid job id %q", s)
	}
	if !hasStep {
		return uint32(id), api.AllSteps, nil
	}
	if step == "batch" {
		return uint32(id), api.BatchStep, nil
	}
	sid, err := strconv.ParseUint(step, 10, 32)
	if err != nil {
		return 0, 0, errors.Errorf("invalid step id %q", s)
	}
	return uint32(id), uint32(sid), nil
}

// ParseSignal accepts a signal number or name, with or without the SIG prefix. An empty string is zero,
// which terminates.
func ParseSignal(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return uint16(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, errors.Errorf("unknown signal %q", s)
	}
	return uint16(sig), nil
}

// Cancel cancels each job, or signals each step, in ids.
func (a *App) Cancel(ids []string, signal string) error {
	sig, err := ParseSignal(signal)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	var result *multierror.Error
	for _, id := range ids {
		jobId, stepId, err := ParseStepId(id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := a.Controller.Cancel(ctx, jobId, stepId, sig); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "cancelling %s", id))
			continue
		}
		fmt.Fprintf(a.Out, "Requested cancellation of %s\n", id)
	}
	return result.ErrorOrNil()
}
