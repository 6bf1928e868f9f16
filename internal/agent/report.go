package agent

import (
	"time"

	"github.com/avast/retry-go"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	reportAttempts = 5
	reportMaxDelay = 10 * time.Second
)

// reportDelay is the wait before the first retry of a report; later retries back off from it.
var reportDelay = 500 * time.Millisecond

// retryable reports whether a failed message may succeed if sent again.
func retryable(err error) bool {
	return corralerrors.KindOf(err) == corralerrors.KindTransport ||
		corralerrors.IsCode(err, corralerrors.CodeShuttingDown)
}

// send delivers msg to the controller, retrying transport failures with exponential backoff.
func (a *Agent) send(ctx *corralcontext.Context, msg wire.Message) error {
	err := retry.Do(
		func() error {
			_, err := a.dialer.Call(ctx, a.controllerAddr, msg)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(reportAttempts),
		retry.Delay(reportDelay),
		retry.MaxDelay(reportMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Debugf("Attempt %d to send %s failed", n+1, msg.Kind())
		}),
	)
	if err != nil {
		reportFailures.WithLabelValues(msg.Kind().String()).Inc()
	}
	return err
}

// deliver sends the end-of-step reports of a finished step in order. Once all are acknowledged the step is
// removed and its credential revoked; otherwise the sweep tries again later.
func (a *Agent) deliver(ctx *corralcontext.Context, s *Step) {
	msgs, ok := s.beginDelivery()
	if !ok {
		return
	}
	acknowledged := 0
	for _, msg := range msgs {
		if err := a.send(ctx, msg); err != nil {
			ctx.Log.WithError(err).Warnf("Unable to report %s of step %s; will retry", msg.Kind(), s.Name())
			break
		}
		acknowledged++
	}
	if !s.endDelivery(acknowledged) {
		return
	}
	a.verifier.Revocations().Revoke(s.JobId, s.StepId, a.clock.Now())
	a.removeStep(s)
	ctx.Log.Infof("Step %s complete", s.Name())
}

func (a *Agent) removeStep(s *Step) {
	a.steps.Remove(s)
	s.closeIO()
}

// sweep retries reports the controller did not acknowledge and purges expired revocations.
func (a *Agent) sweep() {
	for _, s := range a.steps.All() {
		if s.awaitingDelivery() {
			a.deliver(a.ctx, s)
		}
	}
	if n := a.verifier.Revocations().Purge(a.clock.Now()); n > 0 {
		a.ctx.Log.Debugf("Purged %d expired credential revocations", n)
	}
}
