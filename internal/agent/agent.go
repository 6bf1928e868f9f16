// Package agent implements corrald, the node agent. It launches the tasks of job steps, supervises their
// process groups, signals and kills them on request and reports their exit to the controller.
package agent

import (
	"context"
	"crypto/ed25519"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/health"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	bgtask "github.com/armadaproject/corral/internal/common/task"
	"github.com/armadaproject/corral/internal/cred"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	// Minimum gap between registrations sent because the controller asked for one.
	registrationInterval = time.Second
	sweepInterval        = 30 * time.Second
)

type Option func(*Agent)

func WithClock(c clock.WithTicker) Option {
	return func(a *Agent) {
		a.clock = c
	}
}

func WithSpawner(s Spawner) Option {
	return func(a *Agent) {
		a.spawner = s
	}
}

// WithSystemInfo replaces the function that reads host resources and load.
func WithSystemInfo(f func() (SystemInfo, error)) Option {
	return func(a *Agent) {
		a.systemInfo = f
	}
}

type Agent struct {
	config         *slurmconf.Config
	node           slurmconf.NodeConfig
	controllerAddr string
	clock          clock.WithTicker
	auth           wire.Authenticator
	dialer         *wire.Dialer
	verifier       *cred.Verifier
	spawner        Spawner
	steps          *StepTable
	operators      map[uint32]bool
	limiter        *rate.Limiter
	systemInfo     func() (SystemInfo, error)
	registry       *prometheus.Registry
	tasks          *bgtask.BackgroundTaskManager
	startup        *health.StartupCompleteChecker
	bootId         string
	bootTime       time.Time

	// Set by Serve before any request is handled.
	ctx  *corralcontext.Context
	stop context.CancelFunc

	mu         sync.Mutex
	registered bool
	// Jobs whose epilog is waiting for processes to go away.
	terminating map[uint32]bool
}

// New returns an agent for nodeName, which must be defined in config.
func New(config *slurmconf.Config, nodeName string, opts ...Option) (*Agent, error) {
	nodes, err := config.ExpandedNodes()
	if err != nil {
		return nil, err
	}
	a := &Agent{
		config:         config,
		controllerAddr: config.ControllerAddress(),
		clock:          clock.RealClock{},
		steps:          NewStepTable(),
		limiter:        rate.NewLimiter(rate.Every(registrationInterval), 1),
		registry:       prometheus.NewRegistry(),
		startup:        health.NewStartupCompleteChecker(),
		terminating:    map[uint32]bool{},
	}
	found := false
	for _, n := range nodes {
		if n.NodeName == nodeName {
			a.node = n
			found = true
			break
		}
	}
	if !found {
		return nil, corralerrors.Newf(corralerrors.CodeInvalidNodeName, "node %s is not defined in the configuration", nodeName)
	}
	for _, opt := range opts {
		opt(a)
	}

	current, err := cred.LoadPublicKey(config.JobCredentialPublicCertificate)
	if err != nil {
		return nil, err
	}
	var previous ed25519.PublicKey
	if config.JobCredentialPreviousPublicCertificate != "" {
		if previous, err = cred.LoadPublicKey(config.JobCredentialPreviousPublicCertificate); err != nil {
			return nil, err
		}
	}
	revoked, err := cred.NewRevocationSet(0, config.CredentialLifetime)
	if err != nil {
		return nil, err
	}
	a.verifier = cred.NewVerifier(current, previous, config.CredentialLifetime, revoked)

	if a.auth, err = wire.NewAuthenticator(config.AuthType, config.AuthKey, config.MessageTimeout+config.MaxClockSkew); err != nil {
		return nil, err
	}
	a.dialer = wire.NewDialer(a.auth, config.MessageTimeout)
	if a.operators, err = config.OperatorUids(); err != nil {
		return nil, err
	}
	if a.spawner == nil {
		if a.spawner, err = NewSpawner(config.TaskSpawnType, ""); err != nil {
			return nil, err
		}
	}
	if a.systemInfo == nil {
		a.systemInfo = func() (SystemInfo, error) { return readSystemInfo(os.TempDir()) }
	}
	info, err := a.systemInfo()
	if err != nil {
		log.WithError(err).Warn("Unable to read system information")
	}
	a.bootId = info.BootId
	if a.bootId == "" {
		a.bootId = uuid.New().String()
	}
	a.bootTime = info.BootTime
	a.tasks = bgtask.NewBackgroundTaskManager("corral_agent_", a.registry).WithClock(a.clock)
	return a, nil
}

func (a *Agent) NodeName() string {
	return a.node.NodeName
}

// Port is the port the agent listens on.
func (a *Agent) Port() uint16 {
	return a.node.Port
}

func (a *Agent) HealthChecker() health.Checker {
	return a.startup
}

// Registry holds the agent's background task metrics.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Serve handles requests on listener until ctx is cancelled or a shutdown request arrives. Tasks keep running
// after Serve returns.
func (a *Agent) Serve(ctx *corralcontext.Context, listener net.Listener) error {
	ctx = corralcontext.WithLogField(ctx, "node", a.node.NodeName)
	ctx, a.stop = corralcontext.WithCancel(ctx)
	defer a.stop()
	a.ctx = ctx
	ctx.Log.Infof("Agent listening on %s", listener.Addr())
	if err := os.MkdirAll(a.config.SlurmdSpoolDir, 0o755); err != nil {
		return errors.WithStack(err)
	}

	a.tasks.Register(a.heartbeat, a.config.HeartbeatInterval, "heartbeat")
	a.tasks.Register(a.sweep, sweepInterval, "sweep")

	g, gctx := corralcontext.ErrGroup(ctx)
	g.Go(func() error {
		defer listener.Close()
		return a.accept(gctx, listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = listener.Close()
		return nil
	})
	err := g.Wait()
	if a.tasks.StopAll(2 * time.Second) {
		ctx.Log.Warn("Background tasks did not stop in time")
	}
	ctx.Log.Infof("Agent stopped with %d steps on the node", a.steps.Len())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) accept(ctx *corralcontext.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.WithStack(err)
		}
		go a.serveConn(ctx, conn)
	}
}

// serveConn handles exactly one request on a connection.
func (a *Agent) serveConn(ctx *corralcontext.Context, conn net.Conn) {
	defer conn.Close()
	timeout := a.config.MessageTimeout
	frame, err := wire.Recv(conn, time.Now().Add(timeout))
	if err != nil {
		ctx.Log.WithError(err).Debugf("Unable to read request from %s", conn.RemoteAddr())
		if wire.IsProtocolError(err) || corralerrors.IsCode(err, corralerrors.CodeUnexpectedMessage) {
			a.replyOn(ctx, conn, wire.ReturnCodeFor(err))
		}
		return
	}
	id, err := a.auth.Verify(frame.Auth, time.Now())
	if err != nil {
		ctx.Log.WithError(err).Warnf("Rejected %s from %s", frame.Msg.Kind(), conn.RemoteAddr())
		if !frame.NoResponse() {
			a.replyOn(ctx, conn, wire.ReturnCodeFor(err))
		}
		return
	}
	reqCtx := corralcontext.WithLogFields(ctx, log.Fields{
		"kind": frame.Msg.Kind().String(),
		"uid":  id.Uid,
	})
	resp, err := a.dispatch(reqCtx, id, frame.Msg)
	if err != nil {
		reqCtx.Log.WithError(err).Debug("Request failed")
		resp = wire.ReturnCodeFor(err)
	}
	if frame.NoResponse() {
		return
	}
	a.replyOn(reqCtx, conn, resp)
}

func (a *Agent) replyOn(ctx *corralcontext.Context, conn net.Conn, msg wire.Message) {
	if err := wire.Reply(conn, a.auth, a.dialer.Identity, msg, time.Now(), a.config.MessageTimeout); err != nil {
		ctx.Log.WithError(err).Debugf("Unable to reply to %s", conn.RemoteAddr())
	}
}

var success = &wire.ReturnCode{}

func (a *Agent) dispatch(ctx *corralcontext.Context, id wire.Identity, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case *wire.Ping:
		return success, nil
	case *wire.ReattachTasks:
		return a.reattachTasks(ctx, id, m)
	}
	if !a.operators[id.Uid] {
		return nil, corralerrors.Newf(corralerrors.CodeAccessDenied, "uid %d may not send %s to an agent", id.Uid, msg.Kind())
	}
	switch m := msg.(type) {
	case *wire.LaunchTasks:
		return a.launchTasks(ctx, m), nil
	case *wire.BatchJobLaunch:
		return a.batchJobLaunch(ctx, m), nil
	case *wire.SignalTasks:
		return a.signalTasks(ctx, m)
	case *wire.TerminateJob:
		return a.terminateJob(ctx, m), nil
	case *wire.RevokeCredential:
		a.verifier.Revocations().Revoke(m.JobId, m.StepId, a.clock.Now())
		return success, nil
	case *wire.RequestNodeRegistration:
		go a.requestedRegistration()
		return success, nil
	case *wire.Shutdown:
		ctx.Log.Infof("Shutdown requested; leaving %d steps running", a.steps.Len())
		a.stop()
		return success, nil
	}
	return nil, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "agents do not handle %s", msg.Kind())
}
