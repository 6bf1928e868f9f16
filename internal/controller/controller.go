// Package controller is the cluster controller: it owns the job registry and the resource map, runs the
// scheduler and drives jobs through their lifecycle.
//
// All mutation happens on a single event loop goroutine. Connection goroutines decode requests and either
// answer read-only queries themselves under read locks or post the request to the loop and wait for its
// reply. Anything that may block (journal syncs, messages to agents, accounting writes, name lookups) is
// handed to a worker pool whose results come back to the loop as completions.
package controller

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/health"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/accounting"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/journal"
	"github.com/armadaproject/corral/internal/controller/locks"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/internal/controller/scheduling"
	"github.com/armadaproject/corral/internal/cred"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	// Launch messages sent per second, across all jobs.
	launchRate  = 200
	launchBurst = 50
	// Completions queued by workers before they block.
	completionQueueSize = 1024
)

type Controller struct {
	config     *slurmconf.Config
	configPath string
	// Used for every scheduling and lifecycle decision. Network deadlines use the wall clock.
	clock     clock.WithTicker
	locks     *locks.Manager
	jobDb     *jobdb.JobDb
	nodeDb    *nodedb.NodeDb
	journal   *journal.Journal
	scheduler *scheduling.QueueScheduler
	checker   *scheduling.SubmitChecker
	signer    *cred.Signer
	auth      wire.Authenticator
	dialer    *wire.Dialer
	resolver  *resolver
	recorder  *accounting.Recorder
	pool      *WorkerPool
	limiter   *rate.Limiter
	// Uids allowed to run operator requests.
	operators map[uint32]bool
	startup   *health.StartupCompleteChecker

	requests    chan *request
	completions chan func()
	// Closed once the loop has exited.
	stopped chan struct{}

	// The fields below are owned by the event loop.
	nextToken    uint64
	waiting      map[uint64]*request
	syncWaiters  []syncWaiter
	syncInFlight bool
	// Set when a sync was asked for while one was in flight.
	syncAgain          bool
	checkpointInFlight bool
	lastCheckpoint     time.Time
	nodeShadow         map[string]journal.NodeState
	partShadow         map[string]journal.PartitionState
	// Steps that ended, kept for the job's accounting record.
	stepHistory map[uint32][]api.StepInfo
	// Jobs whose accounting record is being written.
	accountingInFlight map[uint32]bool
	// Records kept across retries so sinks recognise a record they already hold.
	accountingRecords map[uint32]*accounting.JobRecord
	// Allocate-and-run requests whose jobs are still pending, by job id.
	pendingRuns map[uint32]*pendingRun
	// Jobs that reached a terminal state during the current event.
	ended        []uint32
	needSchedule bool
	startTime    time.Time
	shuttingDown bool
	fatal        error
	// Replies produced by the current event.
	outbox []outgoing
}

type Option func(*Controller)

// WithClock replaces the clock used for scheduling and lifecycle decisions; intended for tests.
func WithClock(c clock.WithTicker) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithRecorder replaces the accounting recorder built from configuration.
func WithRecorder(r *accounting.Recorder) Option {
	return func(ctl *Controller) {
		ctl.recorder = r
	}
}

// WithHostLookup replaces the DNS lookup used to find agents.
func WithHostLookup(lookup HostLookup) Option {
	return func(ctl *Controller) {
		ctl.resolver = newResolver(lookup)
	}
}

// New builds a controller from configuration and recovers the state saved under StateSaveLocation.
// configPath is re-read on reconfigure requests and may be empty.
func New(ctx *corralcontext.Context, config *slurmconf.Config, configPath string, opts ...Option) (*Controller, error) {
	c := &Controller{
		config:             config,
		configPath:         configPath,
		clock:              clock.RealClock{},
		locks:              locks.NewManager(),
		limiter:            rate.NewLimiter(launchRate, launchBurst),
		startup:            health.NewStartupCompleteChecker(),
		requests:           make(chan *request),
		completions:        make(chan func(), completionQueueSize),
		stopped:            make(chan struct{}),
		waiting:            map[uint64]*request{},
		nodeShadow:         map[string]journal.NodeState{},
		partShadow:         map[string]journal.PartitionState{},
		stepHistory:        map[uint32][]api.StepInfo{},
		accountingInFlight: map[uint32]bool{},
		accountingRecords:  map[uint32]*accounting.JobRecord{},
		pendingRuns:        map[uint32]*pendingRun{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = newResolver(nil)
	}
	now := c.clock.Now()
	c.startTime = now
	c.lastCheckpoint = now

	if config.JobCredentialPrivateKey == "" {
		return nil, errors.New("JobCredentialPrivateKey must be set on the controller")
	}
	key, err := cred.LoadPrivateKey(config.JobCredentialPrivateKey)
	if err != nil {
		return nil, err
	}
	c.signer = cred.NewSigner(key, config.CredentialLifetime)

	c.auth, err = wire.NewAuthenticator(config.AuthType, config.AuthKey, config.MessageTimeout+config.MaxClockSkew)
	if err != nil {
		return nil, err
	}
	c.dialer = wire.NewDialer(c.auth, config.MessageTimeout)

	c.operators, err = config.OperatorUids()
	if err != nil {
		return nil, err
	}
	if c.jobDb, err = jobdb.NewJobDb(config.FirstJobId, config.MaxJobCount); err != nil {
		return nil, err
	}
	if c.nodeDb, err = nodedb.New(config, now); err != nil {
		return nil, err
	}
	if c.scheduler, err = scheduling.NewSchedulingAlgo(config); err != nil {
		return nil, err
	}
	c.checker = scheduling.NewSubmitChecker(nil)
	c.pool = NewWorkerPool(config.WorkerPoolSize)

	if c.recorder == nil {
		if c.recorder, err = accounting.NewRecorderFromConfig(ctx, config); err != nil {
			return nil, err
		}
	}

	j, state, err := journal.Open(config.StateSaveLocation)
	if err != nil {
		_ = c.recorder.Close()
		return nil, err
	}
	c.journal = j
	if err := c.restore(ctx, state); err != nil {
		_ = c.journal.Close()
		_ = c.recorder.Close()
		return nil, err
	}
	return c, nil
}

// HealthChecker reports healthy once the controller has recovered its state and is serving.
func (c *Controller) HealthChecker() health.Checker {
	return c.startup
}

// Serve runs the controller on the given listener until ctx is cancelled, a shutdown request is received
// or a fatal error occurs. The listener is closed on return. A checkpoint is written on the way out.
func (c *Controller) Serve(ctx *corralcontext.Context, listener net.Listener) error {
	ctx.Log.Infof("Controller listening on %s", listener.Addr())
	c.pool.Start(ctx)
	g, gctx := corralcontext.ErrGroup(ctx)
	loopCtx, stopLoop := corralcontext.WithCancel(gctx)
	defer stopLoop()

	g.Go(func() error {
		defer listener.Close()
		return c.accept(loopCtx, listener)
	})
	g.Go(func() error {
		<-loopCtx.Done()
		_ = listener.Close()
		return nil
	})
	g.Go(func() error {
		defer stopLoop()
		return c.run(loopCtx)
	})
	err := g.Wait()
	c.pool.Stop()
	if closeErr := c.journal.Close(); closeErr != nil {
		ctx.Log.WithError(closeErr).Warn("Unable to close journal")
	}
	if closeErr := c.recorder.Close(); closeErr != nil {
		ctx.Log.WithError(closeErr).Warn("Unable to close accounting sinks")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) now() time.Time {
	return c.clock.Now()
}

func (c *Controller) isOperator(id wire.Identity) bool {
	return c.operators[id.Uid]
}
