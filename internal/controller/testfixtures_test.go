package controller

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/accounting"
	"github.com/armadaproject/corral/internal/controller/locks"
	"github.com/armadaproject/corral/internal/cred"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 10 * time.Second
	pollFor = 10 * time.Millisecond
)

// fakeAgent answers controller messages the way a node agent does, without running anything. Launches
// are checked against the real credential verifier.
type fakeAgent struct {
	name     string
	listener net.Listener
	verifier *cred.Verifier
	mu       sync.Mutex
	// Flip a byte of every launch credential before checking it.
	corrupt  bool
	received chan wire.Message
}

func newFakeAgent(t *testing.T, name string, pub ed25519.PublicKey) *fakeAgent {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	revoked, err := cred.NewRevocationSet(100, time.Hour)
	require.NoError(t, err)
	a := &fakeAgent{
		name:     name,
		listener: listener,
		verifier: cred.NewVerifier(pub, nil, slurmconf.Defaults().CredentialLifetime, revoked),
		received: make(chan wire.Message, 256),
	}
	go a.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return a
}

func (a *fakeAgent) port() uint16 {
	return uint16(a.listener.Addr().(*net.TCPAddr).Port)
}

func (a *fakeAgent) setCorrupt(corrupt bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrupt = corrupt
}

func (a *fakeAgent) serve() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.serveConn(conn)
	}
}

func (a *fakeAgent) serveConn(conn net.Conn) {
	defer conn.Close()
	frame, err := wire.Recv(conn, time.Now().Add(waitFor))
	if err != nil {
		return
	}
	resp := a.handle(frame.Msg)
	select {
	case a.received <- frame.Msg:
	default:
	}
	if frame.NoResponse() {
		return
	}
	_ = wire.Reply(conn, wire.NoneAuthenticator{}, wire.CurrentIdentity(), resp, time.Now(), waitFor)
}

func (a *fakeAgent) handle(msg wire.Message) wire.Message {
	switch m := msg.(type) {
	case *wire.BatchJobLaunch:
		return a.launch(m.JobId, m.StepId, m.Credential, m.ControllerTime)
	case *wire.LaunchTasks:
		return a.launch(m.JobId, m.StepId, m.Credential, m.ControllerTime)
	case *wire.RevokeCredential:
		a.verifier.Revocations().Revoke(m.JobId, m.StepId, m.Time)
	}
	return wire.ReturnCodeFor(nil)
}

func (a *fakeAgent) launch(jobId, stepId uint32, credential []byte, now time.Time) wire.Message {
	a.mu.Lock()
	raw := append([]byte(nil), credential...)
	if a.corrupt && len(raw) > 0 {
		raw[len(raw)-1] ^= 0xff
	}
	a.mu.Unlock()
	resp := &wire.LaunchResponse{JobId: jobId, StepId: stepId, NodeName: a.name, Pids: []uint32{4242}}
	if _, err := a.verifier.Validate(raw, a.name, now); err != nil {
		resp.ReturnCode = uint32(corralerrors.CodeFromError(err))
		resp.Pids = nil
	}
	return resp
}

// next returns the next message of the given kind, skipping others.
func (a *fakeAgent) next(t *testing.T, kind wire.MessageKind) wire.Message {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg := <-a.received:
			if msg.Kind() == kind {
				return msg
			}
		case <-timeout:
			require.FailNowf(t, "no message", "%s never received %s", a.name, kind)
			return nil
		}
	}
}

// captureSink is an accounting sink that keeps every record in memory.
type captureSink struct {
	mu      sync.Mutex
	records []*accounting.JobRecord
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ *corralcontext.Context, rec *accounting.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) forJob(id uint32) []*accounting.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*accounting.JobRecord
	for _, rec := range s.records {
		if rec.JobId == id {
			out = append(out, rec)
		}
	}
	return out
}

// testCluster runs a controller on a loopback listener with one fake agent per node.
type testCluster struct {
	configPath string
	config     *slurmconf.Config
	clock      *clock.FakeClock
	sink       *captureSink
	agents     map[string]*fakeAgent
	dialer     *wire.Dialer
	user       *wire.Dialer
	ctl        *Controller
	addr       string
	cancel     context.CancelFunc
	done       chan error
}

// newTestCluster starts a controller managing the named nodes, all with 4 CPUs and in partition
// "default". extra is appended to the configuration file.
func newTestCluster(t *testing.T, extra string, nodes ...string) *testCluster {
	dir := t.TempDir()
	privPem, pubPem, err := cred.GenerateKeyPEM()
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "cred.key")
	pubPath := filepath.Join(dir, "cred.pub")
	require.NoError(t, os.WriteFile(keyPath, privPem, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPem, 0o644))
	pub, err := cred.LoadPublicKey(pubPath)
	require.NoError(t, err)

	dialer := wire.NewDialer(wire.NoneAuthenticator{}, waitFor)
	user := wire.NewDialer(wire.NoneAuthenticator{}, waitFor)
	user.Identity = wire.Identity{Uid: dialer.Identity.Uid + 4242, Gid: 4242}

	c := &testCluster{
		clock:  clock.NewFakeClock(testStart),
		sink:   &captureSink{},
		agents: map[string]*fakeAgent{},
		dialer: dialer,
		user:   user,
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ClusterName=test ControlMachine=127.0.0.1 SlurmctldPort=6817\n")
	fmt.Fprintf(&b, "StateSaveLocation=%s SlurmdSpoolDir=%s\n", filepath.Join(dir, "state"), filepath.Join(dir, "spool"))
	fmt.Fprintf(&b, "JobCredentialPrivateKey=%s JobCredentialPublicCertificate=%s\n", keyPath, pubPath)
	fmt.Fprintf(&b, "SlurmUser=%d SchedulerType=sched/builtin\n", dialer.Identity.Uid)
	for _, name := range nodes {
		agent := newFakeAgent(t, name, pub)
		c.agents[name] = agent
		fmt.Fprintf(&b, "NodeName=%s NodeAddr=127.0.0.1 Port=%d CPUs=4 RealMemory=1000\n", name, agent.port())
	}
	fmt.Fprintf(&b, "PartitionName=default Nodes=%s Default=YES MaxTime=60\n", strings.Join(nodes, ","))
	b.WriteString(extra)

	c.configPath = filepath.Join(dir, "corral.conf")
	require.NoError(t, os.WriteFile(c.configPath, []byte(b.String()), 0o644))
	c.config, err = slurmconf.Load(c.configPath)
	require.NoError(t, err)

	c.start(t)
	t.Cleanup(func() { c.stop(t) })
	return c
}

func (c *testCluster) start(t *testing.T) {
	ctx := corralcontext.Background()
	ctl, err := New(ctx, c.config, c.configPath, WithClock(c.clock), WithRecorder(accounting.NewRecorder(c.sink)))
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveCtx, cancel := corralcontext.WithCancel(ctx)
	c.ctl = ctl
	c.addr = listener.Addr().String()
	c.cancel = cancel
	c.done = make(chan error, 1)
	go func() {
		c.done <- ctl.Serve(serveCtx, listener)
	}()
}

func (c *testCluster) stop(t *testing.T) {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	select {
	case err := <-c.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "controller did not stop")
	}
}

// restart stops the controller and starts a new one on the same state directory.
func (c *testCluster) restart(t *testing.T) {
	c.stop(t)
	c.start(t)
}

func (c *testCluster) call(msg wire.Message) (wire.Message, error) {
	return c.dialer.Call(context.Background(), c.addr, msg)
}

func (c *testCluster) callAs(d *wire.Dialer, msg wire.Message) (wire.Message, error) {
	return d.Call(context.Background(), c.addr, msg)
}

// register sends a registration for the node as its agent would, reporting the given steps.
func (c *testCluster) register(t *testing.T, node string, steps ...wire.StepRef) {
	t.Helper()
	_, err := c.call(&wire.NodeRegistration{
		NodeName:     node,
		Startup:      true,
		BootId:       "boot-" + node,
		Cpus:         4,
		RealMemoryMB: 1000,
		FreeMemoryMB: 800,
		Steps:        steps,
	})
	require.NoError(t, err)
}

func (c *testCluster) registerAll(t *testing.T) {
	for name := range c.agents {
		c.register(t, name)
	}
}

func testJob(mutate func(*api.JobDescriptor)) api.JobDescriptor {
	d := api.JobDescriptor{
		Name:        "test",
		MinNodes:    1,
		MaxNodes:    1,
		NumTasks:    1,
		CpusPerTask: 1,
		TimeLimit:   5,
		WorkDir:     "/tmp",
		Argv:        []string{"/bin/true"},
		Script:      "#!/bin/sh\n/bin/true\n",
	}
	if mutate != nil {
		mutate(&d)
	}
	return d
}

func (c *testCluster) submit(t *testing.T, mutate func(*api.JobDescriptor)) uint32 {
	t.Helper()
	resp, err := c.call(&wire.SubmitBatchJob{Job: testJob(mutate)})
	require.NoError(t, err)
	submitted, ok := resp.(*wire.SubmitResponse)
	require.True(t, ok, "unexpected response %s", resp.Kind())
	require.NotZero(t, submitted.JobId)
	return submitted.JobId
}

func (c *testCluster) job(t *testing.T, id uint32) api.JobInfo {
	t.Helper()
	resp, err := c.call(&wire.LoadJobs{JobId: id, WithSteps: true})
	require.NoError(t, err)
	jobs := resp.(*wire.JobInfoResponse).Jobs
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (c *testCluster) node(t *testing.T, name string) api.NodeInfo {
	t.Helper()
	resp, err := c.call(&wire.LoadNodes{Names: name})
	require.NoError(t, err)
	nodes := resp.(*wire.NodeInfoResponse).Nodes
	require.Len(t, nodes, 1)
	return nodes[0]
}

func (c *testCluster) waitForJob(t *testing.T, id uint32, state api.JobState) api.JobInfo {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.job(t, id).State == state
	}, waitFor, pollFor, "job %d never reached %s", id, state)
	return c.job(t, id)
}

func (c *testCluster) waitForNode(t *testing.T, name string, state api.NodeState) api.NodeInfo {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.node(t, name).State == state
	}, waitFor, pollFor, "node %s never reached %s", name, state)
	return c.node(t, name)
}

// waitForBatchRunning waits until the agent confirmed the launch of a job's batch script.
func (c *testCluster) waitForBatchRunning(t *testing.T, id uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range c.job(t, id).Steps {
			if s.StepId == api.BatchStep && s.State == api.StepRunning {
				return true
			}
		}
		return false
	}, waitFor, pollFor, "batch step of job %d never started", id)
}

// finishBatch reports the batch script of a job exiting on its node and the epilogs that follow.
func (c *testCluster) finishBatch(t *testing.T, id uint32, rc uint32) {
	t.Helper()
	nodes := c.expand(t, c.job(t, id).NodeList)
	_, err := c.call(&wire.StepComplete{JobId: id, StepId: api.BatchStep, NodeName: nodes[0], ReturnCode: rc})
	require.NoError(t, err)
	for _, n := range nodes {
		terminate := c.agents[n].next(t, wire.KindTerminateJob).(*wire.TerminateJob)
		require.Equal(t, id, terminate.JobId)
		c.epilog(t, id, n, 0)
	}
}

func (c *testCluster) epilog(t *testing.T, id uint32, node string, rc uint32) {
	t.Helper()
	_, err := c.call(&wire.EpilogComplete{JobId: id, NodeName: node, ReturnCode: rc})
	require.NoError(t, err)
}

func (c *testCluster) expand(t *testing.T, hostList string) []string {
	unlock := c.ctl.locks.Lock(locks.ReadAll)
	defer unlock()
	bs, err := c.ctl.nodeDb.BitSetFromHostList(hostList)
	require.NoError(t, err)
	return c.ctl.nodeDb.Names(bs)
}

// checkInvariant compares node counts with job allocations under the controller's read lock.
func (c *testCluster) checkInvariant(t *testing.T) {
	unlock := c.ctl.locks.Lock(locks.ReadAll)
	defer unlock()
	require.NoError(t, c.ctl.checkInvariant())
}

// tick advances the fake clock, which fires the controller's periodic duties once.
func (c *testCluster) tick(d time.Duration) {
	c.clock.Step(d)
}
