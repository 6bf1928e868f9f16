package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/cred"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	waitFor  = 10 * time.Second
	pollFor  = 10 * time.Millisecond
	killWait = 200 * time.Millisecond
	nodeName = "n1"
)

// fakeController records every message agents send it and acknowledges them.
type fakeController struct {
	listener net.Listener
	received chan wire.Message
	// Messages skipped by next, kept for later calls.
	pending []wire.Message
	mu      sync.Mutex
	// While set, messages are read and dropped without a reply.
	unavailable bool
}

func newFakeController(t *testing.T) *fakeController {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c := &fakeController{listener: listener, received: make(chan wire.Message, 256)}
	go c.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return c
}

func (c *fakeController) port() uint16 {
	return uint16(c.listener.Addr().(*net.TCPAddr).Port)
}

func (c *fakeController) setUnavailable(unavailable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = unavailable
}

func (c *fakeController) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.serveConn(conn)
	}
}

func (c *fakeController) serveConn(conn net.Conn) {
	defer conn.Close()
	frame, err := wire.Recv(conn, time.Now().Add(waitFor))
	if err != nil {
		return
	}
	c.mu.Lock()
	unavailable := c.unavailable
	c.mu.Unlock()
	if unavailable {
		return
	}
	select {
	case c.received <- frame.Msg:
	default:
	}
	if frame.NoResponse() {
		return
	}
	_ = wire.Reply(conn, wire.NoneAuthenticator{}, wire.CurrentIdentity(), wire.ReturnCodeFor(nil), time.Now(), waitFor)
}

// next returns the oldest message of the given kind not yet returned.
func (c *fakeController) next(t *testing.T, kind wire.MessageKind) wire.Message {
	t.Helper()
	for i, msg := range c.pending {
		if msg.Kind() == kind {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}
	timeout := time.After(waitFor)
	for {
		select {
		case msg := <-c.received:
			if msg.Kind() == kind {
				return msg
			}
			c.pending = append(c.pending, msg)
		case <-timeout:
			require.FailNowf(t, "no message", "controller never received %s", kind)
			return nil
		}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testAgent runs an agent for node n1 on a loopback listener against a fake controller.
type testAgent struct {
	agent  *Agent
	clock  *clock.FakeClock
	ctl    *fakeController
	signer *cred.Signer
	dialer *wire.Dialer
	user   *wire.Dialer
	addr   string
	dir    string
	cancel context.CancelFunc
	done   chan error
}

func newTestAgent(t *testing.T, mutate func(*slurmconf.Config)) *testAgent {
	dir := t.TempDir()
	privPem, pubPem, err := cred.GenerateKeyPEM()
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "cred.pub")
	require.NoError(t, os.WriteFile(pubPath, pubPem, 0o644))
	priv, err := cred.ParsePrivateKey(privPem)
	require.NoError(t, err)

	ctl := newFakeController(t)
	dialer := wire.NewDialer(wire.NoneAuthenticator{}, waitFor)
	user := wire.NewDialer(wire.NoneAuthenticator{}, waitFor)
	user.Identity = wire.Identity{Uid: dialer.Identity.Uid + 4242, Gid: 4242}

	config := slurmconf.Defaults()
	config.ClusterName = "test"
	config.ControlMachine = "127.0.0.1"
	config.SlurmctldPort = ctl.port()
	config.SlurmUser = fmt.Sprint(dialer.Identity.Uid)
	config.SlurmdSpoolDir = filepath.Join(dir, "spool")
	config.JobCredentialPublicCertificate = pubPath
	config.KillWait = killWait
	config.HeartbeatInterval = time.Hour
	config.Nodes = []slurmconf.NodeConfig{{NodeName: nodeName, CPUs: 2, RealMemory: 100}}
	// Tasks are started by the test binary itself rather than through a corrald helper.
	config.TaskSpawnType = slurmconf.SpawnDirect
	if mutate != nil {
		mutate(&config)
	}

	fakeClock := clock.NewFakeClock(time.Now())
	agent, err := New(&config, nodeName, WithClock(fakeClock), WithSystemInfo(func() (SystemInfo, error) {
		return SystemInfo{Cpus: 2, RealMemoryMB: 100, FreeMemoryMB: 50, Load: [3]uint32{25, 50, 75}, BootId: "boot-1"}, nil
	}))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := corralcontext.WithCancel(corralcontext.Background())
	ta := &testAgent{
		agent:  agent,
		clock:  fakeClock,
		ctl:    ctl,
		signer: cred.NewSigner(priv, config.CredentialLifetime),
		dialer: dialer,
		user:   user,
		addr:   listener.Addr().String(),
		dir:    dir,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		ta.done <- agent.Serve(ctx, listener)
	}()
	t.Cleanup(func() { ta.stop(t) })
	// The startup registration shows the agent is serving.
	ctl.next(t, wire.KindNodeRegistration)
	return ta
}

func (ta *testAgent) stop(t *testing.T) {
	for _, s := range ta.agent.steps.All() {
		_ = s.signal(unix.SIGKILL)
	}
	if ta.cancel == nil {
		return
	}
	ta.cancel()
	ta.cancel = nil
	select {
	case err := <-ta.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "agent did not stop")
	}
}

func (ta *testAgent) call(msg wire.Message) (wire.Message, error) {
	return ta.dialer.Call(context.Background(), ta.addr, msg)
}

func (ta *testAgent) launch(t *testing.T, msg wire.Message) *wire.LaunchResponse {
	t.Helper()
	resp, err := ta.call(msg)
	require.NoError(t, err)
	launched, ok := resp.(*wire.LaunchResponse)
	require.True(t, ok, "unexpected response %s", resp.Kind())
	return launched
}

// credential mints a credential for the current user valid on the given nodes, or n1.
func (ta *testAgent) credential(jobId, stepId uint32, nodes ...string) []byte {
	if len(nodes) == 0 {
		nodes = []string{nodeName}
	}
	return ta.signer.Mint(jobId, stepId, ta.dialer.Identity.Uid, nodes, ta.clock.Now()).Marshal()
}

// batch returns a launch of script whose output goes to out-<job>.txt in the test directory.
func (ta *testAgent) batch(jobId uint32, script string) *wire.BatchJobLaunch {
	return &wire.BatchJobLaunch{
		JobId:          jobId,
		StepId:         api.BatchStep,
		UserId:         ta.dialer.Identity.Uid,
		GroupId:        ta.dialer.Identity.Gid,
		JobName:        "test",
		Credential:     ta.credential(jobId, api.BatchStep),
		NodeList:       nodeName,
		NumNodes:       1,
		NumTasks:       1,
		Script:         script,
		Env:            []string{"PATH=" + os.Getenv("PATH")},
		WorkDir:        ta.dir,
		Stdout:         "out-%j.txt",
		ControllerTime: ta.clock.Now(),
	}
}

func (ta *testAgent) interactive(jobId, stepId uint32, tasks uint32, clientAddr string, argv ...string) *wire.LaunchTasks {
	return &wire.LaunchTasks{
		JobId:          jobId,
		StepId:         stepId,
		UserId:         ta.dialer.Identity.Uid,
		GroupId:        ta.dialer.Identity.Gid,
		Credential:     ta.credential(jobId, stepId),
		NodeNames:      []string{nodeName},
		TasksPerNode:   []uint32{tasks},
		Argv:           argv,
		Env:            []string{"PATH=" + os.Getenv("PATH")},
		WorkDir:        ta.dir,
		ClientAddr:     clientAddr,
		ControllerTime: ta.clock.Now(),
	}
}

func (ta *testAgent) output(t *testing.T, jobId uint32) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(ta.dir, fmt.Sprintf("out-%d.txt", jobId)))
	if err != nil {
		return ""
	}
	return string(b)
}

// waitForOutput waits until the batch output of jobId contains s.
func (ta *testAgent) waitForOutput(t *testing.T, jobId uint32, s string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(ta.output(t, jobId), s)
	}, waitFor, pollFor, "output of job %d never contained %q", jobId, s)
}
