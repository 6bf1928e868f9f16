package wire

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
)

var (
	testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uid      = uint32(1000)
	maxNodes = uint32(4)
	upState  = api.PartitionDrain
	features = "gpu,ib"
)

func testJobDescriptor() api.JobDescriptor {
	return api.JobDescriptor{
		Name:        "sim",
		Partition:   "debug",
		UserId:      1000,
		GroupId:     100,
		MinNodes:    1,
		MaxNodes:    2,
		NumTasks:    4,
		CpusPerTask: 1,
		MinMemoryMB: 512,
		Features:    []string{"gpu"},
		ReqNodes:    "n[1-2]",
		TimeLimit:   5,
		WorkDir:     "/home/sim",
		Env:         []string{"A=1"},
		Argv:        []string{"/bin/true"},
		Script:      "#!/bin/sh\n/bin/true\n",
		Stdin:       "/dev/null",
		Stdout:      "out.%j",
		Shared:      true,
		Nice:        -5,
	}
}

// sampleMessages has one populated instance of every registered kind.
func sampleMessages() []Message {
	return []Message{
		&ReturnCode{Code: 2006, Message: "busy"},
		&Ping{},
		&Reconfigure{},
		&Shutdown{Immediate: true},
		&LoadJobs{UpdatedSince: testTime, UserId: &uid, States: []api.JobState{api.JobPending, api.JobRunning}, WithSteps: true},
		&JobInfoResponse{LastUpdate: testTime, Jobs: []api.JobInfo{{
			JobId: 7, Name: "sim", State: api.JobRunning, SubmitTime: testTime, TimeLimit: 5, NodeList: "n1",
			Steps: []api.StepInfo{{JobId: 7, StepId: 0, State: api.StepRunning, NumTasks: 2, NodeList: "n1"}},
		}}},
		&LoadNodes{Names: "n[1-2]"},
		&NodeInfoResponse{LastUpdate: testTime, Nodes: []api.NodeInfo{{Name: "n1", State: api.NodeIdle, Cpus: 4, Features: []string{"gpu"}}}},
		&LoadPartitions{Name: "debug"},
		&PartitionInfoResponse{Partitions: []api.PartitionInfo{{Name: "debug", Nodes: "n[1-2]", MaxTime: 60, Shared: api.SharedYes}}},
		&UpdateNode{Names: "n1", State: api.NodeDraining, Reason: "maintenance", Features: &features},
		&UpdatePartition{Name: "debug", State: &upState, MaxNodes: &maxNodes},
		&SubmitBatchJob{Job: testJobDescriptor()},
		&SubmitResponse{JobId: 7, State: api.JobPending, Reason: "Resources"},
		&AllocateResources{Job: testJobDescriptor()},
		&AllocationResponse{JobId: 7, State: api.JobRunning, NodeList: "n[1-2]", NodeAddrs: []string{"10.0.0.1:6818", "10.0.0.2:6818"}, Cpus: api.EncodeCpuGroups([]uint32{4, 4})},
		&AllocateAndRun{Job: testJobDescriptor(), Step: StepLaunchSpec{NumTasks: 2, Argv: []string{"hostname"}, ClientAddr: "10.0.0.9:4000", Labelled: true}},
		&AllocateAndRunResponse{Allocation: AllocationResponse{JobId: 7, NodeList: "n1"}, Step: StepCreateResponse{JobId: 7, StepId: 0, Credential: []byte{1, 2, 3}}},
		&JobAllocationInfo{JobId: 7},
		&JobStepCreate{JobId: 7, Step: StepLaunchSpec{NumTasks: 1, Argv: []string{"date"}}},
		&StepCreateResponse{JobId: 7, StepId: 1, NodeList: "n1", TasksPerNode: []uint32{1}, Credential: []byte{9}},
		&JobCancel{JobId: 7, StepId: api.AllSteps, Signal: 15},
		&JobComplete{JobId: 7, ReturnCode: 1},
		&StepComplete{JobId: 7, StepId: 1, NodeName: "n1", ReturnCode: 256},
		&LaunchTasks{JobId: 7, StepId: 1, UserId: 1000, Credential: []byte{1}, NodeNames: []string{"n1", "n2"}, TasksPerNode: []uint32{2, 1},
			Argv: []string{"hostname"}, Rlimits: []Rlimit{{Resource: 7, Cur: 1024, Max: 4096}}, ControllerTime: testTime},
		&BatchJobLaunch{JobId: 7, StepId: api.BatchStep, Script: "#!/bin/sh\n", NodeList: "n1", NumNodes: 1, ControllerTime: testTime},
		&LaunchResponse{JobId: 7, StepId: 1, NodeName: "n1", Pids: []uint32{100, 101}},
		&SignalTasks{JobId: 7, StepId: 1, Signal: 2},
		&TerminateJob{JobId: 7, Reason: "cancelled"},
		&RevokeCredential{JobId: 7, StepId: api.AllSteps, Time: testTime},
		&ReattachTasks{JobId: 7, StepId: 1, Credential: []byte{5}, ClientAddr: "10.0.0.9:4001"},
		&ReattachResponse{NodeName: "n1", TaskIds: []uint32{0, 1}, Pids: []uint32{100, 101}, Executable: "hostname"},
		&TaskExit{JobId: 7, StepId: 1, NodeName: "n1", ReturnCode: 0, TaskIds: []uint32{0, 1}},
		&NodeRegistration{NodeName: "n1", Startup: true, BootId: "b", AgentTime: testTime, Cpus: 4, Load: [3]uint32{10, 20, 30},
			Steps: []StepRef{{JobId: 7, StepId: 1}}},
		&RequestNodeRegistration{},
		&EpilogComplete{JobId: 7, NodeName: "n1"},
	}
}

func TestRoundTripEveryKind(t *testing.T) {
	seen := map[MessageKind]bool{}
	for _, msg := range sampleMessages() {
		t.Run(msg.Kind().String(), func(t *testing.T) {
			body, err := Marshal(msg)
			require.NoError(t, err)
			decoded, err := Unmarshal(msg.Kind(), body)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
		seen[msg.Kind()] = true
	}
	for _, kind := range Kinds() {
		assert.True(t, seen[kind], "no sample message for %s", kind)
	}
}

func TestUnmarshal_RejectsMalformedBodies(t *testing.T) {
	body, err := Marshal(&TaskExit{JobId: 7, NodeName: "n1", TaskIds: []uint32{1, 2, 3}})
	require.NoError(t, err)

	for cut := 0; cut < len(body); cut++ {
		_, err := Unmarshal(KindTaskExit, body[:cut])
		require.Error(t, err, "truncated at %d", cut)
		assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(err))
	}

	_, err = Unmarshal(KindTaskExit, append(body, 0))
	assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(err))

	_, err = Unmarshal(MessageKind(9999), nil)
	assert.Equal(t, corralerrors.CodeUnexpectedMessage, corralerrors.CodeFromError(err))
}

func TestUnpacker_HugeCountsDoNotAllocate(t *testing.T) {
	p := NewPacker(8)
	p.PackU32(1 << 30)
	u := NewUnpacker(p.Bytes())
	assert.Nil(t, u.UnpackStringArray())
	assert.Error(t, u.Err())
}

func TestUnmarshalHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Version: ProtocolVersion, Kind: KindPing, AuthLength: 3, BodyLength: 5}
	h.Marshal(buf)
	decoded, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	h.Version = 0x2100
	h.Marshal(buf)
	_, err = UnmarshalHeader(buf)
	assert.Equal(t, corralerrors.CodeVersionMismatch, corralerrors.CodeFromError(err))

	h.Version = ProtocolVersion
	h.BodyLength = MaxMessageSize + 1
	h.Marshal(buf)
	_, err = UnmarshalHeader(buf)
	assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(err))
}

func TestSendRecv(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := &JobCancel{JobId: 3, StepId: api.AllSteps, Signal: 9}
	go func() {
		_ = Send(client, msg, []byte("cred"), FlagNoResponse, time.Now().Add(5*time.Second))
	}()
	frame, err := Recv(server, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, msg, frame.Msg)
	assert.Equal(t, []byte("cred"), frame.Auth)
	assert.True(t, frame.NoResponse())
	body, err := Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(body)), frame.Header.BodyLength)
}

func TestPackString_Limit(t *testing.T) {
	tests := map[string]struct {
		length  int
		wantErr bool
	}{
		"empty":         {length: 0},
		"at the limit":  {length: api.MaxStringLength},
		"one byte over": {length: api.MaxStringLength + 1, wantErr: true},
		"far beyond it": {length: 70000, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := strings.Repeat("é", tc.length/2) + strings.Repeat("x", tc.length%2)
			p := NewPacker(16)
			p.PackString(s)
			if tc.wantErr {
				assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(p.Err()))
				return
			}
			require.NoError(t, p.Err())
			u := NewUnpacker(p.Bytes())
			assert.Equal(t, s, u.UnpackString())
			assert.NoError(t, u.Finish())
		})
	}
}

func TestSend_OversizedFieldIsRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := &NodeRegistration{NodeName: strings.Repeat("n", 70000)}
	_, err := Marshal(msg)
	assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(err))

	// Nothing is written, so the send fails without a reader on the other end.
	err = Send(client, msg, nil, 0, time.Now().Add(time.Second))
	assert.Equal(t, corralerrors.CodeProtocolError, corralerrors.CodeFromError(err))
}

func TestRecv_Timeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	_, err := Recv(server, time.Now().Add(20*time.Millisecond))
	assert.Equal(t, corralerrors.CodeTimeout, corralerrors.CodeFromError(err))
}

func TestHmacAuthenticator(t *testing.T) {
	auth, err := NewHmacAuthenticator([]byte("0123456789abcdef0123"), time.Minute)
	require.NoError(t, err)
	id := Identity{Uid: 1000, Gid: 100, Groups: []uint32{100, 10}}

	cred, err := auth.Create(id, testTime)
	require.NoError(t, err)
	verified, err := auth.Verify(cred, testTime.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, id, verified)

	_, err = auth.Verify(cred, testTime.Add(2*time.Minute))
	assert.Equal(t, corralerrors.CodeAuthenticationError, corralerrors.CodeFromError(err))

	tampered := append([]byte(nil), cred...)
	tampered[3] ^= 0xff
	_, err = auth.Verify(tampered, testTime)
	assert.Equal(t, corralerrors.CodeAuthenticationError, corralerrors.CodeFromError(err))

	other, err := NewHmacAuthenticator([]byte("fedcba9876543210fedc"), time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(cred, testTime)
	assert.Error(t, err)

	_, err = NewHmacAuthenticator([]byte("short"), time.Minute)
	assert.Error(t, err)
}

func serveOnce(t *testing.T, respond func(frame *Frame) Message) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := Recv(conn, time.Now().Add(5*time.Second))
		if err != nil {
			return
		}
		_ = Reply(conn, NoneAuthenticator{}, Identity{}, respond(frame), time.Now(), 5*time.Second)
	}()
	return listener.Addr().String()
}

func TestDialerCall(t *testing.T) {
	addr := serveOnce(t, func(frame *Frame) Message {
		req := frame.Msg.(*JobAllocationInfo)
		return &AllocationResponse{JobId: req.JobId, NodeList: "n1"}
	})
	d := NewDialer(NoneAuthenticator{}, time.Second)
	resp, err := CallExpect[*AllocationResponse](context.Background(), d, addr, &JobAllocationInfo{JobId: 42})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resp.JobId)
}

func TestDialerCall_ReturnCodeBecomesError(t *testing.T) {
	addr := serveOnce(t, func(*Frame) Message {
		return ReturnCodeFor(corralerrors.New(corralerrors.CodeNodesBusy, "no idle nodes"))
	})
	d := NewDialer(NoneAuthenticator{}, time.Second)
	_, err := d.Call(context.Background(), addr, &Ping{})
	assert.Equal(t, corralerrors.CodeNodesBusy, corralerrors.CodeFromError(err))
}

func TestDialerCall_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	d := NewDialer(NoneAuthenticator{}, time.Second)
	_, err = d.Call(context.Background(), addr, &Ping{})
	assert.Equal(t, corralerrors.CodeConnectionError, corralerrors.CodeFromError(err))
}

func TestTaskOffset(t *testing.T) {
	m := &LaunchTasks{NodeNames: []string{"a", "b", "c"}, TasksPerNode: []uint32{2, 3, 1}}
	first, count := m.TaskOffset(2)
	assert.Equal(t, uint32(5), first)
	assert.Equal(t, uint32(1), count)
}
