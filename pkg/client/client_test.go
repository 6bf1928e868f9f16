package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

const testTimeout = 5 * time.Second

// fakeServer answers every request with the result of handle.
type fakeServer struct {
	listener net.Listener
	handle   func(wire.Message) wire.Message
	requests atomic.Int32
}

func newFakeServer(t *testing.T, handle func(wire.Message) wire.Message) *fakeServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{listener: listener, handle: handle}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			frame, err := wire.Recv(conn, time.Now().Add(testTimeout))
			if err != nil {
				return
			}
			s.requests.Add(1)
			_ = wire.Reply(conn, wire.NoneAuthenticator{}, wire.CurrentIdentity(), s.handle(frame.Msg), time.Now(), testTimeout)
		}()
	}
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func newTestClient(addrs ...string) *Client {
	return NewWithDialer(wire.NewDialer(wire.NoneAuthenticator{}, testTimeout), addrs, WithRetries(3, time.Millisecond))
}

func acknowledgeAll(wire.Message) wire.Message {
	return wire.ReturnCodeFor(nil)
}

func TestClient_TypedResponses(t *testing.T) {
	server := newFakeServer(t, func(msg wire.Message) wire.Message {
		switch m := msg.(type) {
		case *wire.SubmitBatchJob:
			return &wire.SubmitResponse{JobId: 42, State: api.JobPending, Reason: m.Job.Name}
		case *wire.LoadNodes:
			return &wire.NodeInfoResponse{Nodes: []api.NodeInfo{{Name: m.Names}}}
		case *wire.JobAllocationInfo:
			return &wire.AllocationResponse{JobId: m.JobId, State: api.JobRunning, NodeList: "n[1-2]"}
		}
		return wire.ReturnCodeFor(nil)
	})
	c := newTestClient(server.addr())
	ctx := context.Background()

	submitted, err := c.Submit(ctx, api.JobDescriptor{Name: "hello", Script: "#!/bin/sh\n"})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), submitted.JobId)
	assert.Equal(t, "hello", submitted.Reason)

	nodes, err := c.LoadNodes(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "n1", nodes.Nodes[0].Name)

	alloc, err := c.WaitForAllocation(ctx, 7, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "n[1-2]", alloc.NodeList)

	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Cancel(ctx, 7, api.AllSteps, 0))
	assert.NoError(t, c.Reconfigure(ctx))
}

func TestClient_UnexpectedResponse(t *testing.T) {
	server := newFakeServer(t, acknowledgeAll)
	c := newTestClient(server.addr())

	_, err := c.LoadPartitions(context.Background(), "")
	assert.True(t, corralerrors.IsCode(err, corralerrors.CodeUnexpectedMessage), "unexpected error %v", err)
}

func TestClient_Retries(t *testing.T) {
	tests := map[string]struct {
		reply            *wire.ReturnCode
		primaryDown      bool
		expectedCode     corralerrors.Code
		expectedRequests int32
	}{
		"falls over to the backup": {
			reply:            wire.ReturnCodeFor(nil),
			primaryDown:      true,
			expectedCode:     corralerrors.Success,
			expectedRequests: 1,
		},
		"retries a controller that is shutting down": {
			reply:            wire.ReturnCodeFor(corralerrors.New(corralerrors.CodeShuttingDown, "bye")),
			expectedCode:     corralerrors.CodeShuttingDown,
			expectedRequests: 3,
		},
		"does not retry a refusal": {
			reply:            wire.ReturnCodeFor(corralerrors.New(corralerrors.CodeAccessDenied, "no")),
			expectedCode:     corralerrors.CodeAccessDenied,
			expectedRequests: 1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			server := newFakeServer(t, func(wire.Message) wire.Message { return tc.reply })
			addrs := []string{server.addr()}
			if tc.primaryDown {
				addrs = []string{closedAddr(t), server.addr()}
			}
			c := newTestClient(addrs...)

			err := c.Complete(context.Background(), 3, 0)
			assert.Equal(t, tc.expectedCode, corralerrors.CodeFromError(err), "unexpected error %v", err)
			assert.Equal(t, tc.expectedRequests, server.requests.Load())
		})
	}
}

func TestClient_PingIsNotRetried(t *testing.T) {
	c := newTestClient(closedAddr(t))
	err := c.Ping(context.Background())
	assert.True(t, corralerrors.IsCode(err, corralerrors.CodeConnectionError), "unexpected error %v", err)
}

func TestClient_Step(t *testing.T) {
	server := newFakeServer(t, func(msg wire.Message) wire.Message {
		m := msg.(*wire.LoadJobs)
		if !m.WithSteps {
			return wire.ReturnCodeFor(corralerrors.New(corralerrors.CodeInvalidArgument, "steps not requested"))
		}
		return &wire.JobInfoResponse{Jobs: []api.JobInfo{{
			JobId: m.JobId,
			Steps: []api.StepInfo{
				{JobId: m.JobId, StepId: 0, State: api.StepDone, ExitCode: 1 << 8},
				{JobId: m.JobId, StepId: 1, State: api.StepRunning},
			},
		}}}
	})
	c := newTestClient(server.addr())

	step, err := c.Step(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, api.StepDone, step.State)
	assert.Equal(t, uint32(1<<8), step.ExitCode)

	_, err = c.Step(context.Background(), 5, 9)
	assert.True(t, corralerrors.IsCode(err, corralerrors.CodeUnknownStep))
}

func TestClient_WaitForAllocation_JobEnded(t *testing.T) {
	server := newFakeServer(t, func(msg wire.Message) wire.Message {
		return &wire.AllocationResponse{JobId: msg.(*wire.JobAllocationInfo).JobId, State: api.JobCancelled}
	})
	c := newTestClient(server.addr())

	_, err := c.WaitForAllocation(context.Background(), 8, time.Millisecond)
	assert.True(t, corralerrors.IsCode(err, corralerrors.CodeAlreadyDone), "unexpected error %v", err)
}
