package stepio

import (
	"context"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

const initTimeout = 10 * time.Second

type Option func(*Multiplexer)

// WithLabels prefixes every output line with "[id] ".
func WithLabels() Option {
	return func(m *Multiplexer) {
		m.labelled = true
	}
}

// ForStep rejects connections that belong to any other step.
func ForStep(jobId, stepId uint32) Option {
	return func(m *Multiplexer) {
		m.step = &InitMessage{JobId: jobId, StepId: stepId}
	}
}

// Multiplexer accepts task connections from node agents, writes their output to the client's stdout and
// stderr and queues stdin for them.
type Multiplexer struct {
	listener net.Listener
	stdout   io.Writer
	stderr   io.Writer
	labelled bool
	step     *InitMessage

	// Serializes writes to stdout and stderr.
	outMu sync.Mutex

	mu    sync.Mutex
	tasks map[uint32]*taskStream
	// Closed and replaced whenever task state changes.
	changed chan struct{}
	closed  bool
}

type taskStream struct {
	id   uint32
	node string
	conn net.Conn
	eof  map[Stream]bool
	// Whether the next byte written for a stream starts a line.
	lineStart map[Stream]bool
	// Pending stdin; a nil entry is end of stream.
	queue  [][]byte
	queued int
	wake   chan struct{}
}

func NewMultiplexer(listener net.Listener, stdout, stderr io.Writer, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		listener: listener,
		stdout:   stdout,
		stderr:   stderr,
		tasks:    map[uint32]*taskStream{},
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Addr is the address agents are told to connect to.
func (m *Multiplexer) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Serve accepts task connections until ctx is cancelled or Close is called.
func (m *Multiplexer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.Close()
	}()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.isClosed() || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.WithStack(err)
		}
		go m.ServeConn(conn)
	}
}

// ServeConn handles one task connection until it is closed. A task that connects again replaces its earlier
// connection.
func (m *Multiplexer) ServeConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(initTimeout))
	h, payload, err := ReadFrame(conn)
	if err != nil {
		log.WithError(err).Debugf("Dropping task connection from %s", conn.RemoteAddr())
		return
	}
	if h.Stream != Init {
		log.Warnf("Task connection from %s opened with a %s frame", conn.RemoteAddr(), h.Stream)
		return
	}
	hello, err := UnmarshalInit(payload)
	if err != nil {
		log.WithError(err).Warnf("Bad init frame from %s", conn.RemoteAddr())
		return
	}
	if m.step != nil && (hello.JobId != m.step.JobId || hello.StepId != m.step.StepId) {
		log.Warnf("Task connection from %s is for %d.%d, not %d.%d", conn.RemoteAddr(), hello.JobId, hello.StepId, m.step.JobId, m.step.StepId)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	t, wake := m.attach(h.TaskId, hello.NodeName, conn)
	if t == nil {
		return
	}
	go m.writeStdin(t, conn, wake)
	for {
		h, payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !m.isClosed() {
				log.WithError(err).Debugf("Lost connection of task %d on %s", t.id, t.node)
			}
			break
		}
		switch h.Stream {
		case Stdout, Stderr:
			if len(payload) == 0 {
				m.markEOF(t, h.Stream)
				continue
			}
			m.emit(t, h.Stream, payload)
		default:
			log.Warnf("Ignoring %s frame from task %d", h.Stream, t.id)
		}
	}
	m.detach(t, conn)
}

func (m *Multiplexer) attach(taskId uint32, node string, conn net.Conn) (*taskStream, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil
	}
	t, ok := m.tasks[taskId]
	if !ok {
		t = &taskStream{
			id:        taskId,
			eof:       map[Stream]bool{},
			lineStart: map[Stream]bool{Stdout: true, Stderr: true},
		}
		m.tasks[taskId] = t
	} else if t.conn != nil {
		_ = t.conn.Close()
		close(t.wake)
	}
	t.node = node
	t.conn = conn
	t.queue = nil
	t.queued = 0
	t.wake = make(chan struct{}, 1)
	m.notify()
	return t, t.wake
}

func (m *Multiplexer) detach(t *taskStream, conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.conn != conn {
		return
	}
	t.conn = nil
	t.queue = nil
	t.queued = 0
	close(t.wake)
	m.notify()
}

// notify wakes everything waiting for a state change. Callers hold mu.
func (m *Multiplexer) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Multiplexer) markEOF(t *taskStream, stream Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.eof[stream] = true
	m.notify()
}

func (m *Multiplexer) emit(t *taskStream, stream Stream, payload []byte) {
	out := m.stdout
	if stream == Stderr {
		out = m.stderr
	}
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if !m.labelled {
		_, _ = out.Write(payload)
		return
	}
	label := []byte("[" + strconv.FormatUint(uint64(t.id), 10) + "] ")
	var buf []byte
	for _, b := range payload {
		if t.lineStart[stream] {
			buf = append(buf, label...)
		}
		buf = append(buf, b)
		t.lineStart[stream] = b == '\n'
	}
	_, _ = out.Write(buf)
}

// writeStdin drains the stdin queue of one connection.
func (m *Multiplexer) writeStdin(t *taskStream, conn net.Conn, wake chan struct{}) {
	for range wake {
		for {
			m.mu.Lock()
			if t.conn != conn || len(t.queue) == 0 {
				m.mu.Unlock()
				break
			}
			data := t.queue[0]
			t.queue = t.queue[1:]
			m.mu.Unlock()

			err := WriteFrame(conn, t.id, Stdin, data)

			m.mu.Lock()
			if t.conn == conn {
				t.queued -= len(data)
				m.notify()
			}
			m.mu.Unlock()
			if err != nil {
				log.WithError(err).Debugf("Unable to send stdin to task %d", t.id)
				_ = conn.Close()
				return
			}
		}
	}
}

// Enqueue queues stdin for one task, or every connected task when taskId is AllTasks. A nil data closes
// stdin. It returns the number of tasks the data was queued for.
func (m *Multiplexer) Enqueue(taskId uint32, data []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.conn == nil || (taskId != AllTasks && id != taskId) {
			continue
		}
		var item []byte
		if data != nil {
			item = append([]byte{}, data...)
		}
		t.queue = append(t.queue, item)
		t.queued += len(item)
		select {
		case t.wake <- struct{}{}:
		default:
		}
		n++
	}
	return n
}

// Buffered returns the largest number of stdin bytes queued for any one connection.
func (m *Multiplexer) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	most := 0
	for _, t := range m.tasks {
		if t.queued > most {
			most = t.queued
		}
	}
	return most
}

// Tasks returns the ids of every task that has connected, in order.
func (m *Multiplexer) Tasks() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Multiplexer) wait(ctx context.Context, done func() bool) error {
	for {
		m.mu.Lock()
		if done() {
			m.mu.Unlock()
			return nil
		}
		if m.closed {
			m.mu.Unlock()
			return corralerrors.New(corralerrors.CodeConnectionError, "multiplexer closed")
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}

// WaitConnected returns once n tasks are connected.
func (m *Multiplexer) WaitConnected(ctx context.Context, n int) error {
	return m.wait(ctx, func() bool {
		connected := 0
		for _, t := range m.tasks {
			if t.conn != nil {
				connected++
			}
		}
		return connected >= n
	})
}

// WaitTasks returns once n tasks have closed both stdout and stderr.
func (m *Multiplexer) WaitTasks(ctx context.Context, n int) error {
	return m.wait(ctx, func() bool {
		finished := 0
		for _, t := range m.tasks {
			if t.eof[Stdout] && t.eof[Stderr] {
				finished++
			}
		}
		return finished >= n
	})
}

func (m *Multiplexer) waitDrained(ctx context.Context, highWaterMark int) error {
	return m.wait(ctx, func() bool {
		for _, t := range m.tasks {
			if t.queued > highWaterMark {
				return false
			}
		}
		return true
	})
}

func (m *Multiplexer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops accepting connections and closes every task connection.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.listener != nil {
		_ = m.listener.Close()
	}
	for _, t := range m.tasks {
		if t.conn != nil {
			_ = t.conn.Close()
		}
	}
	m.notify()
}
