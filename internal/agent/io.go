package agent

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/stepio"
)

// Output kept per task for clients that reattach.
const replayLimit = 64 * 1024

type replayFrame struct {
	stream stepio.Stream
	data   []byte
}

// taskIO connects the standard streams of one interactive task to the client's multiplexer.
type taskIO struct {
	taskId uint32
	hello  stepio.InitMessage

	mu         sync.Mutex
	conn       net.Conn
	replay     []replayFrame
	replaySize int
	ended      []stepio.Stream

	stdinMu sync.Mutex
	stdin   *os.File
	stdout  *os.File
	stderr  *os.File
}

// childFiles are the task's ends of its pipes. The agent closes them once the task has started.
type childFiles struct {
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func (c *childFiles) Close() {
	closeFiles(c.stdin, c.stdout, c.stderr)
}

func closeFiles(files ...*os.File) {
	seen := map[*os.File]bool{}
	for _, f := range files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		_ = f.Close()
	}
}

func newTaskIO(taskId uint32, hello stepio.InitMessage) (*taskIO, *childFiles, error) {
	var opened []*os.File
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			closeFiles(opened...)
			return nil, nil, corralerrors.Newf(corralerrors.CodeForkFailed, "creating pipe: %v", err)
		}
		opened = append(opened, r, w)
		return r, w, nil
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, nil, err
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		return nil, nil, err
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		return nil, nil, err
	}
	tio := &taskIO{
		taskId: taskId,
		hello:  hello,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}
	return tio, &childFiles{stdin: stdinR, stdout: stdoutW, stderr: stderrW}, nil
}

// start forwards the task's output until the task closes it.
func (tio *taskIO) start() {
	go tio.forward(stepio.Stdout, tio.stdout)
	go tio.forward(stepio.Stderr, tio.stderr)
}

func (tio *taskIO) forward(stream stepio.Stream, r *os.File) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tio.output(stream, append([]byte{}, buf[:n]...))
		}
		if err != nil {
			// An empty frame tells the client the stream has ended.
			tio.output(stream, []byte{})
			return
		}
	}
}

func (tio *taskIO) output(stream stepio.Stream, data []byte) {
	tio.mu.Lock()
	defer tio.mu.Unlock()
	tio.remember(stream, data)
	if tio.conn == nil {
		return
	}
	if err := stepio.WriteFrame(tio.conn, tio.taskId, stream, data); err != nil {
		log.WithError(err).Debugf("Lost client connection of task %d of %d.%d", tio.taskId, tio.hello.JobId, tio.hello.StepId)
		_ = tio.conn.Close()
		tio.conn = nil
	}
}

// remember appends to the replay buffer, dropping the oldest output beyond replayLimit. Callers hold mu.
func (tio *taskIO) remember(stream stepio.Stream, data []byte) {
	if len(data) == 0 {
		tio.ended = append(tio.ended, stream)
		return
	}
	tio.replay = append(tio.replay, replayFrame{stream: stream, data: data})
	tio.replaySize += len(data)
	for tio.replaySize > replayLimit && len(tio.replay) > 1 {
		tio.replaySize -= len(tio.replay[0].data)
		tio.replay = tio.replay[1:]
	}
}

// connect opens a connection to the client, replays buffered output and then streams live output. An existing
// connection is replaced.
func (tio *taskIO) connect(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return corralerrors.Newf(corralerrors.CodeConnectionError, "connecting task %d to %s: %v", tio.taskId, addr, err)
	}
	tio.mu.Lock()
	if tio.conn != nil {
		_ = tio.conn.Close()
		tio.conn = nil
	}
	err = stepio.WriteInit(conn, tio.taskId, tio.hello)
	for i := 0; err == nil && i < len(tio.replay); i++ {
		err = stepio.WriteFrame(conn, tio.taskId, tio.replay[i].stream, tio.replay[i].data)
	}
	for i := 0; err == nil && i < len(tio.ended); i++ {
		err = stepio.WriteFrame(conn, tio.taskId, tio.ended[i], nil)
	}
	if err != nil {
		tio.mu.Unlock()
		_ = conn.Close()
		return corralerrors.Newf(corralerrors.CodeConnectionError, "sending output of task %d to %s: %v", tio.taskId, addr, err)
	}
	tio.conn = conn
	tio.mu.Unlock()
	go tio.readStdin(conn)
	return nil
}

// readStdin copies stdin frames from the client to the task until the connection closes.
func (tio *taskIO) readStdin(conn net.Conn) {
	for {
		h, payload, err := stepio.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debugf("Stopped reading stdin of task %d", tio.taskId)
			}
			return
		}
		if h.Stream != stepio.Stdin {
			continue
		}
		if len(payload) == 0 {
			tio.closeStdin()
			continue
		}
		if err := tio.writeStdin(payload); err != nil {
			log.WithError(err).Debugf("Task %d no longer reads stdin", tio.taskId)
		}
	}
}

func (tio *taskIO) writeStdin(data []byte) error {
	tio.stdinMu.Lock()
	defer tio.stdinMu.Unlock()
	if tio.stdin == nil {
		return errors.New("stdin is closed")
	}
	_, err := tio.stdin.Write(data)
	return errors.WithStack(err)
}

func (tio *taskIO) closeStdin() {
	tio.stdinMu.Lock()
	defer tio.stdinMu.Unlock()
	if tio.stdin != nil {
		_ = tio.stdin.Close()
		tio.stdin = nil
	}
}

// close ends the client connection and the task's stdin.
func (tio *taskIO) close() {
	tio.mu.Lock()
	if tio.conn != nil {
		_ = tio.conn.Close()
		tio.conn = nil
	}
	tio.mu.Unlock()
	tio.closeStdin()
}
