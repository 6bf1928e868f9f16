package stepio

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

const (
	DefaultHighWaterMark = 64 * 1024
	readSize             = 4096
)

// StdinPump copies the client's input to the stdin of step tasks.
type StdinPump struct {
	Mux *Multiplexer
	// A task id, or AllTasks to broadcast.
	Target uint32
	// Reading stops while any connection has more than this many bytes queued.
	HighWaterMark int
	// Connections to wait for before the first read.
	Tasks int
}

// Run pumps input until it ends, then closes the stdin of the targeted tasks.
func (p *StdinPump) Run(ctx context.Context, input io.Reader) error {
	hwm := p.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	if p.Tasks > 0 {
		if err := p.Mux.WaitConnected(ctx, p.Tasks); err != nil {
			return err
		}
	}
	buf := make([]byte, readSize)
	for {
		if err := p.Mux.waitDrained(ctx, hwm); err != nil {
			return err
		}
		n, err := input.Read(buf)
		if n > 0 {
			p.Mux.Enqueue(p.Target, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			p.Mux.Enqueue(p.Target, nil)
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
}
