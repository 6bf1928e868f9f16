// Package stepio carries the standard streams of interactive step tasks between node agents and the client
// that launched the step.
//
// Every task opens one connection to the client. The first frame on it is an init frame naming the step and
// node; after that the agent sends stdout and stderr frames and the client sends stdin frames. A frame with
// no payload marks the end of its stream.
package stepio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	HeaderSize = 10
	// Largest payload accepted in one frame.
	MaxPayload = 1 << 20
	// AllTasks addresses stdin to every task of the step.
	AllTasks = ^uint32(0)
)

type Stream uint16

const (
	Stdout Stream = 1
	Stderr Stream = 2
	Stdin  Stream = 3
	Init   Stream = 4
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Stdin:
		return "stdin"
	case Init:
		return "init"
	}
	return fmt.Sprintf("stream-%d", uint16(s))
}

type Header struct {
	TaskId uint32
	Stream Stream
	Length uint32
}

func (h Header) Marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.TaskId)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.Stream))
	binary.BigEndian.PutUint32(b[6:10], h.Length)
}

func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, corralerrors.Newf(corralerrors.CodeProtocolError, "stream header is %d bytes, expected %d", len(b), HeaderSize)
	}
	h := Header{
		TaskId: binary.BigEndian.Uint32(b[0:4]),
		Stream: Stream(binary.BigEndian.Uint16(b[4:6])),
		Length: binary.BigEndian.Uint32(b[6:10]),
	}
	if h.Stream < Stdout || h.Stream > Init {
		return Header{}, corralerrors.Newf(corralerrors.CodeProtocolError, "unknown stream %d", uint16(h.Stream))
	}
	if h.Length > MaxPayload {
		return Header{}, corralerrors.Newf(corralerrors.CodeProtocolError, "%s frame of %d bytes exceeds %d", h.Stream, h.Length, MaxPayload)
	}
	return h, nil
}

// WriteFrame writes one frame with a single Write call. An empty payload marks end of stream.
func WriteFrame(w io.Writer, taskId uint32, stream Stream, payload []byte) error {
	if len(payload) > MaxPayload {
		return corralerrors.Newf(corralerrors.CodeProtocolError, "%s frame of %d bytes exceeds %d", stream, len(payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	Header{TaskId: taskId, Stream: stream, Length: uint32(len(payload))}.Marshal(buf)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Header{}, nil, errors.WithStack(err)
	}
	h, err := UnmarshalHeader(hdr)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, errors.WithStack(err)
	}
	return h, payload, nil
}

// InitMessage is the payload of the first frame on a task connection.
type InitMessage struct {
	JobId    uint32
	StepId   uint32
	NodeName string
}

func (m InitMessage) Marshal() []byte {
	p := wire.NewPacker(32)
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackString(m.NodeName)
	return p.Bytes()
}

func UnmarshalInit(b []byte) (InitMessage, error) {
	u := wire.NewUnpacker(b)
	m := InitMessage{
		JobId:    u.UnpackU32(),
		StepId:   u.UnpackU32(),
		NodeName: u.UnpackString(),
	}
	if err := u.Finish(); err != nil {
		return InitMessage{}, errors.WithMessage(err, "decoding init frame")
	}
	return m, nil
}

// WriteInit opens a task connection.
func WriteInit(w io.Writer, taskId uint32, m InitMessage) error {
	return WriteFrame(w, taskId, Init, m.Marshal())
}
