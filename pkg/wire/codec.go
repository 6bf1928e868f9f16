package wire

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

// Frame is one received message together with its header and auth credential.
type Frame struct {
	Header Header
	Auth   []byte
	Msg    Message
}

// NoResponse returns true for one-way notifications.
func (f *Frame) NoResponse() bool {
	return f.Header.Flags&FlagNoResponse != 0
}

// Encode returns the complete frame bytes for msg.
func Encode(msg Message, auth []byte, flags uint16) ([]byte, error) {
	body := NewPacker(256)
	msg.Pack(body)
	if err := body.Err(); err != nil {
		return nil, errors.WithMessagef(err, "encoding %s", msg.Kind())
	}
	h := Header{
		Version:    ProtocolVersion,
		Flags:      flags,
		Kind:       msg.Kind(),
		AuthLength: uint32(len(auth)),
		BodyLength: uint32(body.Len()),
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(auth)+body.Len())
	h.Marshal(buf)
	buf = append(buf, auth...)
	return append(buf, body.Bytes()...), nil
}

// Send writes msg as a single frame. A zero deadline means no deadline.
func Send(conn net.Conn, msg Message, auth []byte, flags uint16, deadline time.Time) error {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return transportError(err, "setting write deadline")
	}
	buf, err := Encode(msg, auth, flags)
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return transportError(err, "sending %s", msg.Kind())
		}
		buf = buf[n:]
	}
	return nil
}

// Recv reads exactly one frame. Lengths are validated before any buffer is allocated and the body must be
// consumed exactly by the message parser.
func Recv(conn net.Conn, deadline time.Time) (*Frame, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, transportError(err, "setting read deadline")
	}
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, transportError(err, "reading header")
	}
	h, err := UnmarshalHeader(hdr)
	if err != nil {
		return nil, err
	}
	ctor, ok := registry[h.Kind]
	if !ok {
		return nil, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "unexpected message kind %d", uint16(h.Kind))
	}
	rest := make([]byte, int(h.AuthLength)+int(h.BodyLength))
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, transportError(err, "reading %s body", h.Kind)
	}
	msg := ctor()
	u := NewUnpacker(rest[h.AuthLength:])
	msg.Unpack(u)
	if err := u.Finish(); err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", h.Kind)
	}
	return &Frame{Header: h, Auth: rest[:h.AuthLength], Msg: msg}, nil
}

func transportError(err error, format string, args ...interface{}) error {
	code := corralerrors.CodeConnectionError
	if errors.Is(err, os.ErrDeadlineExceeded) {
		code = corralerrors.CodeTimeout
	} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		code = corralerrors.CodeTimeout
	}
	return errors.WithMessagef(corralerrors.New(code, err.Error()), format, args...)
}
