package wire

import (
	"encoding/binary"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

const (
	// ProtocolVersion is bumped whenever message kinds are added.
	ProtocolVersion uint16 = 0x2200
	HeaderSize             = 18
	// MaxMessageSize bounds both the auth credential and the body of a single frame.
	MaxMessageSize = 64 << 20
)

const (
	// FlagNoResponse marks one-way notifications; the receiver must not reply.
	FlagNoResponse uint16 = 1 << 0
)

type Header struct {
	Version       uint16
	Flags         uint16
	Kind          MessageKind
	AuthLength    uint32
	BodyLength    uint32
	ForwardCount  uint16
	ReturnListLen uint16
}

func (h *Header) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.Version)
	binary.BigEndian.PutUint16(b[2:], h.Flags)
	binary.BigEndian.PutUint16(b[4:], uint16(h.Kind))
	binary.BigEndian.PutUint32(b[6:], h.AuthLength)
	binary.BigEndian.PutUint32(b[10:], h.BodyLength)
	binary.BigEndian.PutUint16(b[14:], h.ForwardCount)
	binary.BigEndian.PutUint16(b[16:], h.ReturnListLen)
}

// UnmarshalHeader decodes and checks a header: the version must match and neither length may exceed MaxMessageSize.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, corralerrors.Newf(corralerrors.CodeProtocolError, "short header: %d bytes", len(b))
	}
	h := Header{
		Version:       binary.BigEndian.Uint16(b[0:]),
		Flags:         binary.BigEndian.Uint16(b[2:]),
		Kind:          MessageKind(binary.BigEndian.Uint16(b[4:])),
		AuthLength:    binary.BigEndian.Uint32(b[6:]),
		BodyLength:    binary.BigEndian.Uint32(b[10:]),
		ForwardCount:  binary.BigEndian.Uint16(b[14:]),
		ReturnListLen: binary.BigEndian.Uint16(b[16:]),
	}
	if h.Version != ProtocolVersion {
		return h, corralerrors.Newf(corralerrors.CodeVersionMismatch, "peer protocol version %#04x, expected %#04x", h.Version, ProtocolVersion)
	}
	if h.AuthLength > MaxMessageSize {
		return h, corralerrors.Newf(corralerrors.CodeProtocolError, "auth credential of %d bytes exceeds limit", h.AuthLength)
	}
	if h.BodyLength > MaxMessageSize {
		return h, corralerrors.Newf(corralerrors.CodeProtocolError, "body of %d bytes exceeds limit", h.BodyLength)
	}
	return h, nil
}
