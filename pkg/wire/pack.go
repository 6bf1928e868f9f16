package wire

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
)

// Packer appends big-endian encoded fields to a buffer. A field that cannot be encoded is sticky: Err
// reports it and the buffer must not be sent.
type Packer struct {
	buf []byte
	err error
}

func NewPacker(capacity int) *Packer {
	return &Packer{buf: make([]byte, 0, capacity)}
}

func (p *Packer) Bytes() []byte {
	return p.buf
}

func (p *Packer) Len() int {
	return len(p.buf)
}

func (p *Packer) Err() error {
	return p.err
}

func (p *Packer) PackU8(v uint8) {
	p.buf = append(p.buf, v)
}

func (p *Packer) PackU16(v uint16) {
	p.buf = binary.BigEndian.AppendUint16(p.buf, v)
}

func (p *Packer) PackU32(v uint32) {
	p.buf = binary.BigEndian.AppendUint32(p.buf, v)
}

func (p *Packer) PackU64(v uint64) {
	p.buf = binary.BigEndian.AppendUint64(p.buf, v)
}

func (p *Packer) PackI32(v int32) {
	p.PackU32(uint32(v))
}

func (p *Packer) PackBool(v bool) {
	if v {
		p.PackU8(1)
	} else {
		p.PackU8(0)
	}
}

// PackString writes a 16-bit length followed by the bytes. A string longer than api.MaxStringLength is
// written empty and fails the packer.
func (p *Packer) PackString(s string) {
	if len(s) > api.MaxStringLength {
		if p.err == nil {
			p.err = corralerrors.Newf(corralerrors.CodeProtocolError, "string of %d bytes exceeds the %d byte limit", len(s), api.MaxStringLength)
		}
		s = ""
	}
	p.PackU16(uint16(len(s)))
	p.buf = append(p.buf, s...)
}

// PackStringArray writes a 32-bit count followed by each string.
func (p *Packer) PackStringArray(a []string) {
	p.PackU32(uint32(len(a)))
	for _, s := range a {
		p.PackString(s)
	}
}

// PackBytes writes a 32-bit length followed by the bytes.
func (p *Packer) PackBytes(b []byte) {
	p.PackU32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *Packer) PackU32Array(a []uint32) {
	p.PackU32(uint32(len(a)))
	for _, v := range a {
		p.PackU32(v)
	}
}

// PackTime writes seconds since the epoch; the zero time is written as 0.
func (p *Packer) PackTime(t time.Time) {
	if t.IsZero() {
		p.PackU64(0)
		return
	}
	p.PackU64(uint64(t.Unix()))
}

// PackPresent writes the one-byte presence flag preceding an optional field.
func (p *Packer) PackPresent(present bool) bool {
	p.PackBool(present)
	return present
}

// Unpacker reads fields written by a Packer. The first failure is sticky: later reads return zero values
// and Err reports the original failure.
type Unpacker struct {
	buf []byte
	off int
	err error
}

func NewUnpacker(buf []byte) *Unpacker {
	return &Unpacker{buf: buf}
}

func (u *Unpacker) Err() error {
	return u.err
}

func (u *Unpacker) Remaining() int {
	return len(u.buf) - u.off
}

// Finish returns an error if any read failed or if bytes remain unconsumed.
func (u *Unpacker) Finish() error {
	if u.err != nil {
		return u.err
	}
	if u.Remaining() != 0 {
		u.err = corralerrors.Newf(corralerrors.CodeProtocolError, "%d trailing bytes after message body", u.Remaining())
	}
	return u.err
}

func (u *Unpacker) fail(format string, args ...interface{}) {
	if u.err == nil {
		u.err = corralerrors.Newf(corralerrors.CodeProtocolError, format, args...)
	}
}

func (u *Unpacker) take(n int, what string) []byte {
	if u.err != nil {
		return nil
	}
	if n < 0 || n > u.Remaining() {
		u.fail("%s needs %d bytes but only %d remain", what, n, u.Remaining())
		return nil
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b
}

func (u *Unpacker) UnpackU8() uint8 {
	b := u.take(1, "u8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (u *Unpacker) UnpackU16() uint16 {
	b := u.take(2, "u16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (u *Unpacker) UnpackU32() uint32 {
	b := u.take(4, "u32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (u *Unpacker) UnpackU64() uint64 {
	b := u.take(8, "u64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (u *Unpacker) UnpackI32() int32 {
	return int32(u.UnpackU32())
}

func (u *Unpacker) UnpackBool() bool {
	v := u.UnpackU8()
	if v > 1 {
		u.fail("invalid boolean value %d", v)
		return false
	}
	return v == 1
}

func (u *Unpacker) UnpackString() string {
	n := int(u.UnpackU16())
	return string(u.take(n, "string"))
}

// UnpackStringArray reads a count-prefixed array. The count is checked against the remaining bytes before allocating,
// since every element needs at least its 2-byte length.
func (u *Unpacker) UnpackStringArray() []string {
	n := u.UnpackU32()
	if u.err != nil {
		return nil
	}
	if uint64(n)*2 > uint64(u.Remaining()) {
		u.fail("string array of %d elements exceeds remaining %d bytes", n, u.Remaining())
		return nil
	}
	if n == 0 {
		return nil
	}
	a := make([]string, n)
	for i := range a {
		a[i] = u.UnpackString()
	}
	if u.err != nil {
		return nil
	}
	return a
}

func (u *Unpacker) UnpackBytes() []byte {
	n := u.UnpackU32()
	if u.err != nil {
		return nil
	}
	if uint64(n) > uint64(u.Remaining()) {
		u.fail("byte field of %d bytes exceeds remaining %d bytes", n, u.Remaining())
		return nil
	}
	if n == 0 {
		return nil
	}
	b := u.take(int(n), "bytes")
	return append([]byte(nil), b...)
}

func (u *Unpacker) UnpackU32Array() []uint32 {
	n := u.UnpackU32()
	if u.err != nil {
		return nil
	}
	if uint64(n)*4 > uint64(u.Remaining()) {
		u.fail("u32 array of %d elements exceeds remaining %d bytes", n, u.Remaining())
		return nil
	}
	if n == 0 {
		return nil
	}
	a := make([]uint32, n)
	for i := range a {
		a[i] = u.UnpackU32()
	}
	return a
}

func (u *Unpacker) UnpackTime() time.Time {
	secs := u.UnpackU64()
	if secs == 0 {
		return time.Time{}
	}
	if secs > math.MaxInt64 {
		u.fail("time value %d out of range", secs)
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

// UnpackPresent reads the presence flag of an optional field.
func (u *Unpacker) UnpackPresent() bool {
	return u.UnpackBool()
}

// IsProtocolError returns true if err came from a malformed body.
func IsProtocolError(err error) bool {
	return corralerrors.IsCode(err, corralerrors.CodeProtocolError)
}
