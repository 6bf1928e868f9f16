// Package cred mints and validates the signed step credentials that authorize an agent to launch work.
package cred

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

// SignatureScheme names the only supported signing scheme.
const SignatureScheme = "cred/ed25519"

// Credential is the signed tuple {job, step, uid, expiry, nodes}.
type Credential struct {
	JobId     uint32
	StepId    uint32
	Uid       uint32
	Expiry    time.Time
	NodeList  string
	Signature []byte
}

// Canonical returns the bytes covered by the signature.
func (c *Credential) Canonical() []byte {
	p := wire.NewPacker(64)
	p.PackU32(c.JobId)
	p.PackU32(c.StepId)
	p.PackU32(c.Uid)
	p.PackU64(uint64(c.Expiry.Unix()))
	p.PackString(c.NodeList)
	return p.Bytes()
}

// Marshal returns the canonical tuple followed by the fixed-length signature.
func (c *Credential) Marshal() []byte {
	b := c.Canonical()
	return append(b, c.Signature...)
}

// Unmarshal parses a marshalled credential. The signature is not checked.
func Unmarshal(b []byte) (*Credential, error) {
	u := wire.NewUnpacker(b)
	c := &Credential{
		JobId:    u.UnpackU32(),
		StepId:   u.UnpackU32(),
		Uid:      u.UnpackU32(),
		Expiry:   time.Unix(int64(u.UnpackU64()), 0).UTC(),
		NodeList: u.UnpackString(),
	}
	if err := u.Err(); err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialInvalid, "malformed credential: %v", err)
	}
	if u.Remaining() != ed25519.SignatureSize {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialInvalid, "credential signature is %d bytes, expected %d", u.Remaining(), ed25519.SignatureSize)
	}
	c.Signature = append([]byte(nil), b[len(b)-ed25519.SignatureSize:]...)
	return c, nil
}

// Equal reports whether two marshalled credentials are byte-identical.
func Equal(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
