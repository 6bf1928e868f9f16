package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

const (
	AuthNone = "auth/none"
	AuthHmac = "auth/hmac"
)

// Identity is the caller identity asserted by the auth credential of a frame.
type Identity struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// CurrentIdentity returns the identity of this process.
func CurrentIdentity() Identity {
	id := Identity{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	if groups, err := os.Getgroups(); err == nil {
		for _, g := range groups {
			id.Groups = append(id.Groups, uint32(g))
		}
	}
	return id
}

// Authenticator creates and verifies the auth credential carried by every frame.
type Authenticator interface {
	Type() string
	Create(id Identity, now time.Time) ([]byte, error)
	Verify(cred []byte, now time.Time) (Identity, error)
}

// NewAuthenticator returns the plug-in selected by authType. The hmac variant reads its shared key from keyFile
// and rejects credentials older than maxAge.
func NewAuthenticator(authType string, keyFile string, maxAge time.Duration) (Authenticator, error) {
	switch authType {
	case "", AuthNone:
		return NoneAuthenticator{}, nil
	case AuthHmac:
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading auth key %s", keyFile)
		}
		return NewHmacAuthenticator(key, maxAge)
	default:
		return nil, errors.Errorf("unknown auth type %q", authType)
	}
}

func packIdentity(p *Packer, id Identity) {
	p.PackU32(id.Uid)
	p.PackU32(id.Gid)
	p.PackU32Array(id.Groups)
}

func unpackIdentity(u *Unpacker) Identity {
	return Identity{Uid: u.UnpackU32(), Gid: u.UnpackU32(), Groups: u.UnpackU32Array()}
}

// NoneAuthenticator trusts the claims as sent.
type NoneAuthenticator struct{}

func (NoneAuthenticator) Type() string { return AuthNone }

func (NoneAuthenticator) Create(id Identity, _ time.Time) ([]byte, error) {
	p := NewPacker(16)
	packIdentity(p, id)
	return p.Bytes(), nil
}

func (NoneAuthenticator) Verify(cred []byte, _ time.Time) (Identity, error) {
	u := NewUnpacker(cred)
	id := unpackIdentity(u)
	if err := u.Finish(); err != nil {
		return Identity{}, corralerrors.Newf(corralerrors.CodeAuthenticationError, "malformed auth credential: %v", err)
	}
	return id, nil
}

// HmacAuthenticator signs {uid, gid, groups, issued} with HMAC-SHA256 under a shared key.
type HmacAuthenticator struct {
	key    []byte
	maxAge time.Duration
}

func NewHmacAuthenticator(key []byte, maxAge time.Duration) (*HmacAuthenticator, error) {
	if len(key) < 16 {
		return nil, errors.Errorf("auth key must be at least 16 bytes, got %d", len(key))
	}
	return &HmacAuthenticator{key: key, maxAge: maxAge}, nil
}

func (a *HmacAuthenticator) Type() string { return AuthHmac }

func (a *HmacAuthenticator) Create(id Identity, now time.Time) ([]byte, error) {
	p := NewPacker(64)
	packIdentity(p, id)
	p.PackTime(now)
	mac := hmac.New(sha256.New, a.key)
	mac.Write(p.Bytes())
	p.PackBytes(mac.Sum(nil))
	return p.Bytes(), nil
}

func (a *HmacAuthenticator) Verify(cred []byte, now time.Time) (Identity, error) {
	u := NewUnpacker(cred)
	id := unpackIdentity(u)
	issued := u.UnpackTime()
	signed := len(cred) - u.Remaining()
	sum := u.UnpackBytes()
	if err := u.Finish(); err != nil {
		return Identity{}, corralerrors.Newf(corralerrors.CodeAuthenticationError, "malformed auth credential: %v", err)
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(cred[:signed])
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return Identity{}, corralerrors.New(corralerrors.CodeAuthenticationError, "auth credential signature mismatch")
	}
	age := now.Sub(issued)
	if age > a.maxAge || age < -a.maxAge {
		return Identity{}, corralerrors.Newf(corralerrors.CodeAuthenticationError, "auth credential issued at %s is outside the %s window", issued, a.maxAge)
	}
	return id, nil
}
