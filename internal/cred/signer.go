package cred

import (
	"crypto/ed25519"
	"time"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/hostlist"
)

const DefaultLifetime = 300 * time.Second

// Signer mints credentials on the controller.
type Signer struct {
	key      ed25519.PrivateKey
	lifetime time.Duration
}

func NewSigner(key ed25519.PrivateKey, lifetime time.Duration) *Signer {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Signer{key: key, lifetime: lifetime}
}

func (s *Signer) Lifetime() time.Duration {
	return s.lifetime
}

// ceilSecond rounds t up to a whole second, the precision credential times are encoded at.
func ceilSecond(t time.Time) time.Time {
	return t.Add(time.Second - 1).Truncate(time.Second)
}

// Mint signs a credential valid from now for the signer's lifetime. The encoded expiry is rounded up so the
// credential is accepted for at least the whole lifetime.
func (s *Signer) Mint(jobId, stepId, uid uint32, nodes []string, now time.Time) *Credential {
	c := &Credential{
		JobId:    jobId,
		StepId:   stepId,
		Uid:      uid,
		Expiry:   ceilSecond(now.Add(s.lifetime)).UTC(),
		NodeList: hostlist.Compress(nodes),
	}
	c.Signature = ed25519.Sign(s.key, c.Canonical())
	return c
}

// Verifier validates credentials on an agent. The previous key, if set, is accepted to allow one key rollover.
type Verifier struct {
	current  ed25519.PublicKey
	previous ed25519.PublicKey
	lifetime time.Duration
	revoked  *RevocationSet
}

func NewVerifier(current, previous ed25519.PublicKey, lifetime time.Duration, revoked *RevocationSet) *Verifier {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Verifier{current: current, previous: previous, lifetime: lifetime, revoked: revoked}
}

func (v *Verifier) Revocations() *RevocationSet {
	return v.revoked
}

// VerifySignature checks the signature against the current key, then the previous one.
func (v *Verifier) VerifySignature(c *Credential) error {
	canonical := c.Canonical()
	if ed25519.Verify(v.current, canonical, c.Signature) {
		return nil
	}
	if v.previous != nil && ed25519.Verify(v.previous, canonical, c.Signature) {
		return nil
	}
	return corralerrors.Newf(corralerrors.CodeCredentialInvalid, "signature of credential for %d.%d does not verify", c.JobId, c.StepId)
}

// Validate parses and checks a marshalled credential for use on nodeName at time now. Checks run in order:
// signature, node membership, validity window, revocation.
func (v *Verifier) Validate(raw []byte, nodeName string, now time.Time) (*Credential, error) {
	c, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if err := v.VerifySignature(c); err != nil {
		return nil, err
	}
	nodes, err := hostlist.Expand(c.NodeList)
	if err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialInvalid, "credential node list %q: %v", c.NodeList, err)
	}
	found := false
	for _, n := range nodes {
		if n == nodeName {
			found = true
			break
		}
	}
	if !found {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialInvalid, "node %s is not in credential node list %s", nodeName, c.NodeList)
	}
	issued := c.Expiry.Add(-v.lifetime)
	if !now.Before(c.Expiry) {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialExpired, "credential for %d.%d expired at %s", c.JobId, c.StepId, c.Expiry)
	}
	if ceilSecond(now).Before(issued) {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialExpired, "credential for %d.%d is not valid before %s", c.JobId, c.StepId, issued)
	}
	if v.revoked != nil && v.revoked.IsRevoked(c.JobId, c.StepId, now) {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialRevoked, "credential for %d.%d has been revoked", c.JobId, c.StepId)
	}
	return c, nil
}

// ValidateReattach checks a credential presented to reattach to a live step. Expiry is ignored but the
// credential must be byte-identical to the one the step was launched with.
func (v *Verifier) ValidateReattach(raw []byte, launched []byte) (*Credential, error) {
	c, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if err := v.VerifySignature(c); err != nil {
		return nil, err
	}
	if !Equal(raw, launched) {
		return nil, corralerrors.Newf(corralerrors.CodeCredentialInvalid, "credential for %d.%d does not match the running step", c.JobId, c.StepId)
	}
	return c, nil
}
