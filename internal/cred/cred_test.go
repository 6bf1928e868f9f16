package cred

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newKeys(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	privPem, pubPem, err := GenerateKeyPEM()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cred.key"), privPem, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cred.pub"), pubPem, 0o644))
	priv, err := LoadPrivateKey(filepath.Join(dir, "cred.key"))
	require.NoError(t, err)
	pub, err := LoadPublicKey(filepath.Join(dir, "cred.pub"))
	require.NoError(t, err)
	return priv, pub
}

func TestMarshalRoundTrip(t *testing.T) {
	priv, _ := newKeys(t)
	c := NewSigner(priv, time.Minute).Mint(7, 1, 1000, []string{"n1", "n2"}, baseTime)
	parsed, err := Unmarshal(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
	assert.Equal(t, "n[1-2]", parsed.NodeList)
	assert.Len(t, parsed.Signature, ed25519.SignatureSize)
}

func TestValidate(t *testing.T) {
	priv, pub := newKeys(t)
	lifetime := 5 * time.Minute
	signer := NewSigner(priv, lifetime)
	raw := signer.Mint(7, 1, 1000, []string{"n1", "n2"}, baseTime).Marshal()

	tests := map[string]struct {
		raw      []byte
		node     string
		now      time.Time
		revoke   *stepKey
		expected corralerrors.Code
	}{
		"at issue time":      {raw: raw, node: "n1", now: baseTime, expected: corralerrors.Success},
		"just before expiry": {raw: raw, node: "n2", now: baseTime.Add(lifetime - time.Second), expected: corralerrors.Success},
		"at expiry":          {raw: raw, node: "n1", now: baseTime.Add(lifetime), expected: corralerrors.CodeCredentialExpired},
		"before issue":       {raw: raw, node: "n1", now: baseTime.Add(-time.Second), expected: corralerrors.CodeCredentialExpired},
		"wrong node":         {raw: raw, node: "n3", now: baseTime, expected: corralerrors.CodeCredentialInvalid},
		"corrupt signature":  {raw: flipLastByte(raw), node: "n1", now: baseTime, expected: corralerrors.CodeCredentialInvalid},
		"truncated":          {raw: raw[:len(raw)-1], node: "n1", now: baseTime, expected: corralerrors.CodeCredentialInvalid},
		"step revoked":       {raw: raw, node: "n1", now: baseTime, revoke: &stepKey{job: 7, step: 1}, expected: corralerrors.CodeCredentialRevoked},
		"job revoked":        {raw: raw, node: "n1", now: baseTime, revoke: &stepKey{job: 7, step: api.AllSteps}, expected: corralerrors.CodeCredentialRevoked},
		"other step revoked": {raw: raw, node: "n1", now: baseTime, revoke: &stepKey{job: 7, step: 2}, expected: corralerrors.Success},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			revoked, err := NewRevocationSet(16, lifetime)
			require.NoError(t, err)
			if tc.revoke != nil {
				revoked.Revoke(tc.revoke.job, tc.revoke.step, baseTime)
			}
			verifier := NewVerifier(pub, nil, lifetime, revoked)
			_, err = verifier.Validate(tc.raw, tc.node, tc.now)
			assert.Equal(t, tc.expected, corralerrors.CodeFromError(err))
		})
	}
}

func TestValidate_SubSecondMintTime(t *testing.T) {
	priv, pub := newKeys(t)
	lifetime := 5 * time.Minute
	minted := baseTime.Add(500 * time.Millisecond)
	raw := NewSigner(priv, lifetime).Mint(7, 1, 1000, []string{"n1"}, minted).Marshal()

	tests := map[string]struct {
		now      time.Time
		expected corralerrors.Code
	}{
		"at mint time":             {now: minted, expected: corralerrors.Success},
		"last instant of lifetime": {now: minted.Add(lifetime - time.Nanosecond), expected: corralerrors.Success},
		"at end of lifetime":       {now: minted.Add(lifetime), expected: corralerrors.Success},
		"past the rounded expiry":  {now: baseTime.Add(lifetime + time.Second), expected: corralerrors.CodeCredentialExpired},
		"a second before minting":  {now: minted.Add(-time.Second), expected: corralerrors.CodeCredentialExpired},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			verifier := NewVerifier(pub, nil, lifetime, nil)
			_, err := verifier.Validate(raw, "n1", tc.now)
			assert.Equal(t, tc.expected, corralerrors.CodeFromError(err))
		})
	}
}

func TestValidate_PreviousKeyRollover(t *testing.T) {
	oldPriv, oldPub := newKeys(t)
	_, newPub := newKeys(t)
	raw := NewSigner(oldPriv, time.Minute).Mint(1, 0, 0, []string{"n1"}, baseTime).Marshal()

	_, err := NewVerifier(newPub, nil, time.Minute, nil).Validate(raw, "n1", baseTime)
	assert.Equal(t, corralerrors.CodeCredentialInvalid, corralerrors.CodeFromError(err))

	_, err = NewVerifier(newPub, oldPub, time.Minute, nil).Validate(raw, "n1", baseTime)
	assert.NoError(t, err)
}

func TestValidateReattach(t *testing.T) {
	priv, pub := newKeys(t)
	signer := NewSigner(priv, time.Minute)
	launched := signer.Mint(7, 1, 1000, []string{"n1"}, baseTime).Marshal()
	other := signer.Mint(7, 1, 1000, []string{"n1"}, baseTime.Add(time.Second)).Marshal()
	verifier := NewVerifier(pub, nil, time.Minute, nil)

	_, err := verifier.ValidateReattach(launched, launched)
	assert.NoError(t, err, "expiry is not checked on reattach")
	_, err = verifier.ValidateReattach(other, launched)
	assert.Equal(t, corralerrors.CodeCredentialInvalid, corralerrors.CodeFromError(err))
}

func TestRevocationSet_Purge(t *testing.T) {
	r, err := NewRevocationSet(2, time.Minute)
	require.NoError(t, err)
	r.Revoke(1, 0, baseTime)
	r.Revoke(2, 0, baseTime.Add(30*time.Second))
	assert.True(t, r.IsRevoked(1, 0, baseTime.Add(59*time.Second)))
	assert.False(t, r.IsRevoked(1, 0, baseTime.Add(time.Minute)))

	assert.Equal(t, 1, r.Purge(baseTime.Add(time.Minute)))
	assert.Equal(t, 1, r.Len())

	// bounded: adding beyond capacity evicts the oldest
	r.Revoke(3, 0, baseTime)
	r.Revoke(4, 0, baseTime)
	assert.Equal(t, 2, r.Len())
	assert.False(t, r.IsRevoked(2, 0, baseTime))
}

func flipLastByte(b []byte) []byte {
	out := append([]byte(nil), b...)
	out[len(out)-1] ^= 0x01
	return out
}
