package cred

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// LoadPrivateKey reads a PKCS#8 PEM encoded ed25519 private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading credential private key %s", path)
	}
	return ParsePrivateKey(data)
}

func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Errorf("private key is %T, expected ed25519", key)
	}
	return priv, nil
}

// LoadPublicKey reads a PKIX PEM encoded ed25519 public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading credential public key %s", path)
	}
	return ParsePublicKey(data)
}

func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is %T, expected ed25519", key)
	}
	return pub, nil
}

// GenerateKeyPEM creates a new key pair encoded as PEM, private key first.
func GenerateKeyPEM() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	privDer, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDer}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}),
		nil
}
