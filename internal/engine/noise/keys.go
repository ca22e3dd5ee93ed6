package noise

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of Curve25519 keys and pre-shared keys.
const KeySize = 32

// GenerateKey returns a fresh static keypair.
func GenerateKey() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// EncodeKey renders a key in the base64 form ParseKey accepts.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ParseKey decodes a 32-byte key written as hex or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is neither hex nor base64")
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(b), KeySize)
	}
	return b, nil
}

// KeypairFromPrivate derives the public half of a Curve25519 key.
func KeypairFromPrivate(priv []byte) (noise.DHKey, error) {
	if len(priv) != KeySize {
		return noise.DHKey{}, fmt.Errorf("private key is %d bytes, want %d", len(priv), KeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("deriving public key: %w", err)
	}
	return noise.DHKey{Private: append([]byte(nil), priv...), Public: pub}, nil
}

// LoadPrivateKey reads a static private key file.
func LoadPrivateKey(path string) (noise.DHKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("reading static key: %w", err)
	}
	priv, err := ParseKey(string(data))
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("static key %s: %w", path, err)
	}
	return KeypairFromPrivate(priv)
}

// ResolvePublicKey accepts a key literal or the path of a file holding
// one.
func ResolvePublicKey(v string) ([]byte, error) {
	if k, err := ParseKey(v); err == nil {
		return k, nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("gateway key is not a key and not a readable file: %w", err)
	}
	k, err := ParseKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("gateway key %s: %w", v, err)
	}
	return k, nil
}

// LoadPSK reads a pre-shared key file.
func LoadPSK(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading psk: %w", err)
	}
	psk, err := ParseKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("psk %s: %w", path, err)
	}
	return psk, nil
}
