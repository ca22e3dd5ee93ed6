package noise

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/flynn/noise"
)

// Packet types.  Every packet on the wire starts with one of these.
const (
	msgInit      byte = 1 // handshake message 1, initiator → gateway
	msgResp      byte = 2 // handshake message 2, payload is a CBOR ChildConfig
	msgData      byte = 3
	msgKeepalive byte = 4 // sealed empty payload
	msgClose     byte = 5 // sealed empty payload
)

var (
	suite    = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	prologue = []byte("gwlink noise v1")
)

func handshakeConfig(initiator bool, static noise.DHKey, peer, psk []byte) noise.Config {
	cfg := noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: static,
		PeerStatic:    peer,
	}
	if len(psk) > 0 {
		cfg.PresharedKey = psk
		cfg.PresharedKeyPlacement = 2
	}
	return cfg
}

// spis derives the identifiers of both directions from the handshake
// hash, so both ends agree without sending them.
func spis(hash []byte) (initiatorOut, responderOut uint32) {
	return binary.BigEndian.Uint32(hash[0:4]), binary.BigEndian.Uint32(hash[4:8])
}
