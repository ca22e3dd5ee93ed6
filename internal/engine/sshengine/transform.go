package sshengine

import (
	"encoding/binary"
	"errors"
)

// Address family values carried in front of every packet on a
// point-to-point tun channel.
const (
	afInet  = 2
	afInet6 = 24

	afHeaderLen = 4
)

var errShortFrame = errors.New("ssh: tun frame shorter than its header")

// afEncap prefixes outgoing IP packets with their address family.  The
// ssh transport provides confidentiality, so the transforms only frame.
type afEncap struct{ spi uint32 }

func (t afEncap) SPI() uint32 { return t.spi }

func (t afEncap) Apply(dst, pkt []byte) ([]byte, error) {
	af := uint32(afInet)
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		af = afInet6
	}
	dst = binary.BigEndian.AppendUint32(dst, af)
	return append(dst, pkt...), nil
}

// afDecap strips the address family header.
type afDecap struct{ spi uint32 }

func (t afDecap) SPI() uint32 { return t.spi }

func (t afDecap) Apply(dst, pkt []byte) ([]byte, error) {
	if len(pkt) < afHeaderLen {
		return nil, errShortFrame
	}
	return append(dst, pkt[afHeaderLen:]...), nil
}
