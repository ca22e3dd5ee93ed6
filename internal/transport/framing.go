package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxPacket is the largest packet a framed connection carries.
const MaxPacket = 65535

// PacketConn exchanges whole packets over a net.Conn.
type PacketConn interface {
	// ReadPacket reads one packet into buf and returns its length.
	ReadPacket(buf []byte) (int, error)
	// WritePacket sends p as one packet.
	WritePacket(p []byte) error
	// Conn returns the underlying connection.
	Conn() net.Conn
	Close() error
}

// Frame wraps conn.  Datagram networks pass packets through unchanged;
// stream networks prefix every packet with a 2-byte big-endian length.
func Frame(network string, conn net.Conn) PacketConn {
	if IsDatagram(network) {
		return &datagramConn{conn: conn}
	}
	return &streamConn{conn: conn}
}

type datagramConn struct {
	conn net.Conn
}

func (d *datagramConn) ReadPacket(buf []byte) (int, error) { return d.conn.Read(buf) }

func (d *datagramConn) WritePacket(p []byte) error {
	_, err := d.conn.Write(p)
	return err
}

func (d *datagramConn) Conn() net.Conn { return d.conn }
func (d *datagramConn) Close() error   { return d.conn.Close() }

type streamConn struct {
	conn net.Conn
	wmu  sync.Mutex
	hdr  [2]byte
}

func (s *streamConn) ReadPacket(buf []byte) (int, error) {
	if _, err := io.ReadFull(s.conn, s.hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(s.hdr[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("packet of %d bytes exceeds buffer of %d", n, len(buf))
	}
	if _, err := io.ReadFull(s.conn, buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return n, nil
}

func (s *streamConn) WritePacket(p []byte) error {
	if len(p) > MaxPacket {
		return fmt.Errorf("packet of %d bytes exceeds %d", len(p), MaxPacket)
	}
	out := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(out, uint16(len(p)))
	copy(out[2:], p)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(out)
	return err
}

func (s *streamConn) Conn() net.Conn { return s.conn }
func (s *streamConn) Close() error   { return s.conn.Close() }
