package noise

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
)

// nonceSize is the explicit counter carried in front of every sealed
// packet, so datagrams can be opened out of order.
const nonceSize = 8

var (
	errShortPacket  = errors.New("noise: packet too short")
	errReplay       = errors.New("noise: replayed or too old packet")
	errNonceExhaust = errors.New("noise: nonce space exhausted")
	errOpen         = errors.New("noise: packet authentication failed")
)

// outbound seals packets with the sending half of the session.
type outbound struct {
	spi    uint32
	cipher noise.Cipher
	nonce  atomic.Uint64
}

func newOutbound(c noise.Cipher, spi uint32) *outbound {
	return &outbound{spi: spi, cipher: c}
}

func (o *outbound) SPI() uint32 { return o.spi }

// Apply appends nonce || seal(pkt) to dst.
func (o *outbound) Apply(dst, pkt []byte) ([]byte, error) {
	n := o.nonce.Add(1) - 1
	if n == math.MaxUint64 {
		return nil, errNonceExhaust
	}
	dst = binary.BigEndian.AppendUint64(dst, n)
	return o.cipher.Encrypt(dst, n, nil, pkt), nil
}

// inbound opens packets sealed by the peer's outbound half.
type inbound struct {
	spi    uint32
	cipher noise.Cipher
	window replayWindow
}

func newInbound(c noise.Cipher, spi uint32) *inbound {
	return &inbound{spi: spi, cipher: c}
}

func (i *inbound) SPI() uint32 { return i.spi }

// Apply authenticates and decrypts pkt, appending the plaintext to dst.
func (i *inbound) Apply(dst, pkt []byte) ([]byte, error) {
	if len(pkt) < nonceSize {
		return nil, errShortPacket
	}
	n := binary.BigEndian.Uint64(pkt[:nonceSize])
	out, err := i.cipher.Decrypt(dst, n, nil, pkt[nonceSize:])
	if err != nil {
		return nil, errOpen
	}
	if !i.window.accept(n) {
		return nil, errReplay
	}
	return out, nil
}

// ── Replay window ────────────────────────────────────────────────────

const windowSize = 64

// replayWindow accepts each counter at most once and rejects counters
// more than windowSize behind the highest seen.
type replayWindow struct {
	mu     sync.Mutex
	seen   bool
	top    uint64
	bitmap uint64
}

func (w *replayWindow) accept(n uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seen {
		w.seen, w.top, w.bitmap = true, n, 1
		return true
	}
	if n > w.top {
		shift := n - w.top
		if shift >= windowSize {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.top = n
		return true
	}
	diff := w.top - n
	if diff >= windowSize {
		return false
	}
	bit := uint64(1) << diff
	if w.bitmap&bit != 0 {
		return false
	}
	w.bitmap |= bit
	return true
}
