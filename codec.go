// Package smux implements the SMUX wire codec: a stream multiplexer that
// packs up to 256 independent virtual channels onto a single
// unframed, bidirectional byte pipe.
//
// The codec is deliberately not thread-safe; a single goroutine (the rt
// package's runtime loop) is expected to serialize every call. See
// original_source/include/smux.h for the C library this codec restates
// in Go, and original_source/lib/smux.c for the ring-buffer arithmetic
// it is ported from.
package smux

const (
	// DefaultESC is the escape octet used unless a Config overrides it.
	// Both ends of a link must agree on the same value out of band;
	// SMUX has no in-band negotiation.
	DefaultESC byte = 0x01

	channelBytes = 1
	sizeBytes    = 2

	// MaxFramePayload is the largest payload a single channel-switch
	// frame can announce: a 16-bit unsigned size field.
	MaxFramePayload = 1<<(8*sizeBytes) - 1

	// DefaultBufferSize matches SMUX_BUFFER_SIZE in
	// original_source/src/rt.h.
	DefaultBufferSize = 4096
)

// Config holds the protocol parameters and buffer sizing that must be
// identical on both ends of a link. Nothing here is negotiated on the
// wire.
type Config struct {
	// ESC is the escape byte introducing a literal-ESC escape or a
	// channel-switch header. Defaults to DefaultESC.
	ESC byte

	// WriteBufferSize is the encoder's ring buffer capacity in bytes.
	// Must be >= 16.
	WriteBufferSize int

	// ReadBufferSize is the decoder's ring buffer capacity in bytes.
	// Must be >= 16.
	ReadBufferSize int
}

// DefaultConfig returns the protocol defaults: ESC=0x01, 4096-byte
// rings in both directions.
func DefaultConfig() Config {
	return Config{
		ESC:             DefaultESC,
		WriteBufferSize: DefaultBufferSize,
		ReadBufferSize:  DefaultBufferSize,
	}
}

// Codec is one endpoint's encoder+decoder pair: a write ring fed by
// Send and drained by WriteOut/Emit, and a read ring fed by
// ReadIn/Ingest and drained by Recv. A Codec is not safe for concurrent
// use.
type Codec struct {
	esc byte

	wRing *ring

	rRing     *ring
	recvCh    uint8
	recvChars int
}

// NewCodec allocates a Codec per cfg. Buffer sizes below the protocol
// minimum are rejected as a ConfigError.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.ESC == 0 {
		cfg.ESC = DefaultESC
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = DefaultBufferSize
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = DefaultBufferSize
	}
	if cfg.WriteBufferSize < minRingSize || cfg.ReadBufferSize < minRingSize {
		return nil, WrapConfigError(ErrBufferTooSmall, "codec buffer size")
	}
	return &Codec{
		esc:   cfg.ESC,
		wRing: newRing(cfg.WriteBufferSize),
		rRing: newRing(cfg.ReadBufferSize),
	}, nil
}

// ResetDecoder recreates the decoder's internal state (current channel
// and remaining-payload counter) and drops any bytes still buffered in
// the read ring. It does not touch the write ring: encoder progress
// survives a decoder reset.
//
// SMUX is deliberately stateless on the wire so either endpoint can
// recover fast after a restart (original_source/include/smux.h); this
// is the hook a caller uses to reattach a channel's files without
// tearing down the whole codec (see SPEC_FULL.md §5.5).
func (c *Codec) ResetDecoder() {
	c.recvCh = 0
	c.recvChars = 0
	c.rRing.head, c.rRing.tail = 0, 0
}

// Send encodes bytes from p onto virtual channel ch into the write
// ring, returning the number of payload bytes actually accepted. At
// most MaxFramePayload bytes are accepted per call. It never fails
// outright; a return less than len(p) means the ring filled up (or p
// was longer than MaxFramePayload) and the caller must retry with the
// remaining tail, once WriteOut/Emit has drained some of the ring.
//
// See spec.md §4.2 for the exact wire format and ordering rules this
// implements.
func (c *Codec) Send(ch uint8, p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if len(p) > MaxFramePayload {
		p = p[:MaxFramePayload]
	}

	r := c.wRing
	var sizeHiPos, sizeLoPos int
	haveHeader := ch != 0
	if haveHeader {
		// header (esc, channel, 2-byte size) plus room for at least
		// one payload byte, all within the reserved-slot discipline.
		need := 1 + channelBytes + sizeBytes + 1
		if r.free() < need {
			return 0
		}
		r.pushByte(c.esc)
		r.pushByte(byte(ch))
		sizeHiPos = r.head
		r.pushByte(0)
		sizeLoPos = r.head
		r.pushByte(0)
	}

	n := 0
	for n < len(p) {
		b := p[n]
		if b == c.esc {
			if r.free() < 2 {
				break
			}
			r.pushByte(c.esc)
			r.pushByte(0x00)
		} else {
			if r.free() < 1 {
				break
			}
			r.pushByte(b)
		}
		n++
	}

	if haveHeader {
		r.buf[sizeHiPos] = byte(n >> 8)
		r.buf[sizeLoPos] = byte(n & 0xFF)
	}
	return n
}

// Recv decodes payload bytes from the read ring into buf, writing the
// channel they belong to into *ch. It returns the number of bytes
// delivered. If the read ring is empty on entry, *ch is left untouched;
// otherwise *ch is set to the channel in effect even when nothing is
// delivered (an incomplete escape or header, or a zero-length channel
// announcement). A single call never mixes bytes from two different
// channels; call it in a loop to drain what is currently available. A
// call that consumes a zero-length channel announcement returns 0 even
// if payload bytes follow it in the ring; the next call delivers them.
//
// See spec.md §4.3 for the restart/rewind algorithm this implements.
func (c *Codec) Recv(ch *uint8, buf []byte) int {
	r := c.rRing
	t := r.tail
	curCh := c.recvCh
	remaining := c.recvChars
	delivered := 0

	for delivered < len(buf) {
		if curCh != 0 && remaining <= 0 {
			break
		}
		if r.head == t { // ring empty at t
			break
		}
		if delivered == 0 {
			*ch = curCh
		}

		tSaved := t
		b := r.peekAt(t)
		if b != c.esc {
			buf[delivered] = b
			delivered++
			if curCh != 0 {
				remaining--
			}
			t = r.adj(t + 1)
			continue
		}

		// escape sequence
		t1 := r.adj(t + 1)
		if t1 == r.head {
			t = tSaved
			break
		}
		b1 := r.peekAt(t1)
		if b1 == 0x00 {
			buf[delivered] = c.esc
			delivered++
			if curCh != 0 {
				remaining--
			}
			t = r.adj(t1 + 1)
			continue
		}

		// channel-switch header: need channel + 2 size bytes from t1
		if r.availableFrom(t1) < channelBytes+sizeBytes {
			t = tSaved
			break
		}
		newCh := b1
		p1 := r.adj(t1 + 1)
		hi := r.peekAt(p1)
		p2 := r.adj(p1 + 1)
		lo := r.peekAt(p2)
		newRemaining := int(uint16(hi)<<8 | uint16(lo))
		t = r.adj(p2 + 1)

		if delivered > 0 {
			// one recv call never mixes channels: adopt the new
			// channel state for the *next* call, but stop delivering
			// now. The header itself is consumed (not reparsed).
			curCh = newCh
			remaining = newRemaining
			break
		}
		curCh = newCh
		remaining = newRemaining
		*ch = curCh
	}

	if curCh != 0 && remaining == 0 {
		curCh = 0
	}

	r.tail = t
	r.resetIfEmpty()
	c.recvCh = curCh
	c.recvChars = remaining

	return delivered
}
