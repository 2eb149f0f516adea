package smux

// minRingSize is the smallest ring buffer the protocol will operate on:
// enough to hold a full channel-switch header (esc, channel, size_hi,
// size_lo) plus at least one payload byte with the reserved slot still
// intact.
const minRingSize = 16

// ring is a fixed-capacity byte FIFO with one slot permanently reserved
// so that head==tail is an unambiguous "empty" and never also means
// "full". It is not safe for concurrent use; callers (the codec) serve
// that purpose.
//
// Ported from the head/tail arithmetic in original_source/lib/smux.c
// (ADJRBI/RBUSED macros), generalized into a reusable type per the
// spec's Ring buffer component.
type ring struct {
	buf  []byte
	head int // next write position
	tail int // next read position
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) size() int { return len(r.buf) }

// adj wraps an index into [0, len(buf)).
func (r *ring) adj(i int) int {
	n := len(r.buf)
	if i >= n {
		return i - n
	}
	return i
}

func (r *ring) used() int {
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return len(r.buf) - r.tail + r.head
}

// free returns the number of bytes that can still be written while
// preserving the one reserved slot.
func (r *ring) free() int {
	return len(r.buf) - 1 - r.used()
}

// availableFrom returns the number of readable bytes between pos and
// head, i.e. used() as measured from an arbitrary cursor rather than
// tail. Used by the decoder to check whether a multi-byte token starting
// at pos has fully arrived.
func (r *ring) availableFrom(pos int) int {
	if r.head >= pos {
		return r.head - pos
	}
	return len(r.buf) - pos + r.head
}

func (r *ring) isEmpty() bool { return r.head == r.tail }

func (r *ring) isFull() bool { return r.adj(r.head+1) == r.tail }

// pushByte writes a single byte, advancing head. Callers must have
// checked free() > 0 first.
func (r *ring) pushByte(b byte) {
	r.buf[r.head] = b
	r.head = r.adj(r.head + 1)
}

// popByte removes and returns the byte at tail, or ok=false if empty.
func (r *ring) popByte() (b byte, ok bool) {
	if r.isEmpty() {
		return 0, false
	}
	b = r.buf[r.tail]
	r.tail = r.adj(r.tail + 1)
	return b, true
}

// peek inspects the byte offset positions ahead of tail without
// consuming it. offset must be < used().
func (r *ring) peek(offset int) (byte, bool) {
	if offset >= r.used() {
		return 0, false
	}
	return r.buf[r.adj(r.tail+offset)], true
}

// peekAt inspects the byte at an arbitrary absolute cursor position
// (already taken modulo len(buf) by the caller via adj).
func (r *ring) peekAt(pos int) byte {
	return r.buf[pos]
}

// contiguousWriteSpan returns the largest contiguous []byte region
// starting at head that can be written to without wrapping, bounded by
// the reserved-slot invariant. The returned slice may be shorter than
// free() when the writable region wraps around the end of buf.
func (r *ring) contiguousWriteSpan() []byte {
	if r.head >= r.tail {
		end := len(r.buf)
		if r.tail == 0 {
			// last slot must stay reserved
			end--
		}
		if r.head >= end {
			return nil
		}
		return r.buf[r.head:end]
	}
	return r.buf[r.head : r.tail-1]
}

// contiguousReadSpan returns the largest contiguous []byte region
// starting at tail that can be read without wrapping.
func (r *ring) contiguousReadSpan() []byte {
	if r.head >= r.tail {
		return r.buf[r.tail:r.head]
	}
	return r.buf[r.tail:]
}

// commitWrite advances head by n bytes already placed via
// contiguousWriteSpan.
func (r *ring) commitWrite(n int) {
	r.head = r.adj(r.head + n)
}

// commitRead advances tail by n bytes already consumed via
// contiguousReadSpan.
func (r *ring) commitRead(n int) {
	r.tail = r.adj(r.tail + n)
}

// resetIfEmpty snaps both cursors back to 0 when the ring has drained,
// maximising the next contiguous write span. Purely an optimisation;
// changes no observable semantics (spec.md §4.3).
func (r *ring) resetIfEmpty() {
	if r.isEmpty() {
		r.head, r.tail = 0, 0
	}
}
