package compression

import "encoding/binary"

// BitWriter produces the interleaved unit/byte stream that Bitstream
// consumes. The two sides must agree on where each 16-bit coding unit
// sits between the raw bytes, so the writer runs a shadow of the
// reader's refill logic: every EnsureBits the decoder will perform
// reserves a two-byte slot at the current output position, and
// accumulated bits are flushed into the reserved slots in order.
//
// Callers mirror the decode sequence exactly: WriteBits takes the same
// ensure width the matching read uses, and WriteByte/WriteUint16 pair
// with ReadByte/ReadUint16.
type BitWriter struct {
	out      []byte
	slots    []int // offsets of reserved, still-unfilled unit slots
	pending  uint64
	npending uint
	simLeft  uint // shadow of the decoder's buffered bit count
}

// NewBitWriter returns a writer whose output will decode correctly with
// a Bitstream over Bytes().
func NewBitWriter(capacity int) *BitWriter {
	return &BitWriter{out: make([]byte, 0, capacity)}
}

func (bw *BitWriter) ensure(n uint) {
	for bw.simLeft < n {
		bw.slots = append(bw.slots, len(bw.out))
		bw.out = append(bw.out, 0, 0)
		bw.simLeft += 16
	}
}

func (bw *BitWriter) flushFull() {
	for bw.npending >= 16 {
		unit := uint16(bw.pending >> (bw.npending - 16))
		binary.LittleEndian.PutUint16(bw.out[bw.slots[0]:], unit)
		bw.slots = bw.slots[1:]
		bw.npending -= 16
		bw.pending &= (1 << bw.npending) - 1
	}
}

// WriteBits appends the low n bits of v. ensureN is the width the
// decoder passes to EnsureBits (or ReadBits) for this field.
func (bw *BitWriter) WriteBits(v uint32, n, ensureN uint) {
	if n == 0 {
		return
	}
	bw.ensure(ensureN)
	bw.simLeft -= n
	bw.pending = bw.pending<<n | uint64(v)
	bw.npending += n
	bw.flushFull()
}

// WriteByte appends a literal byte at the current stream position.
func (bw *BitWriter) WriteByte(b byte) {
	bw.out = append(bw.out, b)
}

// WriteUint16 appends an aligned little-endian 16-bit integer.
func (bw *BitWriter) WriteUint16(v uint16) {
	bw.out = append(bw.out, byte(v), byte(v>>8))
}

// WriteUint32 appends an aligned little-endian 32-bit integer.
func (bw *BitWriter) WriteUint32(v uint32) {
	bw.out = append(bw.out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// WriteBytes appends literal bytes.
func (bw *BitWriter) WriteBytes(p []byte) {
	bw.out = append(bw.out, p...)
}

// Align flushes the partial unit (zero padded) and resets the shadow
// state, pairing with Bitstream.Align on the decode side.
func (bw *BitWriter) Align() {
	if bw.npending > 0 {
		bw.pending <<= 16 - bw.npending
		bw.npending = 16
		bw.flushFull()
	}
	// Slots the decoder pulled but whose bits were never written stay
	// zero, which is what the decoder's discarded buffer held.
	bw.slots = bw.slots[:0]
	bw.simLeft = 0
}

// Bytes finalizes the stream and returns it. Pending bits are padded
// with zeroes.
func (bw *BitWriter) Bytes() []byte {
	if bw.npending > 0 {
		bw.pending <<= 16 - bw.npending
		bw.npending = 16
		bw.flushFull()
	}
	return bw.out
}

// Len reports the current output size in bytes, counting reserved slots.
func (bw *BitWriter) Len() int {
	return len(bw.out)
}
