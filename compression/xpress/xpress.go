// Package xpress implements the XPRESS (Huffman variant) compression
// format used in WIM resources.
//
// An XPRESS block starts with a 256-byte header giving 4-bit codeword
// lengths for a single 512-symbol alphabet: symbols 0-255 are literal
// bytes and symbols 256-511 are match headers packing a length slot and
// the bit-width of the offset. Long matches extend the length with
// inline bytes.
package xpress

import (
	"github.com/dargueta/wim/compression"
)

const (
	numSymbols     = 512
	numChars       = 256
	maxCodewordLen = 15
	tableBits      = 11
	minMatchLen    = 3
)

// enough(512, 11, 15)
const decodeTableSize = 2566

// Decompressor decodes XPRESS blocks.
type Decompressor struct {
	lens  [numSymbols]uint8
	table [decodeTableSize]uint16
}

// NewDecompressor returns a decompressor for XPRESS blocks.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress decodes one block into out, which must be sized to the
// block's uncompressed length.
func (d *Decompressor) Decompress(in, out []byte) error {
	if len(in) < numSymbols/2 {
		return compression.ErrDecompress
	}
	for i := 0; i < numSymbols/2; i++ {
		d.lens[2*i] = in[i] & 0x0F
		d.lens[2*i+1] = in[i] >> 4
	}
	if !compression.MakeDecodeTable(d.table[:], d.lens[:], tableBits, maxCodewordLen) {
		return compression.ErrDecompress
	}

	bs := compression.NewBitstream(in[numSymbols/2:])
	pos := 0
	for pos < len(out) {
		sym := compression.ReadHuffSym(&bs, d.table[:], tableBits, maxCodewordLen)
		if sym < numChars {
			out[pos] = byte(sym)
			pos++
			continue
		}

		// Match: low nibble is the length slot, next nibble the
		// log2 of the offset.
		length := uint32(sym & 0x0F)
		log2Offset := uint(sym>>4) & 0x0F
		offset := uint32(1)<<log2Offset | bs.ReadBits(log2Offset)

		if length == 0x0F {
			b := bs.ReadByte()
			length += uint32(b)
			if b == 0xFF {
				length = uint32(bs.ReadUint16())
				if length == 0 {
					length = bs.ReadUint32()
				}
			}
		}
		length += minMatchLen

		if uint64(length) > uint64(len(out)-pos) || offset > uint32(pos) {
			return compression.ErrDecompress
		}
		compression.LZCopy(out, pos, length, offset)
		pos += int(length)
	}
	return nil
}

// item is one parsed literal or match from the first compression pass.
type item struct {
	length uint32 // 0 for a literal
	offset uint32
	lit    byte
}

// Compressor produces XPRESS blocks using greedy hash-chain matching.
type Compressor struct {
	head  map[uint32]int32
	prev  []int32
	items []item
	freqs [numSymbols]uint32
	lens  [numSymbols]uint8
	codes [numSymbols]uint32
}

// NewCompressor returns a compressor for chunks up to maxChunkSize.
func NewCompressor(maxChunkSize uint32) *Compressor {
	return &Compressor{
		head: make(map[uint32]int32),
		prev: make([]int32, maxChunkSize),
	}
}

func hash3(p []byte) uint32 {
	return (uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16) * 0x9E3779B1 >> 14
}

const maxChainDepth = 48

// Compress encodes in. It returns the compressed size, or 0 if the data
// did not shrink; in that case the caller stores the chunk raw.
func (c *Compressor) Compress(in, out []byte) int {
	if len(in) < minMatchLen+1 {
		return 0
	}

	c.parse(in)

	for i := range c.lens {
		c.lens[i] = 0
	}
	compression.MakeCanonicalCode(c.freqs[:], c.lens[:], c.codes[:], maxCodewordLen)

	bw := compression.NewBitWriter(len(in))
	c.emit(bw)
	enc := bw.Bytes()

	total := numSymbols/2 + len(enc)
	if total >= len(in) || total > len(out) {
		return 0
	}
	for i := 0; i < numSymbols/2; i++ {
		out[i] = c.lens[2*i] | c.lens[2*i+1]<<4
	}
	copy(out[numSymbols/2:], enc)
	return total
}

// parse runs the greedy matcher and tallies symbol frequencies.
func (c *Compressor) parse(in []byte) {
	for k := range c.head {
		delete(c.head, k)
	}
	c.items = c.items[:0]
	for i := range c.freqs {
		c.freqs[i] = 0
	}

	pos := 0
	for pos < len(in) {
		if pos+minMatchLen > len(in) {
			c.addLiteral(in[pos])
			pos++
			continue
		}

		bestLen, bestOffset := c.findMatch(in, pos)
		if bestLen < minMatchLen {
			c.addLiteral(in[pos])
			c.insert(in, pos)
			pos++
			continue
		}

		c.addMatch(uint32(bestLen), uint32(bestOffset))
		end := pos + bestLen
		for ; pos < end && pos+minMatchLen <= len(in); pos++ {
			c.insert(in, pos)
		}
		pos = end
	}
}

func (c *Compressor) insert(in []byte, pos int) {
	h := hash3(in[pos:])
	if old, ok := c.head[h]; ok {
		c.prev[pos] = old
	} else {
		c.prev[pos] = -1
	}
	c.head[h] = int32(pos)
}

func (c *Compressor) findMatch(in []byte, pos int) (length, offset int) {
	h := hash3(in[pos:])
	cand, ok := c.head[h]
	depth := 0
	for ok && cand >= 0 && depth < maxChainDepth {
		n := matchLen(in, int(cand), pos)
		if n > length {
			length = n
			offset = pos - int(cand)
		}
		cand = c.prev[cand]
		ok = cand >= 0
		depth++
	}
	return length, offset
}

func matchLen(in []byte, a, b int) int {
	n := 0
	for b+n < len(in) && in[a+n] == in[b+n] {
		n++
	}
	return n
}

func (c *Compressor) addLiteral(b byte) {
	c.items = append(c.items, item{lit: b})
	c.freqs[b]++
}

func (c *Compressor) addMatch(length, offset uint32) {
	c.items = append(c.items, item{length: length, offset: offset})
	c.freqs[matchSym(length, offset)]++
}

func matchSym(length, offset uint32) uint32 {
	slot := length - minMatchLen
	if slot > 0x0F {
		slot = 0x0F
	}
	return numChars + uint32(log2(offset))<<4 + slot
}

func log2(v uint32) uint {
	n := uint(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func (c *Compressor) emit(bw *compression.BitWriter) {
	for _, it := range c.items {
		if it.length == 0 {
			c.putSym(bw, uint32(it.lit))
			continue
		}

		sym := matchSym(it.length, it.offset)
		c.putSym(bw, sym)

		log2Offset := log2(it.offset)
		bw.WriteBits(it.offset&(1<<log2Offset-1), uint(log2Offset), uint(log2Offset))

		extra := it.length - minMatchLen
		if extra >= 0x0F {
			rem := extra - 0x0F
			if rem < 0xFF {
				bw.WriteByte(byte(rem))
			} else {
				bw.WriteByte(0xFF)
				if extra <= 0xFFFF {
					bw.WriteUint16(uint16(extra))
				} else {
					bw.WriteUint16(0)
					bw.WriteUint32(extra)
				}
			}
		}
	}
}

func (c *Compressor) putSym(bw *compression.BitWriter, sym uint32) {
	bw.WriteBits(c.codes[sym], uint(c.lens[sym]), maxCodewordLen)
}
