package lzx

import (
	"github.com/dargueta/wim/compression"
)

// Compressor produces LZX chunks. It parses greedily with hash chains
// and emits a single verbatim block per chunk. When that block does not
// shrink the chunk, Compress returns 0 and no LZX block is produced.
type Compressor struct {
	windowOrder uint
	numMainSyms uint

	window []byte
	head   map[uint32]int32
	prev   []int32
	items  []parsedItem

	mainFreqs [maxMainSymbols]uint32
	lenFreqs  [numLenSymbols]uint32
	mainLens  [maxMainSymbols]uint8
	lenLens   [numLenSymbols]uint8
	mainCodes [maxMainSymbols]uint32
	lenCodes  [numLenSymbols]uint32

	precodeFreqs [numPrecodeSyms]uint32
	precodeLens  [numPrecodeSyms]uint8
	precodeCodes [numPrecodeSyms]uint32
}

type parsedItem struct {
	length uint32 // 0 for a literal
	offset uint32 // formatted offset for matches
	lit    byte
}

// NewCompressor returns a compressor for chunks of at most maxChunkSize
// bytes.
func NewCompressor(maxChunkSize uint32) (*Compressor, error) {
	order := uint(0)
	for 1<<order < maxChunkSize {
		order++
	}
	if order < minWindowOrder {
		order = minWindowOrder
	}
	if order > maxWindowOrder {
		return nil, compression.ErrBadChunkSize
	}
	return &Compressor{
		windowOrder: order,
		numMainSyms: numChars + numOffsetSlots(order)*numLenHeaders,
		window:      make([]byte, 0, 1<<order),
		head:        make(map[uint32]int32),
		prev:        make([]int32, 1<<order),
	}, nil
}

func hash3(p []byte) uint32 {
	return (uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16) * 0x9E3779B1 >> 14
}

const maxChainDepth = 64

// Compress encodes in. Returns the compressed size, or 0 when the chunk
// should be stored raw.
func (c *Compressor) Compress(in, out []byte) int {
	if len(in) < minMatchLen+2 {
		return 0
	}

	// Work on a private copy so the E8 transform does not clobber the
	// caller's chunk buffer.
	c.window = append(c.window[:0], in...)
	e8Apply(c.window)

	c.parse()

	for i := range c.mainLens {
		c.mainLens[i] = 0
	}
	compression.MakeCanonicalCode(c.mainFreqs[:c.numMainSyms], c.mainLens[:c.numMainSyms],
		c.mainCodes[:c.numMainSyms], maxMainCodewordLen)
	compression.MakeCanonicalCode(c.lenFreqs[:], c.lenLens[:], c.lenCodes[:],
		maxLenCodewordLen)

	bw := compression.NewBitWriter(len(in))
	c.emitVerbatimBlock(bw, len(in))
	enc := bw.Bytes()

	if len(enc) >= len(in) || len(enc) > len(out) {
		// The chunk layer stores incompressible chunks raw; no point
		// in emitting an uncompressed LZX block that adds framing.
		return 0
	}
	copy(out, enc)
	return len(enc)
}

func (c *Compressor) writeBlockSize(bw *compression.BitWriter, size int) {
	if size == 1<<15 {
		bw.WriteBits(1, 1, 1)
		return
	}
	bw.WriteBits(0, 1, 1)
	if c.windowOrder >= 16 {
		bw.WriteBits(uint32(size)>>8, 16, 16)
		bw.WriteBits(uint32(size)&0xFF, 8, 8)
	} else {
		bw.WriteBits(uint32(size), 16, 16)
	}
}

// parse fills c.items with a greedy literal/match sequence over the
// preprocessed window, maintaining the R0 recent offset the way the
// decoder will.
func (c *Compressor) parse() {
	in := c.window
	for k := range c.head {
		delete(c.head, k)
	}
	c.items = c.items[:0]
	for i := range c.mainFreqs[:c.numMainSyms] {
		c.mainFreqs[i] = 0
	}
	for i := range c.lenFreqs {
		c.lenFreqs[i] = 0
	}

	recent0 := uint32(1)
	pos := 0
	for pos < len(in) {
		// hash3 reads three bytes, so the last two positions are
		// always literals.
		if pos+3 > len(in) {
			c.addLiteral(in[pos])
			pos++
			continue
		}

		bestLen, bestOffset := c.findMatch(pos)
		if bestLen < minMatchLen || (bestLen == minMatchLen && bestOffset > 4096) {
			c.addLiteral(in[pos])
			c.insert(pos)
			pos++
			continue
		}
		if bestLen > maxMatchLen {
			bestLen = maxMatchLen
		}

		var formatted uint32
		if uint32(bestOffset) == recent0 {
			formatted = 0
		} else {
			formatted = uint32(bestOffset) + numRecentOffsets - 1
			recent0 = uint32(bestOffset)
		}
		c.addMatch(uint32(bestLen), formatted)

		end := pos + bestLen
		for ; pos < end && pos+3 <= len(in); pos++ {
			c.insert(pos)
		}
		pos = end
	}
}

func (c *Compressor) insert(pos int) {
	h := hash3(c.window[pos:])
	if old, ok := c.head[h]; ok {
		c.prev[pos] = old
	} else {
		c.prev[pos] = -1
	}
	c.head[h] = int32(pos)
}

func (c *Compressor) findMatch(pos int) (length, offset int) {
	in := c.window
	h := hash3(in[pos:])
	cand, ok := c.head[h]
	depth := 0
	// Matches may not start within the final two bytes of the window.
	limit := len(in) - 2
	for ok && cand >= 0 && depth < maxChainDepth {
		if int(cand) < limit {
			n := 0
			for pos+n < len(in) && n < maxMatchLen && in[int(cand)+n] == in[pos+n] {
				n++
			}
			if n > length {
				length = n
				offset = pos - int(cand)
			}
		}
		cand = c.prev[cand]
		ok = cand >= 0
		depth++
	}
	return length, offset
}

func (c *Compressor) addLiteral(b byte) {
	c.items = append(c.items, parsedItem{lit: b})
	c.mainFreqs[b]++
}

func (c *Compressor) addMatch(length, formatted uint32) {
	c.items = append(c.items, parsedItem{length: length, offset: formatted})
	slot := offsetSlotFor(formatted)
	lenHeader := length - minMatchLen
	if lenHeader >= numPrimaryLens {
		c.lenFreqs[lenHeader-numPrimaryLens]++
		lenHeader = numPrimaryLens
	}
	c.mainFreqs[numChars+slot*numLenHeaders+uint(lenHeader)]++
}

func (c *Compressor) emitVerbatimBlock(bw *compression.BitWriter, blockSize int) {
	bw.WriteBits(blockTypeVerbatim, 3, 3)
	c.writeBlockSize(bw, blockSize)

	c.emitCodewordLens(bw, c.mainLens[:numChars], nil)
	c.emitCodewordLens(bw, c.mainLens[numChars:c.numMainSyms], c.mainLens[:numChars])
	c.emitCodewordLens(bw, c.lenLens[:], nil)

	for _, it := range c.items {
		if it.length == 0 {
			c.putMainSym(bw, uint(it.lit))
			continue
		}

		slot := offsetSlotFor(it.offset)
		lenHeader := it.length - minMatchLen
		if lenHeader >= numPrimaryLens {
			extra := lenHeader - numPrimaryLens
			lenHeader = numPrimaryLens
			c.putMainSym(bw, numChars+slot*numLenHeaders+uint(lenHeader))
			bw.WriteBits(c.lenCodes[extra], uint(c.lenLens[extra]), maxLenCodewordLen)
		} else {
			c.putMainSym(bw, numChars+slot*numLenHeaders+uint(lenHeader))
		}

		if slot >= numRecentOffsets {
			extra := uint(extraOffsetBits[slot])
			bw.WriteBits(it.offset-offsetSlotBase[slot], extra, extra)
		}
	}
}

func (c *Compressor) putMainSym(bw *compression.BitWriter, sym uint) {
	bw.WriteBits(c.mainCodes[sym], uint(c.mainLens[sym]), maxMainCodewordLen)
}

// emitCodewordLens writes one delta-coded length run preceded by its
// precode. The second parameter is unused: every run is delta-coded
// against zero, which is what the decoder holds at the start of a chunk.
func (c *Compressor) emitCodewordLens(bw *compression.BitWriter, lens, _ []uint8) {
	// Deltas are against zero (codes are rebuilt per chunk), so the
	// precode symbol for length v is (17 - v) % 17.
	for i := range c.precodeFreqs {
		c.precodeFreqs[i] = 0
	}
	for _, v := range lens {
		c.precodeFreqs[(17-int(v))%17]++
	}
	compression.MakeCanonicalCode(c.precodeFreqs[:], c.precodeLens[:], c.precodeCodes[:],
		(1<<precodeElementSize)-1)

	for _, l := range c.precodeLens {
		bw.WriteBits(uint32(l), precodeElementSize, precodeElementSize)
	}
	for _, v := range lens {
		sym := (17 - int(v)) % 17
		bw.WriteBits(c.precodeCodes[sym], uint(c.precodeLens[sym]), maxPrecodeCodewordLen)
	}
}
