package lzms

import (
	"encoding/binary"

	"github.com/dargueta/wim/compression"
)

// rangeDecoder reads range-coded bits from the forward stream of 16-bit
// little-endian units. Exhausted input normalizes in zero units; the
// resulting garbage is caught by the outer validation.
type rangeDecoder struct {
	rng  uint32
	code uint32
	in   []byte
	pos  int
}

func newRangeDecoder(in []byte) rangeDecoder {
	rd := rangeDecoder{rng: 0xFFFFFFFF, in: in}
	rd.code = uint32(binary.LittleEndian.Uint16(in))<<16 |
		uint32(binary.LittleEndian.Uint16(in[2:]))
	rd.pos = 4
	return rd
}

func (rd *rangeDecoder) nextUnit() uint32 {
	if rd.pos+2 > len(rd.in) {
		return 0
	}
	u := uint32(binary.LittleEndian.Uint16(rd.in[rd.pos:]))
	rd.pos += 2
	return u
}

// decodeBit decodes one bit with probability prob/64 of being zero.
func (rd *rangeDecoder) decodeBit(prob uint32) uint32 {
	if rd.rng <= 0xFFFF {
		rd.rng <<= 16
		rd.code = rd.code<<16 | rd.nextUnit()
	}
	bound := (rd.rng >> probabilityBits) * prob
	if rd.code < bound {
		rd.rng = bound
		return 0
	}
	rd.rng -= bound
	rd.code -= bound
	return 1
}

// backwardBitstream reads bits from 16-bit little-endian units starting
// at the end of the buffer and moving toward the front. Bits within
// each unit are ordered high to low. Underruns read as zero bits.
type backwardBitstream struct {
	bitbuf   uint64
	bitsleft uint
	in       []byte
	pos      int // byte index just past the next unit to pull
}

func newBackwardBitstream(in []byte) backwardBitstream {
	return backwardBitstream{in: in, pos: len(in)}
}

func (bs *backwardBitstream) ensureBits(n uint) {
	for bs.bitsleft < n {
		var unit uint64
		if bs.pos >= 2 {
			bs.pos -= 2
			unit = uint64(binary.LittleEndian.Uint16(bs.in[bs.pos:]))
		}
		bs.bitbuf |= unit << (64 - 16 - bs.bitsleft)
		bs.bitsleft += 16
	}
}

func (bs *backwardBitstream) peekBits(n uint) uint32 {
	return uint32((bs.bitbuf >> 1) >> (64 - n - 1))
}

func (bs *backwardBitstream) removeBits(n uint) {
	bs.bitbuf <<= n
	bs.bitsleft -= n
}

func (bs *backwardBitstream) readBits(n uint) uint32 {
	if n == 0 {
		return 0
	}
	bs.ensureBits(n)
	v := bs.peekBits(n)
	bs.removeBits(n)
	return v
}

// huffDecoder is one adaptive Huffman code. The code is rebuilt from the
// running symbol frequencies every rebuildFreq symbols, after which each
// frequency f becomes f>>1 + 1, so none drops to zero.
type huffDecoder struct {
	numSyms     uint
	rebuildFreq uint32
	numSymsRead uint32

	slotBases []uint32 // nil when the code carries raw symbols
	extraBits []uint8

	freqs []uint32
	lens  []uint8
	codes []uint32
	table []uint16
}

func newHuffDecoder(numSyms uint, rebuildFreq uint32, slotBases []uint32, extraBits []uint8) *huffDecoder {
	d := &huffDecoder{
		numSyms:     numSyms,
		rebuildFreq: rebuildFreq,
		numSymsRead: rebuildFreq, // force a build before the first symbol
		slotBases:   slotBases,
		extraBits:   extraBits,
		freqs:       make([]uint32, numSyms),
		lens:        make([]uint8, numSyms),
		codes:       make([]uint32, numSyms),
		table:       make([]uint16, (1<<decodeTableBits)+2*numSyms),
	}
	for i := range d.freqs {
		d.freqs[i] = 1
	}
	return d
}

func (d *huffDecoder) decodeSymbol(bs *backwardBitstream) uint {
	if d.numSymsRead == d.rebuildFreq {
		compression.MakeCanonicalCode(d.freqs, d.lens, d.codes, maxCodewordLen)
		compression.MakeDecodeTable(d.table, d.lens, decodeTableBits, maxCodewordLen)
		for i := range d.freqs {
			d.freqs[i] = d.freqs[i]>>1 + 1
		}
		d.numSymsRead = 0
	}

	bs.ensureBits(maxCodewordLen)
	entry := d.table[bs.peekBits(decodeTableBits)]
	if entry&0x8000 != 0 {
		bs.removeBits(decodeTableBits)
		subBits := uint(entry>>12) & 7
		base := uint32(1<<decodeTableBits) + uint32(entry&0x0FFF)
		entry = d.table[base+bs.peekBits(subBits)]
	}
	bs.removeBits(uint(entry >> 11))
	sym := uint(entry & 0x7FF)

	d.freqs[sym]++
	d.numSymsRead++
	return sym
}

// decodeValue reads a slot symbol plus its extra bits and reconstitutes
// the full value.
func (d *huffDecoder) decodeValue(bs *backwardBitstream) uint32 {
	slot := d.decodeSymbol(bs)
	return d.slotBases[slot] + bs.readBits(uint(d.extraBits[slot]))
}

// lru tracking for LZ and delta matches. Front insertion is delayed by
// one item: an offset used in item N enters the queue only after item
// N+1 finishes.
type lzLRU struct {
	recentOffsets   [numRecentOffsets + 1]uint32
	prevOffset      uint32
	upcomingOffset  uint32
}

type deltaLRU struct {
	recentPowers   [numRecentOffsets + 1]uint32
	recentOffsets  [numRecentOffsets + 1]uint32
	prevPower      uint32
	prevOffset     uint32
	upcomingPower  uint32
	upcomingOffset uint32
}

// Decompressor decodes LZMS blocks.
type Decompressor struct {
	rd rangeDecoder
	is backwardBitstream

	mainState    uint32
	matchState   uint32
	lzMatchState uint32
	lzRepeatMatchStates [numRecentOffsets - 1]uint32
	deltaMatchState     uint32
	deltaRepeatMatchStates [numRecentOffsets - 1]uint32

	mainProbs    [numMainStates]probEntry
	matchProbs   [numMatchStates]probEntry
	lzMatchProbs [numLZMatchStates]probEntry
	lzRepeatMatchProbs [numRecentOffsets - 1][numLZRepeatMatchStates]probEntry
	deltaMatchProbs    [numDeltaMatchStates]probEntry
	deltaRepeatMatchProbs [numRecentOffsets - 1][numDeltaRepeatMatchStates]probEntry

	literal     *huffDecoder
	lzOffset    *huffDecoder
	length      *huffDecoder
	deltaOffset *huffDecoder
	deltaPower  *huffDecoder

	lz    lzLRU
	delta deltaLRU

	lastTargetUsages []int32
}

// NewDecompressor returns a decompressor for blocks of at most
// maxBlockSize uncompressed bytes. Sizes of 2 GiB or more are rejected:
// the x86 postprocessor and the slot search require signed 32-bit
// positions.
func NewDecompressor(maxBlockSize uint32) (*Decompressor, error) {
	if uint64(maxBlockSize) >= 1<<31 {
		return nil, compression.ErrBadChunkSize
	}
	return &Decompressor{lastTargetUsages: make([]int32, 65536)}, nil
}

func (d *Decompressor) init(in []byte, ulen int) {
	d.rd = newRangeDecoder(in)
	d.is = newBackwardBitstream(in)

	numOffsetSlots := slotFor(offsetSlotBase, uint32(ulen-1)) + 1
	d.literal = newHuffDecoder(numLiteralSyms, literalRebuildFreq, nil, nil)
	d.lzOffset = newHuffDecoder(numOffsetSlots, lzOffsetRebuildFreq, offsetSlotBase, extraOffsetBits)
	d.length = newHuffDecoder(numLengthSyms, lengthRebuildFreq, lengthSlotBase, extraLengthBits)
	d.deltaOffset = newHuffDecoder(numOffsetSlots, deltaOffsetRebuildFreq, offsetSlotBase, extraOffsetBits)
	d.deltaPower = newHuffDecoder(numDeltaPowerSyms, deltaPowerRebuildFreq, nil, nil)

	d.mainState = 0
	d.matchState = 0
	d.lzMatchState = 0
	d.deltaMatchState = 0
	initProbEntries(d.mainProbs[:])
	initProbEntries(d.matchProbs[:])
	initProbEntries(d.lzMatchProbs[:])
	initProbEntries(d.deltaMatchProbs[:])
	for i := 0; i < numRecentOffsets-1; i++ {
		d.lzRepeatMatchStates[i] = 0
		d.deltaRepeatMatchStates[i] = 0
		initProbEntries(d.lzRepeatMatchProbs[i][:])
		initProbEntries(d.deltaRepeatMatchProbs[i][:])
	}

	d.lz = lzLRU{recentOffsets: [4]uint32{1, 2, 3, 4}}
	d.delta = deltaLRU{
		recentPowers:  [4]uint32{0, 0, 0, 0},
		recentOffsets: [4]uint32{1, 2, 3, 4},
	}
}

func (d *Decompressor) rangeBit(state *uint32, mask uint32, probs []probEntry) uint32 {
	entry := &probs[*state]
	bit := d.rd.decodeBit(entry.probability())
	*state = (*state<<1 | bit) & mask
	entry.update(bit)
	return bit
}

// Decompress decodes one block into out, which must be sized to the
// block's uncompressed length.
func (d *Decompressor) Decompress(in, out []byte) error {
	// The range decoder needs two initial units, and the block must
	// consist of whole 16-bit units.
	if len(in) < 4 || len(in)%2 != 0 {
		return compression.ErrDecompress
	}
	if len(out) == 0 {
		return nil
	}
	if uint64(len(out)) >= 1<<31 {
		return compression.ErrDecompress
	}

	d.init(in, len(out))
	if err := d.decodeItems(out); err != nil {
		return err
	}
	x86Filter(out, d.lastTargetUsages, true)
	return nil
}

func (d *Decompressor) decodeItems(out []byte) error {
	pos := 0
	for pos < len(out) {
		d.lz.upcomingOffset = 0
		d.delta.upcomingPower = 0
		d.delta.upcomingOffset = 0

		if d.rangeBit(&d.mainState, numMainStates-1, d.mainProbs[:]) == 0 {
			// Literal.
			out[pos] = byte(d.literal.decodeSymbol(&d.is))
			pos++
		} else if d.rangeBit(&d.matchState, numMatchStates-1, d.matchProbs[:]) == 0 {
			// LZ match.
			var offset uint32
			if d.rangeBit(&d.lzMatchState, numLZMatchStates-1, d.lzMatchProbs[:]) == 0 {
				offset = d.lzOffset.decodeValue(&d.is)
			} else {
				i := 0
				for ; i < numRecentOffsets-1; i++ {
					if d.rangeBit(&d.lzRepeatMatchStates[i],
						numLZRepeatMatchStates-1,
						d.lzRepeatMatchProbs[i][:]) == 0 {
						break
					}
				}
				offset = d.lz.recentOffsets[i]
				for ; i < numRecentOffsets; i++ {
					d.lz.recentOffsets[i] = d.lz.recentOffsets[i+1]
				}
			}
			d.lz.upcomingOffset = offset

			length := d.length.decodeValue(&d.is)

			if uint64(length) > uint64(len(out)-pos) || offset > uint32(pos) || length == 0 {
				return compression.ErrDecompress
			}
			compression.LZCopy(out, pos, length, offset)
			pos += int(length)
		} else {
			// Delta match.
			var power, rawOffset uint32
			if d.rangeBit(&d.deltaMatchState, numDeltaMatchStates-1, d.deltaMatchProbs[:]) == 0 {
				power = uint32(d.deltaPower.decodeSymbol(&d.is))
				rawOffset = d.deltaOffset.decodeValue(&d.is)
			} else {
				i := 0
				for ; i < numRecentOffsets-1; i++ {
					if d.rangeBit(&d.deltaRepeatMatchStates[i],
						numDeltaRepeatMatchStates-1,
						d.deltaRepeatMatchProbs[i][:]) == 0 {
						break
					}
				}
				power = d.delta.recentPowers[i]
				rawOffset = d.delta.recentOffsets[i]
				for ; i < numRecentOffsets; i++ {
					d.delta.recentPowers[i] = d.delta.recentPowers[i+1]
					d.delta.recentOffsets[i] = d.delta.recentOffsets[i+1]
				}
			}
			d.delta.upcomingPower = power
			d.delta.upcomingOffset = rawOffset

			length := d.length.decodeValue(&d.is)

			if power > 30 {
				return compression.ErrDecompress
			}
			offset1 := uint32(1) << power
			offset2 := rawOffset << power
			if uint64(length) > uint64(len(out)-pos) || length == 0 ||
				offset2>>power != rawOffset ||
				uint64(offset1)+uint64(offset2) > uint64(pos) {
				return compression.ErrDecompress
			}
			offset := offset1 + offset2
			for n := uint32(0); n < length; n++ {
				out[pos] = out[pos-int(offset1)] + out[pos-int(offset2)] - out[pos-int(offset)]
				pos++
			}
		}

		// Commit the delayed LRU updates.
		if d.lz.prevOffset != 0 {
			for i := numRecentOffsets - 1; i >= 0; i-- {
				d.lz.recentOffsets[i+1] = d.lz.recentOffsets[i]
			}
			d.lz.recentOffsets[0] = d.lz.prevOffset
		}
		d.lz.prevOffset = d.lz.upcomingOffset

		if d.delta.prevOffset != 0 {
			for i := numRecentOffsets - 1; i >= 0; i-- {
				d.delta.recentPowers[i+1] = d.delta.recentPowers[i]
				d.delta.recentOffsets[i+1] = d.delta.recentOffsets[i]
			}
			d.delta.recentPowers[0] = d.delta.prevPower
			d.delta.recentOffsets[0] = d.delta.prevOffset
		}
		d.delta.prevPower = d.delta.upcomingPower
		d.delta.prevOffset = d.delta.upcomingOffset
	}
	return nil
}
