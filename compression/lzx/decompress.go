package lzx

import (
	"encoding/binary"

	"github.com/dargueta/wim/compression"
)

// Decompressor decodes LZX blocks for a fixed window size. Each WIM
// chunk is an independent LZX stream with a freshly initialized window.
type Decompressor struct {
	windowOrder uint
	numMainSyms uint

	mainLens    [maxMainSymbols]uint8
	lenLens     [numLenSymbols]uint8
	alignedLens [numAlignedSyms]uint8
	precodeLens [numPrecodeSyms]uint8

	mainTable    [mainTableSize]uint16
	lenTable     [lenTableSize]uint16
	alignedTable [alignedTableSize]uint16
	precodeTable [precodeTableSize]uint16
}

// NewDecompressor returns a decompressor for chunks of at most
// maxChunkSize bytes, which determines the window size.
func NewDecompressor(maxChunkSize uint32) (*Decompressor, error) {
	order := uint(0)
	for 1<<order < maxChunkSize {
		order++
	}
	if order < minWindowOrder {
		order = minWindowOrder
	}
	if maxChunkSize > 1<<maxWindowOrder {
		return nil, compression.ErrBadChunkSize
	}
	return &Decompressor{
		windowOrder: order,
		numMainSyms: numChars + numOffsetSlots(order)*numLenHeaders,
	}, nil
}

// Decompress decodes one chunk. out must be sized to the chunk's
// uncompressed length.
func (d *Decompressor) Decompress(in, out []byte) error {
	bs := compression.NewBitstream(in)

	// Codeword lengths are delta-coded against the previous block's
	// lengths; the first block of a chunk deltas against zero.
	for i := range d.mainLens {
		d.mainLens[i] = 0
	}
	for i := range d.lenLens {
		d.lenLens[i] = 0
	}

	recentOffsets := [numRecentOffsets]uint32{1, 1, 1}
	pos := 0
	mayHaveE8 := false

	for pos < len(out) {
		blockType := uint(bs.ReadBits(3))

		var blockSize int
		if bs.ReadBits(1) != 0 {
			blockSize = 1 << 15
		} else {
			blockSize = int(bs.ReadBits(16))
			if d.windowOrder >= 16 {
				blockSize = blockSize<<8 | int(bs.ReadBits(8))
			}
		}
		if blockSize == 0 || blockSize > len(out)-pos {
			return compression.ErrDecompress
		}

		switch blockType {
		case blockTypeVerbatim, blockTypeAligned:
			if blockType == blockTypeAligned {
				for i := range d.alignedLens {
					d.alignedLens[i] = uint8(bs.ReadBits(3))
				}
				if !compression.MakeDecodeTable(d.alignedTable[:], d.alignedLens[:],
					alignedTableBits, maxAlignedCodewordLen) {
					return compression.ErrDecompress
				}
			}

			if err := d.readCodewordLens(&bs, d.mainLens[:numChars]); err != nil {
				return err
			}
			if err := d.readCodewordLens(&bs, d.mainLens[numChars:d.numMainSyms]); err != nil {
				return err
			}
			if !compression.MakeDecodeTable(d.mainTable[:], d.mainLens[:d.numMainSyms],
				mainTableBits, maxMainCodewordLen) {
				return compression.ErrDecompress
			}

			if err := d.readCodewordLens(&bs, d.lenLens[:]); err != nil {
				return err
			}
			if !compression.MakeDecodeTable(d.lenTable[:], d.lenLens[:],
				lenTableBits, maxLenCodewordLen) {
				return compression.ErrDecompress
			}

			end := pos + blockSize
			for pos < end {
				mainSym := int(compression.ReadHuffSym(&bs, d.mainTable[:],
					mainTableBits, maxMainCodewordLen))
				if mainSym < numChars {
					if mainSym == 0xE8 {
						mayHaveE8 = true
					}
					out[pos] = byte(mainSym)
					pos++
					continue
				}

				mainSym -= numChars
				matchLen := mainSym % numLenHeaders
				offsetSlot := mainSym / numLenHeaders
				if matchLen == numPrimaryLens {
					matchLen += int(compression.ReadHuffSym(&bs, d.lenTable[:],
						lenTableBits, maxLenCodewordLen))
				}
				matchLen += minMatchLen

				var offset uint32
				if offsetSlot < numRecentOffsets {
					offset = recentOffsets[offsetSlot]
					recentOffsets[offsetSlot] = recentOffsets[0]
					recentOffsets[0] = offset
				} else {
					extra := uint(extraOffsetBits[offsetSlot])
					offset = offsetSlotBase[offsetSlot]
					if blockType == blockTypeAligned && extra >= 3 {
						offset += bs.ReadBits(extra-3) << 3
						offset += uint32(compression.ReadHuffSym(&bs, d.alignedTable[:],
							alignedTableBits, maxAlignedCodewordLen))
					} else {
						offset += bs.ReadBits(extra)
					}
					offset -= numRecentOffsets - 1
					recentOffsets[2] = recentOffsets[1]
					recentOffsets[1] = recentOffsets[0]
					recentOffsets[0] = offset
				}

				if matchLen > end-pos || offset > uint32(pos) || offset == 0 {
					return compression.ErrDecompress
				}
				compression.LZCopy(out, pos, uint32(matchLen), offset)
				pos += matchLen
			}

		case blockTypeUncompressed:
			// Re-align and read the recent-offset queue verbatim,
			// followed by the literal data.
			bs.Align()
			var raw [12]byte
			if !bs.ReadBytes(raw[:]) {
				return compression.ErrDecompress
			}
			for i := 0; i < numRecentOffsets; i++ {
				recentOffsets[i] = binary.LittleEndian.Uint32(raw[4*i:])
				if recentOffsets[i] == 0 {
					return compression.ErrDecompress
				}
			}
			if !bs.ReadBytes(out[pos : pos+blockSize]) {
				return compression.ErrDecompress
			}
			pos += blockSize
			if blockSize%2 == 1 {
				bs.ReadByte() // pad to a 16-bit boundary
			}
			mayHaveE8 = true

		default:
			return compression.ErrDecompress
		}
	}

	if mayHaveE8 {
		e8Undo(out)
	}
	return nil
}

// readCodewordLens decodes a run of codeword lengths, delta-coded
// against their previous values through the precode.
func (d *Decompressor) readCodewordLens(bs *compression.Bitstream, lens []uint8) error {
	for i := range d.precodeLens {
		d.precodeLens[i] = uint8(bs.ReadBits(precodeElementSize))
	}
	if !compression.MakeDecodeTable(d.precodeTable[:], d.precodeLens[:],
		precodeTableBits, maxPrecodeCodewordLen) {
		return compression.ErrDecompress
	}

	i := 0
	for i < len(lens) {
		presym := compression.ReadHuffSym(bs, d.precodeTable[:],
			precodeTableBits, maxPrecodeCodewordLen)
		switch {
		case presym < 17:
			// Difference from the previous length, mod 17.
			lens[i] = uint8((int(lens[i]) + 17 - int(presym)) % 17)
			i++
		case presym == 17:
			n := 4 + int(bs.ReadBits(4))
			for ; n > 0 && i < len(lens); n-- {
				lens[i] = 0
				i++
			}
		case presym == 18:
			n := 20 + int(bs.ReadBits(5))
			for ; n > 0 && i < len(lens); n-- {
				lens[i] = 0
				i++
			}
		default: // 19: run of one repeated new length
			n := 4 + int(bs.ReadBits(1))
			presym = compression.ReadHuffSym(bs, d.precodeTable[:],
				precodeTableBits, maxPrecodeCodewordLen)
			if presym > 16 {
				return compression.ErrDecompress
			}
			v := uint8((int(lens[i]) + 17 - int(presym)) % 17)
			for ; n > 0 && i < len(lens); n-- {
				lens[i] = v
				i++
			}
		}
	}
	return nil
}
