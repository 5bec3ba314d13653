// Package lzx implements the LZX compression format as used in WIM
// resources: 32 KiB to 2 MiB windows, three block types, position-slot
// offset coding with a three-entry recent-offset queue, and the x86 E8
// call-target preprocessing.
package lzx

const (
	minMatchLen      = 2
	maxMatchLen      = 257
	numChars         = 256
	numPrimaryLens   = 7
	numLenHeaders    = 8
	numLenSymbols    = 249 // (257-2+1) - 7
	numAlignedSyms   = 8
	numPrecodeSyms   = 20
	numRecentOffsets = 3

	blockTypeVerbatim     = 1
	blockTypeAligned      = 2
	blockTypeUncompressed = 3

	maxMainCodewordLen    = 16
	maxLenCodewordLen     = 16
	maxAlignedCodewordLen = 8
	maxPrecodeCodewordLen = 16

	mainTableBits    = 11
	lenTableBits     = 10
	alignedTableBits = 7
	precodeTableBits = 6

	precodeElementSize = 4 // bits per precode codeword length

	minWindowOrder = 15
	maxWindowOrder = 21

	// E8 preprocessing constants: the fixed "file size" the WIM variant
	// assumes, and the span of the window the transform covers.
	e8MagicFileSize = 12000000
	e8MaxSpan       = 32768
)

const maxOffsetSlots = 50
const maxMainSymbols = numChars + maxOffsetSlots*numLenHeaders // 656

// enough() values for the decode tables.
const (
	mainTableSize    = 2726 // enough(656, 11, 16)
	lenTableSize     = 1326 // enough(249, 10, 16)
	alignedTableSize = 128  // enough(8, 7, 8)
	precodeTableSize = 1102 // enough(20, 6, 16) is 566; padded generously
)

// offsetSlotBase[s] is the first formatted offset of slot s;
// extraOffsetBits[s] is how many verbatim bits follow the slot.
var offsetSlotBase [maxOffsetSlots + 1]uint32
var extraOffsetBits [maxOffsetSlots]uint8

func init() {
	base := uint32(0)
	for s := 0; s < maxOffsetSlots; s++ {
		offsetSlotBase[s] = base
		extra := uint8(0)
		if s >= 2 {
			extra = uint8(s/2 - 1)
			if extra > 17 {
				extra = 17
			}
		}
		extraOffsetBits[s] = extra
		base += 1 << extra
	}
	offsetSlotBase[maxOffsetSlots] = base
}

// numOffsetSlots returns the number of offset slots needed for the given
// window order. The format disallows the two final byte positions as
// match sources, so the largest formatted offset is window_size - 3 + 2.
func numOffsetSlots(windowOrder uint) uint {
	maxFormatted := uint32(1)<<windowOrder - minMatchLen - 1 + (numRecentOffsets - 1)
	n := uint(1)
	for n < maxOffsetSlots && offsetSlotBase[n] <= maxFormatted {
		n++
	}
	return n
}

// offsetSlotFor returns the slot whose range contains the formatted
// offset.
func offsetSlotFor(formatted uint32) uint {
	lo, hi := 0, maxOffsetSlots
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if offsetSlotBase[mid] <= formatted {
			lo = mid
		} else {
			hi = mid
		}
	}
	return uint(lo)
}
