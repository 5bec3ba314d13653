package lzms

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTables__MonotonicAndCovering(t *testing.T) {
	for _, tc := range []struct {
		name  string
		bases []uint32
	}{
		{"offset", offsetSlotBase},
		{"length", lengthSlotBase},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Greater(t, len(tc.bases), 2)
			assert.EqualValues(t, 1, tc.bases[0])
			for i := 1; i < len(tc.bases); i++ {
				assert.Greater(t, tc.bases[i], tc.bases[i-1], "slot %d", i)
			}
			// The final sentinel closes the 31-bit range.
			assert.EqualValues(t, uint32(MaxBlockSize), tc.bases[len(tc.bases)-1])
		})
	}
	assert.Equal(t, numLengthSyms, len(lengthSlotBase)-1)
}

func TestSlotTables__ExtraBitsSpanSlotRanges(t *testing.T) {
	for s := 0; s < len(offsetSlotBase)-2; s++ {
		span := offsetSlotBase[s+1] - offsetSlotBase[s]
		assert.EqualValues(t, uint32(1)<<extraOffsetBits[s], span, "slot %d", s)
	}
}

func TestSlotFor__InvertsBases(t *testing.T) {
	for s := 0; s < len(offsetSlotBase)-1; s++ {
		base := offsetSlotBase[s]
		assert.EqualValues(t, s, slotFor(offsetSlotBase, base), "base of slot %d", s)
		last := offsetSlotBase[s+1] - 1
		assert.EqualValues(t, s, slotFor(offsetSlotBase, last), "last of slot %d", s)
	}
}

func TestProbEntry__InitialProbability(t *testing.T) {
	var e probEntry
	initProbEntries([]probEntry{})
	entries := make([]probEntry, 1)
	initProbEntries(entries)
	e = entries[0]
	assert.EqualValues(t, 48, e.probability())
}

func TestProbEntry__ClampsAtExtremes(t *testing.T) {
	entries := make([]probEntry, 1)
	initProbEntries(entries)
	e := &entries[0]

	// Feed 64 one-bits: every zero leaves the window.
	for i := 0; i < 64; i++ {
		e.update(1)
	}
	assert.EqualValues(t, 0, e.numRecentZeroBits)
	assert.EqualValues(t, 1, e.probability(), "0/64 must clamp to 1/64")

	for i := 0; i < 64; i++ {
		e.update(0)
	}
	assert.EqualValues(t, 64, e.numRecentZeroBits)
	assert.EqualValues(t, 63, e.probability(), "64/64 must clamp to 63/64")
}

func TestRangeDecoder__ZeroCodeDecodesZeroBits(t *testing.T) {
	rd := newRangeDecoder(make([]byte, 64))
	for i := 0; i < 100; i++ {
		require.EqualValues(t, 0, rd.decodeBit(48), "bit %d", i)
	}
}

func TestBackwardBitstream__ReadsUnitsFromEnd(t *testing.T) {
	// Units in memory: [0x1111, 0x2222, 0xABCD]; the backward stream
	// reads 0xABCD first, high bits first.
	in := []byte{0x11, 0x11, 0x22, 0x22, 0xCD, 0xAB}
	bs := newBackwardBitstream(in)
	assert.EqualValues(t, 0xAB, bs.readBits(8))
	assert.EqualValues(t, 0xCD, bs.readBits(8))
	assert.EqualValues(t, 0x2222, bs.readBits(16))
	assert.EqualValues(t, 0x1111, bs.readBits(16))
	// Underrun reads zero.
	assert.EqualValues(t, 0, bs.readBits(16))
}

// An all-zero compressed block decodes deterministically: every range
// bit is zero (literal), and the uniform initial literal code assigns
// symbol 0 the all-zeros codeword.
func TestDecompress__AllZeroInputYieldsZeroBytes(t *testing.T) {
	d, err := NewDecompressor(1 << 20)
	require.NoError(t, err)

	out := make([]byte, 4096)
	for i := range out {
		out[i] = 0xEE
	}
	require.NoError(t, d.Decompress(make([]byte, 64), out))
	for i, b := range out {
		require.Zero(t, b, "byte %d", i)
	}
}

func TestDecompress__RejectsOddAndShortInput(t *testing.T) {
	d, err := NewDecompressor(1 << 20)
	require.NoError(t, err)
	assert.Error(t, d.Decompress(make([]byte, 3), make([]byte, 16)))
	assert.Error(t, d.Decompress(make([]byte, 7), make([]byte, 16)))
}

func TestNewDecompressor__RejectsHugeBlocks(t *testing.T) {
	_, err := NewDecompressor(1 << 31)
	assert.Error(t, err)
}

func TestDecompress__GarbageNeverPanics(t *testing.T) {
	d, err := NewDecompressor(1 << 16)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(13))
	in := make([]byte, 512)
	out := make([]byte, 1<<16)
	for trial := 0; trial < 100; trial++ {
		rng.Read(in)
		_ = d.Decompress(in, out)
	}
}

func TestX86Filter__ApplyUndoIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	usages := make([]int32, x86NumTargetBuckets)
	for trial := 0; trial < 50; trial++ {
		data := make([]byte, 2048)
		rng.Read(data)
		// Salt with plenty of E8 opcodes so translation actually runs.
		for i := 0; i < len(data); i += 37 {
			data[i] = 0xE8
		}
		original := append([]byte(nil), data...)

		x86Filter(data, usages, false)
		x86Filter(data, usages, true)
		assert.Equal(t, original, data, "trial %d", trial)
	}
}

// Hand-derived reference trace of the filter. Three CALL opcodes:
//
//	A at pos 1,  rel 0x00000100 -> bucket 0x0101; first use, nothing
//	             enabled, usages[0x0101] = 6.
//	B at pos 8,  rel 0x000000F9 -> bucket 8+0xF9 = 0x0101 again; the
//	             repeat within the ID window flags the region as code
//	             (lastX86Pos = 13) but B itself is not translated.
//	C at pos 20, rel 0x00000042; 20-13 <= 1023, so C *is* translated:
//	             its displacement becomes 0x42+20 = 0x56.
//
// Only C's displacement may change, and the usage table must show the
// recorded positions 13 (bucket 0x0101) and 25 (bucket 0x0056).
func TestX86Filter__ReferenceTrace(t *testing.T) {
	data := make([]byte, 48)
	data[1] = 0xE8
	binary.LittleEndian.PutUint32(data[2:], 0x00000100)
	data[8] = 0xE8
	binary.LittleEndian.PutUint32(data[9:], 0x000000F9)
	data[20] = 0xE8
	binary.LittleEndian.PutUint32(data[21:], 0x00000042)
	original := append([]byte(nil), data...)

	usages := make([]int32, x86NumTargetBuckets)
	x86Filter(data, usages, false)

	want := append([]byte(nil), original...)
	binary.LittleEndian.PutUint32(want[21:], 0x00000056)
	assert.Equal(t, want, data)

	assert.EqualValues(t, 13, usages[0x0101], "A and B share bucket 0x0101")
	assert.EqualValues(t, 25, usages[0x0056], "C records its own bucket")

	x86Filter(data, usages, true)
	assert.Equal(t, original, data, "undo must restore the input")
}

// Without a repeated target bucket the region is never flagged as x86
// code and nothing is translated, no matter how close the opcodes sit.
func TestX86Filter__DistinctBucketsDisableTranslation(t *testing.T) {
	data := make([]byte, 48)
	data[1] = 0xE8
	binary.LittleEndian.PutUint32(data[2:], 0x00000100) // bucket 0x0101
	data[8] = 0xE8
	binary.LittleEndian.PutUint32(data[9:], 0x00000200) // bucket 0x0208
	data[20] = 0xE8
	binary.LittleEndian.PutUint32(data[21:], 0x00000042)
	original := append([]byte(nil), data...)

	x86Filter(data, make([]int32, x86NumTargetBuckets), false)
	assert.Equal(t, original, data)
}

// The undo direction must take the bucket from the *untranslated*
// displacement so its table transitions match the apply direction's;
// a long chain of translated calls into one bucket exercises that.
func TestX86Filter__ChainedTranslationsStayInvertible(t *testing.T) {
	data := make([]byte, 512)
	// Calls every 8 bytes, all targeting (position-dependent) rels that
	// land in bucket 0x0040.
	for pos := int32(8); pos < 480; pos += 8 {
		data[pos] = 0xE8
		binary.LittleEndian.PutUint32(data[pos+1:], uint32(0x0040-uint16(pos)))
	}
	original := append([]byte(nil), data...)

	usages := make([]int32, x86NumTargetBuckets)
	x86Filter(data, usages, false)
	assert.NotEqual(t, original, data, "repeated buckets must enable translation")
	x86Filter(data, usages, true)
	assert.Equal(t, original, data)
}

func TestX86Filter__ShortDataUntouched(t *testing.T) {
	data := []byte{0xE8, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	original := append([]byte(nil), data...)
	x86Filter(data, make([]int32, x86NumTargetBuckets), false)
	assert.Equal(t, original, data)
}
