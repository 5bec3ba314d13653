package compression_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/dargueta/wim/compression"
)

func TestMakeDecodeTable__SimpleCode(t *testing.T) {
	// Canonical code for lens {1, 2, 3, 3}:
	//   sym 0 -> 0, sym 1 -> 10, sym 2 -> 110, sym 3 -> 111
	lens := []uint8{1, 2, 3, 3}
	table := make([]uint16, (1<<3)+2*4)
	require.True(t, c.MakeDecodeTable(table, lens, 3, 3))

	// Feed codewords through a bitstream. Bits are packed MSB-first
	// into 16-bit little-endian units.
	// Sequence: 0, 10, 110, 111, 0 -> bits 0 10 110 111 0 = 010110111 0......
	unit := uint16(0b0101101110000000)
	bs := c.NewBitstream([]byte{byte(unit & 0xFF), byte(unit >> 8)})

	for _, want := range []uint{0, 1, 2, 3, 0} {
		got := c.ReadHuffSym(&bs, table, 3, 3)
		assert.Equal(t, want, got)
	}
}

func TestMakeDecodeTable__Subtables(t *testing.T) {
	// A code with max length far beyond the table bits forces subtable
	// construction: lens {1, 2, 3, 4, 5, 6, 7, 8, 8}.
	lens := []uint8{1, 2, 3, 4, 5, 6, 7, 8, 8}
	table := make([]uint16, (1<<4)+2*len(lens))
	require.True(t, c.MakeDecodeTable(table, lens, 4, 8))

	// Longest codewords: sym 7 -> 11111110, sym 8 -> 11111111.
	unit := uint16(0b1111111011111111)
	bs := c.NewBitstream([]byte{byte(unit & 0xFF), byte(unit >> 8)})
	assert.Equal(t, uint(7), c.ReadHuffSym(&bs, table, 4, 8))
	assert.Equal(t, uint(8), c.ReadHuffSym(&bs, table, 4, 8))
}

func TestMakeDecodeTable__RejectsOversubscribed(t *testing.T) {
	lens := []uint8{1, 1, 2}
	table := make([]uint16, (1<<4)+2*3)
	assert.False(t, c.MakeDecodeTable(table, lens, 4, 4))
}

func TestMakeDecodeTable__RejectsIncomplete(t *testing.T) {
	lens := []uint8{2, 2, 2} // one quarter of the codespace unused
	table := make([]uint16, (1<<4)+2*3)
	assert.False(t, c.MakeDecodeTable(table, lens, 4, 4))
}

func TestMakeDecodeTable__AcceptsEmptyCode(t *testing.T) {
	lens := []uint8{0, 0, 0, 0}
	table := make([]uint16, (1<<4)+2*4)
	assert.True(t, c.MakeDecodeTable(table, lens, 4, 4))
}

func TestMakeCanonicalCode__UniformFrequencies(t *testing.T) {
	freqs := make([]uint32, 256)
	for i := range freqs {
		freqs[i] = 1
	}
	lens := make([]uint8, 256)
	codes := make([]uint32, 256)
	c.MakeCanonicalCode(freqs, lens, codes, 15)

	for sym, l := range lens {
		assert.EqualValues(t, 8, l, "symbol %d", sym)
	}
	// Canonical: codewords are consecutive integers.
	for sym, code := range codes {
		assert.EqualValues(t, sym, code)
	}
}

func TestMakeCanonicalCode__SingleSymbol(t *testing.T) {
	freqs := []uint32{0, 7, 0}
	lens := make([]uint8, 3)
	codes := make([]uint32, 3)
	c.MakeCanonicalCode(freqs, lens, codes, 15)
	assert.EqualValues(t, 1, lens[1])
	assert.EqualValues(t, 0, lens[0])
	assert.EqualValues(t, 0, lens[2])
}

func TestMakeCanonicalCode__KraftSumIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(500)
		freqs := make([]uint32, n)
		used := 0
		for i := range freqs {
			if rng.Intn(3) > 0 {
				freqs[i] = uint32(1 + rng.Intn(100000))
				used++
			}
		}
		if used < 2 {
			continue
		}
		lens := make([]uint8, n)
		codes := make([]uint32, n)
		c.MakeCanonicalCode(freqs, lens, codes, 15)

		var kraft uint64
		for i, l := range lens {
			if freqs[i] == 0 {
				assert.Zero(t, l)
				continue
			}
			require.NotZero(t, l)
			require.LessOrEqual(t, l, uint8(15))
			kraft += uint64(1) << (15 - l)
		}
		assert.EqualValues(t, uint64(1)<<15, kraft, "trial %d", trial)
	}
}

// Round trip: a canonical code built from frequencies must decode its
// own codewords through the decode table.
func TestCanonicalCodeRoundTrip__RandomSymbols(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	const numSyms = 300
	const maxLen = 15
	const tableBits = 10

	freqs := make([]uint32, numSyms)
	for i := range freqs {
		freqs[i] = uint32(1 + rng.Intn(1000))
	}
	lens := make([]uint8, numSyms)
	codes := make([]uint32, numSyms)
	c.MakeCanonicalCode(freqs, lens, codes, maxLen)

	table := make([]uint16, (1<<tableBits)+2*numSyms)
	require.True(t, c.MakeDecodeTable(table, lens, tableBits, maxLen))

	syms := make([]uint, 2000)
	bw := c.NewBitWriter(4096)
	for i := range syms {
		syms[i] = uint(rng.Intn(numSyms))
		bw.WriteBits(codes[syms[i]], uint(lens[syms[i]]), maxLen)
	}

	bs := c.NewBitstream(bw.Bytes())
	for i, want := range syms {
		require.Equal(t, want, c.ReadHuffSym(&bs, table, tableBits, maxLen),
			"symbol %d", i)
	}
}
