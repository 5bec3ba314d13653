package lzx_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/wim/compression/lzx"
)

func roundTrip(t *testing.T, chunkSize uint32, original []byte) {
	t.Helper()

	comp, err := lzx.NewCompressor(chunkSize)
	require.NoError(t, err)
	out := make([]byte, len(original)+8192)
	n := comp.Compress(original, out)
	if n == 0 {
		t.Logf("incompressible input of %d bytes, stored raw", len(original))
		return
	}
	t.Logf("compressed %d to %d", len(original), n)

	dec, err := lzx.NewDecompressor(chunkSize)
	require.NoError(t, err)
	recovered := make([]byte, len(original))
	require.NoError(t, dec.Decompress(out[:n], recovered))
	assert.True(t, bytes.Equal(original, recovered), "round trip mismatch")
}

func TestLZXRoundTrip__Text(t *testing.T) {
	data := bytes.Repeat([]byte("It was the best of times, it was the worst of times. "), 1000)
	roundTrip(t, 1<<15, data[:1<<15])
}

func TestLZXRoundTrip__FullChunkOfRuns(t *testing.T) {
	// Exactly 32 KiB exercises the default-block-size flag.
	roundTrip(t, 1<<15, bytes.Repeat([]byte{0xAA}, 1<<15))
}

func TestLZXRoundTrip__ShortTail(t *testing.T) {
	roundTrip(t, 1<<15, []byte("final partial chunk of a resource, final partial chunk"))
}

func TestLZXRoundTrip__E8Bytes(t *testing.T) {
	// Data laced with x86 CALL opcodes goes through the E8 transform
	// on the way in and must come back out intact.
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, 1<<15)
	for i := 0; i < len(data); {
		if rng.Intn(4) == 0 {
			data[i] = 0xE8
			i++
			for n := 0; n < 4 && i < len(data); n++ {
				data[i] = byte(rng.Intn(256))
				i++
			}
		} else {
			copy(data[i:], "mov eax, [ebp+8]; ")
			i += 18
		}
	}
	roundTrip(t, 1<<15, data)
}

func TestLZXRoundTrip__LargeWindow(t *testing.T) {
	data := bytes.Repeat([]byte("large-window chunk payload with periodic structure 0123456789 "), 4000)
	if len(data) > 1<<18 {
		data = data[:1<<18]
	}
	roundTrip(t, 1<<18, data)
}

func TestLZXRoundTrip__MaxLengthMatches(t *testing.T) {
	// A long run produces matches clamped at the 257-byte format
	// maximum, exercising the length-symbol path.
	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i / 5000)
	}
	roundTrip(t, 1<<15, data)
}

func TestNewDecompressor__RejectsHugeChunk(t *testing.T) {
	_, err := lzx.NewDecompressor(1 << 22)
	assert.Error(t, err)
}

func TestLZXDecompress__GarbageInput(t *testing.T) {
	dec, err := lzx.NewDecompressor(1 << 15)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))
	buf := make([]byte, 512)
	out := make([]byte, 1<<15)
	for trial := 0; trial < 100; trial++ {
		rng.Read(buf)
		// Must never panic; errors are expected but not guaranteed
		// since garbage can happen to parse.
		_ = dec.Decompress(buf, out)
	}
}
