package xpress_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/wim/compression"
	"github.com/dargueta/wim/compression/xpress"
)

func roundTrip(t *testing.T, original []byte) {
	t.Helper()

	comp := xpress.NewCompressor(1 << 16)
	out := make([]byte, len(original)+4096)
	n := comp.Compress(original, out)
	if n == 0 {
		t.Logf("incompressible input of %d bytes, stored raw", len(original))
		return
	}
	t.Logf("compressed %d to %d", len(original), n)

	dec := xpress.NewDecompressor()
	recovered := make([]byte, len(original))
	require.NoError(t, dec.Decompress(out[:n], recovered))
	assert.True(t, bytes.Equal(original, recovered), "round trip mismatch")
}

func TestXPressRoundTrip__Runs(t *testing.T) {
	roundTrip(t, bytes.Repeat([]byte{0x42}, 4096))
}

func TestXPressRoundTrip__RepeatedPhrase(t *testing.T) {
	roundTrip(t, bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200))
}

func TestXPressRoundTrip__AllByteValues(t *testing.T) {
	data := make([]byte, 0, 8192)
	for i := 0; i < 32; i++ {
		for b := 0; b < 256; b++ {
			data = append(data, byte(b))
		}
	}
	roundTrip(t, data)
}

func TestXPressRoundTrip__LongMatches(t *testing.T) {
	// A self-doubling pattern: the greedy matcher turns everything past
	// the 8-byte seed into one match of 65528 bytes, whose length needs
	// the 16-bit escape.
	data := make([]byte, 0, 1<<16)
	seed := []byte("abcdefgh")
	data = append(data, seed...)
	for len(data) < 1<<16 {
		data = append(data, data[:min(len(data), 1<<15)]...)
	}
	roundTrip(t, data[:1<<16])
}

func TestXPressRoundTrip__MixedTextAndNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	data := make([]byte, 0, 32768)
	for len(data) < 32768 {
		if rng.Intn(2) == 0 {
			data = append(data, []byte("some structured header text 0000")...)
		} else {
			chunk := make([]byte, 64)
			rng.Read(chunk)
			data = append(data, chunk...)
		}
	}
	roundTrip(t, data[:32768])
}

func TestXPressCompress__IncompressibleReturnsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 4096)
	rng.Read(data)

	comp := xpress.NewCompressor(1 << 16)
	out := make([]byte, 8192)
	assert.Zero(t, comp.Compress(data, out))
}

func TestXPressDecompress__TruncatedHeader(t *testing.T) {
	dec := xpress.NewDecompressor()
	err := dec.Decompress(make([]byte, 100), make([]byte, 10))
	assert.ErrorIs(t, err, compression.ErrDecompress)
}

func TestXPressDecompress__BogusMatchOffset(t *testing.T) {
	// Decoding a real block into an oversized output runs the decoder
	// past its symbol stream; any match that then reaches before the
	// start of the output must be caught by the bounds check rather than
	// read out of bounds.
	comp := xpress.NewCompressor(1 << 16)
	original := bytes.Repeat([]byte("abab"), 512)
	out := make([]byte, 4096)
	n := comp.Compress(original, out)
	require.NotZero(t, n)

	dec := xpress.NewDecompressor()
	// Decompressing into a buffer longer than the real uncompressed
	// size forces the decoder off the end of the symbol stream, where
	// zero-fill bits produce symbol runs that eventually violate a
	// bounds check or just fill the buffer; either way it must not
	// panic.
	big := make([]byte, len(original)*2)
	_ = dec.Decompress(out[:n], big)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
