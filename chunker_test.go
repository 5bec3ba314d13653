package wim

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/wim/compression"
	"github.com/dargueta/wim/compression/xpress"
)

// Push a sequence of distinct chunks through a chunk compressor and
// verify results come back in submission order and decode to the
// original data.
func runChunkCompressor(t *testing.T, comp chunkCompressor, chunkSize uint32, numChunks int) {
	t.Helper()
	defer comp.destroy()

	rng := rand.New(rand.NewSource(int64(numChunks)))
	chunks := make([][]byte, numChunks)
	var original []byte
	for i := range chunks {
		// Compressible but unique per chunk.
		chunk := bytes.Repeat([]byte{byte(i), byte(i >> 8), 'x', 'y'}, int(chunkSize)/4)
		for j := 0; j < 32; j++ {
			chunk[rng.Intn(len(chunk))] = byte(rng.Intn(256))
		}
		chunks[i] = chunk
		original = append(original, chunk...)
	}

	// Reassemble the results, in arrival order, into a fixed buffer.
	assembled := make([]byte, len(original))
	out := bytewriter.New(assembled)

	dec := xpress.NewDecompressor()
	next := 0
	drainAll := func() {
		for {
			data, csize, usize, ok := comp.getCompressionResult()
			if !ok {
				return
			}
			require.Less(t, next, numChunks, "more results than submissions")
			require.Equal(t, len(chunks[next]), usize)

			got := make([]byte, usize)
			if csize == usize {
				copy(got, data)
			} else {
				require.NoError(t, dec.Decompress(data[:csize], got))
			}
			_, err := out.Write(got)
			require.NoError(t, err)
			next++
		}
	}

	for i := 0; i < numChunks; i++ {
		buf := comp.getChunkBuffer()
		if buf == nil {
			drainAll() // backpressure: free a buffer by consuming results
			buf = comp.getChunkBuffer()
			require.NotNil(t, buf, "buffer must be free after draining")
		}
		copy(buf, chunks[i])
		comp.signalChunkFilled(len(chunks[i]))
	}
	drainAll()

	require.Equal(t, numChunks, next, "all chunks must come back")
	assert.True(t, bytes.Equal(original, assembled),
		"chunks must arrive in submission order and decode intact")
}

func TestSerialChunkCompressor__OrderAndRoundTrip(t *testing.T) {
	comp, err := newSerialChunkCompressor(compression.TypeXPress, 1<<15)
	require.NoError(t, err)
	runChunkCompressor(t, comp, 1<<15, 24)
}

func TestParallelChunkCompressor__OrderAndRoundTrip(t *testing.T) {
	comp, err := newParallelChunkCompressor(compression.TypeXPress, 1<<15, 4)
	require.NoError(t, err)
	runChunkCompressor(t, comp, 1<<15, 64)
}

func TestParallelChunkCompressor__DestroyWithPendingResult(t *testing.T) {
	comp, err := newParallelChunkCompressor(compression.TypeXPress, 1<<15, 2)
	require.NoError(t, err)
	buf := comp.getChunkBuffer()
	require.NotNil(t, buf)
	copy(buf, bytes.Repeat([]byte{7}, 1<<15))
	comp.signalChunkFilled(1 << 15)
	// Destroying with a result still queued must not hang or panic.
	comp.destroy()
}

func TestNewChunkCompressor__PicksSerialForSmallInputs(t *testing.T) {
	comp, err := newChunkCompressor(compression.TypeXPress, 1<<15, 8, 1000)
	require.NoError(t, err)
	defer comp.destroy()
	assert.Equal(t, 1, comp.numThreads())
}

func TestNewChunkCompressor__RejectsLZMS(t *testing.T) {
	_, err := newChunkCompressor(compression.TypeLZMS, 1<<17, 1, 1<<20)
	assert.Error(t, err)
}
