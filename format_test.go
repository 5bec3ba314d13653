package wim

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResHdr__DiskRoundTrip(t *testing.T) {
	tests := []resHdr{
		{},
		{offsetInWIM: 208, sizeInWIM: 6, uncompressedSize: 6, flags: 0},
		{offsetInWIM: 1 << 40, sizeInWIM: 0x00FFFFFFFFFFFFFF, uncompressedSize: 1 << 50,
			flags: resFlagCompressed | resFlagMetadata},
		{offsetInWIM: 7, sizeInWIM: 1234, uncompressedSize: solidResourceMarker,
			flags: resFlagSolid},
	}
	for _, original := range tests {
		var buf [reshdrDiskSize]byte
		original.putDisk(buf[:])
		var got resHdr
		got.getDisk(buf[:])
		assert.Equal(t, original, got)
	}
}

func TestHeader__SerializeParseRoundTrip(t *testing.T) {
	h := header{
		magic:      wimMagic,
		wimVersion: versionDefault,
		flags:      hdrFlagCompression | hdrFlagCompressLZX,
		chunkSize:  1 << 15,
		guid:       uuid.New(),
		partNumber: 1,
		totalParts: 1,
		imageCount: 3,
		bootIdx:    2,
		blobTableResHdr: resHdr{
			offsetInWIM: 1000, sizeInWIM: 150, uncompressedSize: 150, flags: resFlagMetadata,
		},
		xmlDataResHdr: resHdr{
			offsetInWIM: 1150, sizeInWIM: 400, uncompressedSize: 400,
		},
	}

	buf := h.serialize()
	require.Len(t, buf, headerDiskSize)

	got, err := readHeader(bytes.NewReader(buf), headerDiskSize)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestReadHeader__RejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerDiskSize)
	copy(buf, "GARBAGE!")
	_, err := readHeader(bytes.NewReader(buf), headerDiskSize)
	assert.ErrorIs(t, err, ErrNotAWIM)
}

func TestReadHeader__RejectsShortFile(t *testing.T) {
	_, err := readHeader(bytes.NewReader(make([]byte, 64)), 64)
	assert.ErrorIs(t, err, ErrNotAWIM)
}

func TestReadHeader__RejectsUnknownVersion(t *testing.T) {
	h := header{
		magic:      wimMagic,
		wimVersion: 0x999,
		partNumber: 1,
		totalParts: 1,
	}
	_, err := readHeader(bytes.NewReader(h.serialize()), headerDiskSize)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestReadHeader__RejectsBadChunkSize(t *testing.T) {
	h := header{
		magic:      wimMagic,
		wimVersion: versionDefault,
		flags:      hdrFlagCompression | hdrFlagCompressLZX,
		chunkSize:  12345, // not a power of two
		partNumber: 1,
		totalParts: 1,
	}
	_, err := readHeader(bytes.NewReader(h.serialize()), headerDiskSize)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestChunkEntrySize(t *testing.T) {
	assert.Equal(t, 4, chunkEntrySize(100, false))
	assert.Equal(t, 4, chunkEntrySize(0xFFFFFFFF, false))
	assert.Equal(t, 8, chunkEntrySize(1<<33, false))
	assert.Equal(t, 4, chunkEntrySize(1<<33, true))
}

func TestErrors__SentinelsSurviveWrapping(t *testing.T) {
	err := ErrInvalidHeader.WithMessage("context").Wrap(ErrRead)
	assert.ErrorIs(t, err, ErrInvalidHeader)
	assert.Contains(t, err.Error(), "context")
}
