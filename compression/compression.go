// Package compression implements the block codecs used inside WIM
// resources: XPRESS, LZX, and LZMS, plus the bitstream and canonical
// Huffman machinery they share.
//
// Each codec compresses or decompresses one chunk at a time. Callers are
// expected to know the uncompressed chunk size from the surrounding
// container metadata; the formats themselves do not carry it.
package compression

import "fmt"

// Type identifies one of the compression formats a WIM resource may use.
type Type int32

const (
	TypeNone   Type = 0
	TypeXPress Type = 1
	TypeLZX    Type = 2
	TypeLZMS   Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeXPress:
		return "xpress"
	case TypeLZX:
		return "lzx"
	case TypeLZMS:
		return "lzms"
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// A Decompressor decodes one compressed chunk into out. The output slice
// must be exactly the uncompressed size of the chunk. The input is never
// modified.
type Decompressor interface {
	Decompress(in, out []byte) error
}

// A Compressor encodes one chunk. It returns the number of bytes written
// to out, or 0 if the data could not be compressed to less than its
// original size; in that case the caller stores the chunk uncompressed.
type Compressor interface {
	Compress(in, out []byte) int
}

// ErrDecompress is returned by every Decompressor when the input does not
// form a valid compressed block or would overflow the declared
// uncompressed size.
type corruptError string

func (e corruptError) Error() string { return string(e) }

const ErrDecompress = corruptError("compressed data is invalid")

// ErrBadChunkSize is returned by codec constructors for chunk sizes the
// format does not support.
const ErrBadChunkSize = corruptError("unsupported chunk size")

// ValidChunkSize reports whether size is usable as the uncompressed chunk
// size for the given format. All formats require a power of two; each has
// its own supported range.
func ValidChunkSize(t Type, size uint32) bool {
	if size == 0 || size&(size-1) != 0 {
		return false
	}
	switch t {
	case TypeNone:
		return true
	case TypeXPress:
		return size >= 1<<12 && size <= 1<<16
	case TypeLZX:
		return size >= 1<<15 && size <= 1<<21
	case TypeLZMS:
		return size >= 1<<15 && size <= 1<<30
	}
	return false
}
