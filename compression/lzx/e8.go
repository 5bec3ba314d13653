package lzx

import "encoding/binary"

// E8 preprocessing. x86 CALL instructions (opcode 0xE8) carry 32-bit
// displacements relative to the instruction; rewriting them as absolute
// addresses makes repeated calls to the same target compressible. The
// WIM variant of LZX assumes a fixed notional file size and covers at
// most the first 32 KiB of each chunk, stopping 10 bytes short of the
// end.

func e8Span(size int) int {
	if size <= 10 {
		return 0
	}
	span := size - 10
	if span > e8MaxSpan-10 {
		span = e8MaxSpan - 10
	}
	return span
}

// e8Apply converts relative displacements to absolute, for compression.
func e8Apply(data []byte) {
	span := e8Span(len(data))
	for i := 0; i < span; {
		if data[i] != 0xE8 {
			i++
			continue
		}
		rel := int32(binary.LittleEndian.Uint32(data[i+1:]))
		pos := int32(i)
		if rel >= -pos && rel < e8MagicFileSize {
			var abs int32
			if rel < e8MagicFileSize-pos {
				abs = rel + pos
			} else {
				abs = rel - e8MagicFileSize
			}
			binary.LittleEndian.PutUint32(data[i+1:], uint32(abs))
		}
		i += 5
	}
}

// e8Undo converts absolute addresses back to relative, for
// decompression.
func e8Undo(data []byte) {
	span := e8Span(len(data))
	for i := 0; i < span; {
		if data[i] != 0xE8 {
			i++
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(data[i+1:]))
		pos := int32(i)
		if abs >= 0 {
			if abs < e8MagicFileSize {
				binary.LittleEndian.PutUint32(data[i+1:], uint32(abs-pos))
			}
		} else if abs >= -pos {
			binary.LittleEndian.PutUint32(data[i+1:], uint32(abs+e8MagicFileSize))
		}
		i += 5
	}
}
