package compression

// LZCopy copies an LZ77 match of the given length from dst[pos-offset:]
// to dst[pos:]. The caller must have validated offset >= 1,
// pos >= offset, and pos+length <= len(dst). Overlapping copies repeat
// earlier output, which is what the formats intend.
func LZCopy(dst []byte, pos int, length, offset uint32) {
	src := pos - int(offset)
	end := pos + int(length)

	if offset == 1 {
		// Run-length expansion of the previous byte.
		b := dst[pos-1]
		for pos < end {
			dst[pos] = b
			pos++
		}
		return
	}

	if int(offset) >= int(length) {
		// Non-overlapping; a single bulk copy is safe.
		copy(dst[pos:end], dst[src:src+int(length)])
		return
	}

	// Overlapping match: copy in strides of the offset so each stride
	// reads only bytes already written.
	for pos < end {
		n := int(offset)
		if end-pos < n {
			n = end - pos
		}
		copy(dst[pos:pos+n], dst[src:src+n])
		pos += n
		src += n
	}
}
