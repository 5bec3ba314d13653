package lzms

import "encoding/binary"

// x86 target filter. On compression, 32-bit displacements following
// x86 CALL opcodes are rewritten from instruction-relative to absolute
// form; decompression reverses the rewrite.
//
// Whether a displacement is rewritten is driven by the per-stream
// target table: the 32-bit target space is divided into 64 Ki buckets,
// and lastTargetUsages records the position of the last call into each
// bucket. Seeing a second call into a recently used bucket marks the
// region as x86 code, which enables translation for the instructions
// that follow within the translation window. Isolated displacements in
// non-code data are left alone.
//
// Both directions stay in lockstep: opcode bytes are never modified,
// displacement bytes are skipped identically, and the bucket index is
// always computed from the relative-domain value — the undo direction
// untranslates first, then takes the bucket, so it sees exactly the
// bytes the apply direction saw.

const (
	x86MaxTranslationDist = 1023
	x86IDWindowSize       = 65535
	x86NumTargetBuckets   = 65536
)

// x86Filter runs the transform over data in place. undo selects the
// decompression direction.
func x86Filter(data []byte, lastTargetUsages []int32, undo bool) {
	if len(data) <= 17 {
		return
	}
	tailIdx := int32(len(data) - 16)

	for i := range lastTargetUsages {
		lastTargetUsages[i] = -x86IDWindowSize - 1
	}
	lastX86Pos := int32(-x86MaxTranslationDist - 1)

	for i := int32(1); i < tailIdx; {
		if data[i] != 0xE8 {
			i++
			continue
		}

		translate := i-lastX86Pos <= x86MaxTranslationDist

		var target16 uint16
		if undo {
			if translate {
				abs := binary.LittleEndian.Uint32(data[i+1:])
				binary.LittleEndian.PutUint32(data[i+1:], abs-uint32(i))
			}
			target16 = uint16(i) + binary.LittleEndian.Uint16(data[i+1:])
		} else {
			target16 = uint16(i) + binary.LittleEndian.Uint16(data[i+1:])
			if translate {
				rel := binary.LittleEndian.Uint32(data[i+1:])
				binary.LittleEndian.PutUint32(data[i+1:], rel+uint32(i))
			}
		}

		i += 5

		if i-lastTargetUsages[target16] <= x86IDWindowSize {
			lastX86Pos = i
		}
		lastTargetUsages[target16] = i
	}
}
