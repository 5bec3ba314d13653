package wim

import (
	"bytes"
	"encoding/binary"
)

// The security data block leads every metadata resource: a count of
// descriptors, their sizes, then the raw descriptors back to back,
// padded to an 8-byte boundary. Directory entries refer to descriptors
// by index; -1 means no descriptor.

// parseSecurityData returns the descriptors and the number of bytes the
// block occupies (before alignment padding).
func parseSecurityData(data []byte) ([][]byte, uint64, error) {
	if len(data) < 8 {
		return nil, 0, ErrInvalidSecurityData
	}
	totalLength := binary.LittleEndian.Uint32(data[0:])
	numEntries := binary.LittleEndian.Uint32(data[4:])
	if uint64(totalLength) > uint64(len(data)) {
		return nil, 0, ErrInvalidSecurityData.WithMessage("block length out of range")
	}
	if numEntries > uint32(len(data)/8) {
		return nil, 0, ErrInvalidSecurityData.WithMessage("entry count out of range")
	}

	off := uint64(8)
	sizes := make([]uint64, numEntries)
	for i := range sizes {
		if off+8 > uint64(totalLength) {
			return nil, 0, ErrInvalidSecurityData
		}
		sizes[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}

	descriptors := make([][]byte, numEntries)
	for i, size := range sizes {
		if off+size > uint64(totalLength) {
			return nil, 0, ErrInvalidSecurityData.WithMessage("descriptor out of range")
		}
		descriptors[i] = append([]byte(nil), data[off:off+size]...)
		off += size
	}

	// The stored total length wins over the computed offset so padding
	// conventions of other writers are tolerated.
	return descriptors, uint64(totalLength), nil
}

func serializeSecurityData(descriptors [][]byte) []byte {
	var buf bytes.Buffer

	totalLength := 8 + 8*len(descriptors)
	for _, d := range descriptors {
		totalLength += len(d)
	}

	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:], uint32(totalLength))
	binary.LittleEndian.PutUint32(tmp[4:], uint32(len(descriptors)))
	buf.Write(tmp[:])
	for _, d := range descriptors {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(d)))
		buf.Write(tmp[:])
	}
	for _, d := range descriptors {
		buf.Write(d)
	}
	return buf.Bytes()
}

// addSecurityDescriptor interns a descriptor, returning its index; an
// empty descriptor maps to -1.
func (imd *imageMetadata) addSecurityDescriptor(sd []byte) int32 {
	if len(sd) == 0 {
		return -1
	}
	for i, existing := range imd.securityData {
		if bytes.Equal(existing, sd) {
			return int32(i)
		}
	}
	imd.securityData = append(imd.securityData, append([]byte(nil), sd...))
	return int32(len(imd.securityData) - 1)
}
