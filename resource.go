package wim

import (
	"encoding/binary"
	"io"

	"github.com/dargueta/wim/compression"
)

// resourceDescriptor describes one contiguous region of a WIM file
// holding the data of one or more blobs, possibly compressed and
// chunked. Descriptors are listed in their WIM handle's resources
// slice; blobs point at them directly.
type resourceDescriptor struct {
	wim              *WIM
	offsetInWIM      uint64
	sizeInWIM        uint64
	uncompressedSize uint64
	flags            uint8
	compressionType  compression.Type
	chunkSize        uint32
	isPipable        bool

	// Blobs stored in this resource, ordered by ascending offsetInRes.
	blobs []*blobDescriptor

	// Scratch flag used while planning raw copies during a write.
	rawCopyOK bool
}

func (rd *resourceDescriptor) isCompressed() bool {
	return rd.flags&resFlagCompressed != 0
}

func (rd *resourceDescriptor) isSolid() bool {
	return rd.flags&resFlagSolid != 0
}

// resourceHandle provides random-access reads of a resource's
// uncompressed bytes, caching one decompressed chunk.
type resourceHandle struct {
	rd *resourceDescriptor

	chunkSize   uint32
	ctype       compression.Type
	numChunks   uint64
	chunkOffs   []uint64 // physical start of each chunk within the chunk region
	chunkSizes  []uint64
	chunksStart uint64 // absolute file offset of the chunk region

	dec        compression.Decompressor
	cacheIdx   uint64
	cacheValid bool
	cache      []byte
	cacheLen   int
}

// openResource prepares a handle for reading the resource's
// uncompressed byte range.
func (w *WIM) openResource(rd *resourceDescriptor) (*resourceHandle, error) {
	h := &resourceHandle{rd: rd, cacheIdx: ^uint64(0)}

	if !rd.isCompressed() && !rd.isSolid() {
		return h, nil
	}

	h.ctype = rd.compressionType
	h.chunkSize = rd.chunkSize
	resUSize := rd.uncompressedSize

	if rd.isSolid() {
		// Solid resources carry their own header giving the true
		// uncompressed size, chunk size, and format.
		var alt [altChunkHdrSize]byte
		if err := w.readRawRange(int64(rd.offsetInWIM), alt[:]); err != nil {
			return nil, err
		}
		resUSize = binary.LittleEndian.Uint64(alt[0:])
		h.chunkSize = binary.LittleEndian.Uint32(alt[8:])
		h.ctype = compression.Type(int32(binary.LittleEndian.Uint32(alt[12:])))
		if !compression.ValidChunkSize(h.ctype, h.chunkSize) {
			return nil, ErrInvalidChunkSize
		}
		rd.uncompressedSize = resUSize
	}
	if h.chunkSize == 0 {
		return nil, ErrInvalidChunkSize
	}

	h.numChunks = (resUSize + uint64(h.chunkSize) - 1) / uint64(h.chunkSize)
	if h.numChunks == 0 {
		return h, nil
	}

	dec, err := newDecompressor(h.ctype, h.chunkSize)
	if err != nil {
		return nil, err
	}
	h.dec = dec
	h.cache = make([]byte, h.chunkSize)

	if err := h.parseChunkTable(w, resUSize); err != nil {
		return nil, err
	}
	return h, nil
}

// parseChunkTable reads the chunk table and computes each chunk's
// physical offset and stored size within the chunk region.
func (h *resourceHandle) parseChunkTable(w *WIM, resUSize uint64) error {
	rd := h.rd
	solid := rd.isSolid()

	numEntries := h.numChunks
	if !solid {
		numEntries-- // chunk 0 starts at offset 0 implicitly
	}
	entrySize := chunkEntrySize(resUSize, solid)
	tableSize := numEntries * uint64(entrySize)

	var tableOff int64
	switch {
	case solid:
		tableOff = int64(rd.offsetInWIM) + altChunkHdrSize
		h.chunksStart = rd.offsetInWIM + altChunkHdrSize + tableSize
	case rd.isPipable:
		// Pipable resources put the chunk table after the chunk data.
		tableOff = int64(rd.offsetInWIM+rd.sizeInWIM) - int64(tableSize)
		h.chunksStart = rd.offsetInWIM
	default:
		tableOff = int64(rd.offsetInWIM)
		h.chunksStart = rd.offsetInWIM + tableSize
	}
	if tableSize > rd.sizeInWIM {
		return ErrInvalidLookupTableEntry.WithMessage("chunk table larger than resource")
	}

	raw := make([]byte, tableSize)
	if err := w.readRawRange(tableOff, raw); err != nil {
		return err
	}

	readEntry := func(i uint64) uint64 {
		if entrySize == 4 {
			return uint64(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return binary.LittleEndian.Uint64(raw[i*8:])
	}

	h.chunkOffs = make([]uint64, h.numChunks)
	h.chunkSizes = make([]uint64, h.numChunks)

	if solid {
		// Entries are per-chunk stored sizes.
		off := uint64(0)
		for i := uint64(0); i < h.numChunks; i++ {
			h.chunkSizes[i] = readEntry(i)
			h.chunkOffs[i] = off
			off += h.chunkSizes[i]
		}
		return nil
	}

	// Entries are the starting offsets of chunks 1..n-1.
	dataEnd := rd.sizeInWIM - tableSize
	prev := uint64(0)
	for i := uint64(0); i < h.numChunks; i++ {
		var next uint64
		if i+1 < h.numChunks {
			next = readEntry(i)
		} else {
			next = dataEnd
			if rd.isPipable {
				// Pipable chunk offsets pretend the per-chunk headers
				// do not exist.
				next -= h.numChunks * pwmChunkHdrSize
			}
		}
		if next < prev || next > dataEnd {
			return ErrInvalidLookupTableEntry.WithMessage("chunk table not monotonic")
		}
		h.chunkOffs[i] = prev
		h.chunkSizes[i] = next - prev
		prev = next
	}
	return nil
}

// chunkUncompressedSize returns chunk i's uncompressed length.
func (h *resourceHandle) chunkUncompressedSize(i uint64) int {
	last := h.rd.uncompressedSize % uint64(h.chunkSize)
	if i == h.numChunks-1 && last != 0 {
		return int(last)
	}
	return int(h.chunkSize)
}

// loadChunk decompresses chunk i into the cache.
func (h *resourceHandle) loadChunk(w *WIM, i uint64) error {
	if h.cacheValid && h.cacheIdx == i {
		return nil
	}
	h.cacheValid = false

	usize := h.chunkUncompressedSize(i)
	csize := h.chunkSizes[i]
	physOff := h.chunksStart + h.chunkOffs[i]
	if h.rd.isPipable {
		// Skip this chunk's header plus the headers of all earlier
		// chunks.
		physOff += (i + 1) * pwmChunkHdrSize
	}

	if csize == uint64(usize) {
		// A chunk that did not shrink is stored uncompressed.
		if err := w.readRawRange(int64(physOff), h.cache[:usize]); err != nil {
			return err
		}
	} else {
		if csize > uint64(h.chunkSize) {
			return ErrDecompression.WithMessage("stored chunk larger than chunk size")
		}
		cbuf := make([]byte, csize)
		if err := w.readRawRange(int64(physOff), cbuf); err != nil {
			return err
		}
		if err := h.dec.Decompress(cbuf, h.cache[:usize]); err != nil {
			return ErrDecompression.Wrap(err)
		}
	}
	h.cacheIdx = i
	h.cacheLen = usize
	h.cacheValid = true
	return nil
}

// readRange reads out of the resource's uncompressed byte range
// starting at offset.
func (h *resourceHandle) readRange(w *WIM, offset uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if offset+uint64(len(out)) > h.rd.uncompressedSize {
		return ErrUnexpectedEOF
	}

	if !h.rd.isCompressed() && !h.rd.isSolid() {
		return w.readRawRange(int64(h.rd.offsetInWIM+offset), out)
	}

	pos := 0
	for pos < len(out) {
		chunkIdx := (offset + uint64(pos)) / uint64(h.chunkSize)
		chunkOff := int((offset + uint64(pos)) % uint64(h.chunkSize))
		if err := h.loadChunk(w, chunkIdx); err != nil {
			return err
		}
		n := copy(out[pos:], h.cache[chunkOff:h.cacheLen])
		if n == 0 {
			return ErrDecompression.WithMessage("empty chunk")
		}
		pos += n
	}
	return nil
}

// readRawRange reads stored bytes from the container file.
func (w *WIM) readRawRange(off int64, buf []byte) error {
	if w.file == nil {
		return ErrNoFilename
	}
	if _, err := w.file.ReadAt(buf, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrUnexpectedEOF
		}
		return ErrRead.Wrap(err)
	}
	return nil
}

// readResourceData reads and returns a resource's full uncompressed
// contents.
func (w *WIM) readResourceData(rd *resourceDescriptor) ([]byte, error) {
	h, err := w.openResource(rd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, rd.uncompressedSize)
	if err := h.readRange(w, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}
