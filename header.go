package wim

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/dargueta/wim/compression"
)

// header is the in-memory form of the fixed-size record at byte 0 of a
// WIM file (and, for pipable files, also at the very end).
type header struct {
	magic      [8]byte
	wimVersion uint32
	flags      uint32
	chunkSize  uint32
	guid       uuid.UUID
	partNumber uint16
	totalParts uint16
	imageCount uint32

	blobTableResHdr    resHdr
	xmlDataResHdr      resHdr
	bootMetadataResHdr resHdr
	bootIdx            uint32
	integrityResHdr    resHdr
}

func (h *header) isPipable() bool {
	return h.magic == pipableMagic
}

func (h *header) hasIntegrityTable() bool {
	return h.integrityResHdr.offsetInWIM != 0 && h.integrityResHdr.sizeInWIM != 0
}

// readHeader parses and validates the header at offset 0.
func readHeader(r io.ReaderAt, fileSize int64) (*header, error) {
	if fileSize < headerDiskSize {
		return nil, ErrNotAWIM
	}
	var buf [headerDiskSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return nil, ErrRead.Wrap(err)
	}

	h := &header{}
	copy(h.magic[:], buf[0:8])
	if h.magic != wimMagic && h.magic != pipableMagic {
		return nil, ErrNotAWIM
	}

	hdrSize := binary.LittleEndian.Uint32(buf[8:])
	if hdrSize < headerDiskSize {
		return nil, ErrInvalidHeader.WithMessage("header size field too small")
	}
	h.wimVersion = binary.LittleEndian.Uint32(buf[12:])
	if h.wimVersion != versionDefault && h.wimVersion != versionSolid {
		return nil, ErrUnknownVersion
	}
	h.flags = binary.LittleEndian.Uint32(buf[16:])
	h.chunkSize = binary.LittleEndian.Uint32(buf[20:])
	copy(h.guid[:], buf[24:40])
	h.partNumber = binary.LittleEndian.Uint16(buf[40:])
	h.totalParts = binary.LittleEndian.Uint16(buf[42:])
	if h.totalParts == 0 || h.partNumber == 0 || h.partNumber > h.totalParts {
		return nil, ErrInvalidHeader.WithMessage("bad part numbers")
	}
	h.imageCount = binary.LittleEndian.Uint32(buf[44:])

	h.blobTableResHdr.getDisk(buf[48:])
	h.xmlDataResHdr.getDisk(buf[72:])
	h.bootMetadataResHdr.getDisk(buf[96:])
	h.bootIdx = binary.LittleEndian.Uint32(buf[120:])
	h.integrityResHdr.getDisk(buf[124:])

	ctype, err := compressionTypeFromHdrFlags(h.flags)
	if err != nil {
		return nil, err
	}
	if h.flags&hdrFlagCompression != 0 {
		if !compression.ValidChunkSize(ctype, h.chunkSize) {
			return nil, ErrInvalidChunkSize
		}
	}
	if h.bootIdx > h.imageCount {
		return nil, ErrInvalidHeader.WithMessage("boot index out of range")
	}
	return h, nil
}

// serialize renders the header's on-disk form.
func (h *header) serialize() []byte {
	var buf [headerDiskSize]byte
	copy(buf[0:], h.magic[:])
	binary.LittleEndian.PutUint32(buf[8:], headerDiskSize)
	binary.LittleEndian.PutUint32(buf[12:], h.wimVersion)
	binary.LittleEndian.PutUint32(buf[16:], h.flags)
	binary.LittleEndian.PutUint32(buf[20:], h.chunkSize)
	copy(buf[24:], h.guid[:])
	binary.LittleEndian.PutUint16(buf[40:], h.partNumber)
	binary.LittleEndian.PutUint16(buf[42:], h.totalParts)
	binary.LittleEndian.PutUint32(buf[44:], h.imageCount)
	h.blobTableResHdr.putDisk(buf[48:])
	h.xmlDataResHdr.putDisk(buf[72:])
	h.bootMetadataResHdr.putDisk(buf[96:])
	binary.LittleEndian.PutUint32(buf[120:], h.bootIdx)
	h.integrityResHdr.putDisk(buf[124:])
	return buf[:]
}

// writeHeaderAt serializes the header at the given file offset.
func writeHeaderAt(w io.WriterAt, h *header, off int64) error {
	if _, err := w.WriteAt(h.serialize(), off); err != nil {
		return ErrWrite.Wrap(err)
	}
	return nil
}

// writeHeaderFlagsAt rewrites only the flags field of an existing
// on-disk header, used to toggle WRITE_IN_PROGRESS cheaply.
func writeHeaderFlagsAt(w io.WriterAt, flags uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], flags)
	if _, err := w.WriteAt(buf[:], 16); err != nil {
		return ErrWrite.Wrap(err)
	}
	return nil
}
