package wim

import (
	"crypto/sha1"
	"encoding/binary"
	"io"

	"github.com/boljen/go-bitmap"
)

// The integrity table covers the byte range from the end of the header
// to the end of the blob table, in 10 MiB chunks, one SHA-1 digest per
// chunk. On disk: table size, entry count, chunk size, then the
// digests.

type integrityTable struct {
	chunkSize uint32
	digests   []hashOf
}

func (t *integrityTable) numChunks() int {
	return len(t.digests)
}

func (t *integrityTable) diskSize() uint64 {
	return 12 + uint64(len(t.digests))*hashSize
}

func (t *integrityTable) serialize() []byte {
	out := make([]byte, t.diskSize())
	binary.LittleEndian.PutUint32(out[0:], uint32(t.diskSize()))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(t.digests)))
	binary.LittleEndian.PutUint32(out[8:], t.chunkSize)
	for i, d := range t.digests {
		copy(out[12+i*hashSize:], d[:])
	}
	return out
}

// readIntegrityTable parses the integrity table resource, validating it
// against the length of the range it is supposed to cover.
func (w *WIM) readIntegrityTable(coveredSize uint64) (*integrityTable, error) {
	hdr := &w.hdr.integrityResHdr
	if !w.hdr.hasIntegrityTable() {
		return nil, ErrInvalidIntegrityTable.WithMessage("no integrity table")
	}
	rd := &resourceDescriptor{
		wim:              w,
		offsetInWIM:      hdr.offsetInWIM,
		sizeInWIM:        hdr.sizeInWIM,
		uncompressedSize: hdr.uncompressedSize,
		flags:            hdr.flags,
		compressionType:  w.compressionType,
		chunkSize:        w.chunkSize,
	}
	data, err := w.readResourceData(rd)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 {
		return nil, ErrInvalidIntegrityTable
	}
	size := binary.LittleEndian.Uint32(data[0:])
	numEntries := binary.LittleEndian.Uint32(data[4:])
	chunkSize := binary.LittleEndian.Uint32(data[8:])
	if uint64(size) != uint64(len(data)) || chunkSize == 0 {
		return nil, ErrInvalidIntegrityTable
	}
	if uint64(numEntries)*hashSize+12 != uint64(len(data)) {
		return nil, ErrInvalidIntegrityTable.WithMessage("entry count mismatch")
	}
	expected := (coveredSize + uint64(chunkSize) - 1) / uint64(chunkSize)
	if uint64(numEntries) != expected {
		return nil, ErrInvalidIntegrityTable.WithMessage("covered range mismatch")
	}

	t := &integrityTable{chunkSize: chunkSize, digests: make([]hashOf, numEntries)}
	for i := range t.digests {
		copy(t.digests[i][:], data[12+i*hashSize:])
	}
	return t, nil
}

// verifyIntegrity recomputes the digest of every covered chunk and
// compares with the stored table. Progress is reported per chunk.
func (w *WIM) verifyIntegrity() error {
	coveredEnd := w.hdr.blobTableResHdr.offsetInWIM + w.hdr.blobTableResHdr.sizeInWIM
	if coveredEnd < headerDiskSize {
		return ErrInvalidIntegrityTable
	}
	coveredSize := coveredEnd - headerDiskSize

	t, err := w.readIntegrityTable(coveredSize)
	if err != nil {
		return err
	}

	info := ProgressInfo{
		Kind:       ProgressVerifyIntegrity,
		TotalBytes: coveredSize,
	}
	buf := make([]byte, t.chunkSize)
	for i := 0; i < t.numChunks(); i++ {
		off := headerDiskSize + uint64(i)*uint64(t.chunkSize)
		n := uint64(t.chunkSize)
		if off+n > coveredEnd {
			n = coveredEnd - off
		}
		if err := w.readRawRange(int64(off), buf[:n]); err != nil {
			return err
		}
		if hashOf(sha1.Sum(buf[:n])) != t.digests[i] {
			return ErrIntegrity
		}
		info.CompletedBytes += n
		if err := w.callProgress(&info); err != nil {
			return err
		}
	}
	return nil
}

// computeIntegrityTable builds the table for the covered range
// [headerDiskSize, coveredEnd) of the output file. When appending, the
// digests of old chunks whose bytes did not change are reused; the
// dirty map marks chunks overlapping the rewritten tail.
func computeIntegrityTable(w *WIM, out io.ReaderAt, coveredEnd uint64,
	old *integrityTable, oldCoveredEnd uint64) (*integrityTable, error) {

	coveredSize := coveredEnd - headerDiskSize
	numChunks := int((coveredSize + integrityChunkSize - 1) / integrityChunkSize)
	t := &integrityTable{
		chunkSize: integrityChunkSize,
		digests:   make([]hashOf, numChunks),
	}

	// Mark which chunks must be (re)computed. Reuse is possible only
	// for whole chunks strictly inside the old covered range.
	dirty := bitmap.New(numChunks)
	for i := 0; i < numChunks; i++ {
		chunkEnd := headerDiskSize + uint64(i+1)*integrityChunkSize
		reusable := old != nil &&
			old.chunkSize == integrityChunkSize &&
			i < old.numChunks() &&
			chunkEnd <= oldCoveredEnd
		dirty.Set(i, !reusable)
		if reusable {
			t.digests[i] = old.digests[i]
		}
	}

	info := ProgressInfo{
		Kind:       ProgressCalcIntegrity,
		TotalBytes: coveredSize,
	}
	buf := make([]byte, integrityChunkSize)
	for i := 0; i < numChunks; i++ {
		off := headerDiskSize + uint64(i)*integrityChunkSize
		n := uint64(integrityChunkSize)
		if off+n > coveredEnd {
			n = coveredEnd - off
		}
		if dirty.Get(i) {
			if _, err := out.ReadAt(buf[:n], int64(off)); err != nil {
				return nil, ErrRead.Wrap(err)
			}
			t.digests[i] = hashOf(sha1.Sum(buf[:n]))
		}
		info.CompletedBytes += n
		if err := w.callProgress(&info); err != nil {
			return nil, err
		}
	}
	return t, nil
}
