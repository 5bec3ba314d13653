package wim

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"io"
	"os"
	"sort"
)

// hashOf is the identity of a blob: the SHA-1 digest of its
// uncompressed bytes.
type hashOf [hashSize]byte

var zeroHash hashOf

func (h hashOf) isZero() bool {
	return h == zeroHash
}

type blobLocation int

const (
	blobNowhere blobLocation = iota
	blobInWIM                // stored in a resource of some container
	blobInFile               // backed by a file on disk, read lazily
	blobInMemory             // owned byte buffer
	blobInStaging            // temporary staging file, unlinked when freed
	blobAttached             // caller-owned buffer (not copied)
)

// blobDescriptor tracks one deduplicated byte sequence.
type blobDescriptor struct {
	hash hashOf
	size uint64

	// Sum of references from every image in the container.
	refcnt uint32
	// References from the image set being written.
	outRefcnt uint32

	location blobLocation

	// blobInWIM: the backing resource and, for solid resources, the
	// byte offset of this blob inside it.
	rdesc       *resourceDescriptor
	offsetInRes uint64

	// blobInFile / blobInStaging.
	filePath string

	// blobInMemory / blobAttached.
	buffer []byte

	// Scanner-provided lazy source; consulted before the location
	// fields so freshly captured streams can be re-read on demand.
	openFn func() (io.ReadCloser, error)

	// An unhashed blob's digest is filled in when its data is first
	// read; the back reference lets the owning stream learn the final
	// hash (and descriptor) after deduplication.
	unhashed   bool
	backInode  *inode
	backStream int

	isMetadata bool

	// Write-time scratch state.
	uniqueSize         bool
	willBeInOutputWIM  bool
	outPartNumber      uint16
	outResHdr          resHdr
	outResOffsetInWIM  uint64
	outResSizeInWIM    uint64
	outResUncompressed uint64
}

func (b *blobDescriptor) isInWIMOf(w *WIM) bool {
	return b.location == blobInWIM && b.rdesc != nil && b.rdesc.wim == w
}

// openBlob returns a reader over the blob's uncompressed bytes.
func (w *WIM) openBlob(b *blobDescriptor) (io.ReadCloser, error) {
	if b.openFn != nil {
		return b.openFn()
	}
	switch b.location {
	case blobInWIM:
		src := b.rdesc.wim
		h, err := src.openResource(b.rdesc)
		if err != nil {
			return nil, err
		}
		r := &blobRangeReader{wim: src, h: h, off: b.offsetInRes, remaining: b.size}
		if !b.unhashed && !b.hash.isZero() {
			// Whole-blob reads out of a container verify the digest;
			// corruption the codecs cannot notice surfaces here.
			r.expected = b.hash
			r.hasher = sha1.New()
		}
		return r, nil
	case blobInFile, blobInStaging:
		f, err := os.Open(b.filePath)
		if err != nil {
			return nil, ErrOpen.Wrap(err)
		}
		return f, nil
	case blobInMemory, blobAttached:
		return io.NopCloser(bytes.NewReader(b.buffer)), nil
	}
	return nil, ErrResourceNotFound
}

type blobRangeReader struct {
	wim       *WIM
	h         *resourceHandle
	off       uint64
	remaining uint64

	hasher   hash.Hash
	expected hashOf
}

func (r *blobRangeReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	if err := r.h.readRange(r.wim, r.off, p); err != nil {
		return 0, err
	}
	r.off += uint64(len(p))
	r.remaining -= uint64(len(p))
	if r.hasher != nil {
		r.hasher.Write(p)
		if r.remaining == 0 {
			var got hashOf
			copy(got[:], r.hasher.Sum(nil))
			if got != r.expected {
				return len(p), ErrInvalidResourceHash
			}
		}
	}
	return len(p), nil
}

func (r *blobRangeReader) Close() error { return nil }

// blobTable is the content-addressed index of a container's blobs.
// Metadata blobs are tracked per image and never enter the hash map.
type blobTable struct {
	byHash map[hashOf]*blobDescriptor
	// Blobs whose hash is not yet known; they cannot be indexed by
	// content until first read.
	unhashed []*blobDescriptor
}

func newBlobTable() *blobTable {
	return &blobTable{byHash: make(map[hashOf]*blobDescriptor)}
}

func (t *blobTable) lookup(h hashOf) *blobDescriptor {
	return t.byHash[h]
}

func (t *blobTable) insert(b *blobDescriptor) {
	t.byHash[b.hash] = b
}

func (t *blobTable) remove(b *blobDescriptor) {
	if t.byHash[b.hash] == b {
		delete(t.byHash, b.hash)
	}
}

func (t *blobTable) addUnhashed(b *blobDescriptor) {
	b.unhashed = true
	t.unhashed = append(t.unhashed, b)
}

func (t *blobTable) dropUnhashed(b *blobDescriptor) {
	for i, u := range t.unhashed {
		if u == b {
			t.unhashed = append(t.unhashed[:i], t.unhashed[i+1:]...)
			return
		}
	}
}

func (t *blobTable) forEach(fn func(*blobDescriptor) error) error {
	for _, b := range t.byHash {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *blobTable) len() int {
	return len(t.byHash)
}

// hashUnhashedBlob reads an unhashed blob, computes its digest, and
// resolves it against the table. The returned descriptor is either the
// blob itself (now hashed and inserted) or an existing duplicate.
func (w *WIM) hashUnhashedBlob(b *blobDescriptor, t *blobTable) (*blobDescriptor, error) {
	r, err := w.openBlob(b)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	hasher := sha1.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return nil, ErrRead.Wrap(err)
	}
	if uint64(n) != b.size {
		return nil, ErrUnexpectedEOF
	}
	copy(b.hash[:], hasher.Sum(nil))

	if existing := t.lookup(b.hash); existing != nil {
		return existing, nil
	}
	t.dropUnhashed(b)
	b.unhashed = false
	t.insert(b)
	if b.backInode != nil {
		b.backInode.streams[b.backStream].hash = b.hash
	}
	return b, nil
}

// parseBlobTable reads the on-disk blob table resource of w and builds
// the in-memory table, resource arena, and per-image metadata blob
// list.
func (w *WIM) parseBlobTable() ([]*blobDescriptor, error) {
	data, err := w.readResourceData(w.blobTableRdesc())
	if err != nil {
		return nil, err
	}
	if len(data)%blobEntryDiskSize != 0 {
		return nil, ErrInvalidLookupTableEntry.WithMessage("table size not a multiple of the entry size")
	}

	table := newBlobTable()
	var metadataBlobs []*blobDescriptor
	var curSolid *resourceDescriptor

	numEntries := len(data) / blobEntryDiskSize
	for i := 0; i < numEntries; i++ {
		entry := data[i*blobEntryDiskSize:]

		var hdr resHdr
		hdr.getDisk(entry)
		partNumber := binary.LittleEndian.Uint16(entry[24:])
		refcnt := binary.LittleEndian.Uint32(entry[26:])
		var hash hashOf
		copy(hash[:], entry[30:])

		if hdr.flags&resFlagFree != 0 {
			continue
		}
		if partNumber != w.hdr.partNumber {
			if w.hdr.totalParts > 1 {
				// Entries for sibling parts of a spanned set cannot be
				// resolved from this file.
				continue
			}
			return nil, ErrInvalidLookupTableEntry.WithMessage("entry for another part")
		}

		if hdr.flags&resFlagSolid != 0 && hdr.uncompressedSize == solidResourceMarker {
			// Marker describing a solid resource; subsequent solid
			// blob entries land inside it.
			curSolid = &resourceDescriptor{
				wim:             w,
				offsetInWIM:     hdr.offsetInWIM,
				sizeInWIM:       hdr.sizeInWIM,
				flags:           resFlagSolid | resFlagCompressed,
				compressionType: w.compressionType,
				chunkSize:       w.chunkSize,
			}
			w.resources = append(w.resources, curSolid)
			continue
		}

		b := &blobDescriptor{
			hash:     hash,
			refcnt:   refcnt,
			location: blobInWIM,
		}

		if hdr.flags&resFlagSolid != 0 {
			if curSolid == nil {
				return nil, ErrInvalidLookupTableEntry.WithMessage("solid blob before its resource")
			}
			b.rdesc = curSolid
			b.offsetInRes = hdr.offsetInWIM
			b.size = hdr.sizeInWIM
			curSolid.blobs = append(curSolid.blobs, b)
		} else {
			rd := &resourceDescriptor{
				wim:              w,
				offsetInWIM:      hdr.offsetInWIM,
				sizeInWIM:        hdr.sizeInWIM,
				uncompressedSize: hdr.uncompressedSize,
				flags:            hdr.flags,
				compressionType:  w.compressionType,
				chunkSize:        w.chunkSize,
				isPipable:        w.pipable,
			}
			if hdr.flags&resFlagCompressed == 0 {
				rd.compressionType = 0
			}
			w.resources = append(w.resources, rd)
			rd.blobs = []*blobDescriptor{b}
			b.rdesc = rd
			b.size = hdr.uncompressedSize
		}

		if hdr.flags&resFlagMetadata != 0 {
			// The order of metadata entries in the table selects the
			// image index.
			b.isMetadata = true
			metadataBlobs = append(metadataBlobs, b)
			continue
		}
		if b.size == 0 {
			return nil, ErrInvalidLookupTableEntry.WithMessage("zero-length blob")
		}
		if existing := table.lookup(b.hash); existing != nil {
			return nil, ErrInvalidLookupTableEntry.WithMessage("duplicate hash")
		}
		table.insert(b)
	}

	// Solid blobs must be ordered and non-overlapping within their
	// resource.
	for _, rd := range w.resources {
		if rd.flags&resFlagSolid == 0 {
			continue
		}
		sort.Slice(rd.blobs, func(i, j int) bool {
			return rd.blobs[i].offsetInRes < rd.blobs[j].offsetInRes
		})
		var end uint64
		for _, b := range rd.blobs {
			if b.offsetInRes < end {
				return nil, ErrInvalidLookupTableEntry.WithMessage("overlapping solid blobs")
			}
			end = b.offsetInRes + b.size
		}
	}
	w.blobTable = table
	w.metadataBlobs = metadataBlobs
	return metadataBlobs, nil
}

// writeBlobTableEntry serializes one blob table entry.
func writeBlobTableEntry(buf []byte, hdr *resHdr, partNumber uint16, refcnt uint32, hash hashOf) {
	hdr.putDisk(buf)
	binary.LittleEndian.PutUint16(buf[24:], partNumber)
	binary.LittleEndian.PutUint32(buf[26:], refcnt)
	copy(buf[30:], hash[:])
}
