// Package wim reads, modifies, and writes Windows Imaging Format (WIM)
// archives: deduplicated, content-addressed, compressed containers
// holding one or more file-system images that share a single pool of
// file data.
package wim

import (
	"crypto/sha1"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/dargueta/wim/compression"
)

// WIM is a handle to one container, either backed by a file (Open) or
// fresh and empty (Create). A handle is not safe for concurrent use;
// distinct handles are independent.
type WIM struct {
	file     *os.File
	path     string
	fileSize int64

	hdr    header
	outHdr header

	compressionType compression.Type
	chunkSize       uint32

	outCompressionType compression.Type
	outChunkSize       uint32
	solidCompression   compression.Type
	solidChunk         uint32

	pipable  bool
	readonly bool

	blobTable     *blobTable
	resources     []*resourceDescriptor
	metadataBlobs []*blobDescriptor
	images        []*imageMetadata
	xml           *xmlInfo

	progress ProgressFunc

	imageDeletionOccurred bool
	lockedForAppend       bool
	beingCompacted        bool

	// Output file state during a write. outSeq marks a non-seekable
	// output (a pipe), where only forward sequential writes work.
	out    *os.File
	outOff int64
	outSeq bool
}

// AllImages selects every image of a container in APIs taking an image
// index.
const AllImages = -1

// Create returns an empty container that compresses new data with the
// given format at its default chunk size.
func Create(ctype compression.Type) (*WIM, error) {
	switch ctype {
	case compression.TypeNone, compression.TypeXPress, compression.TypeLZX, compression.TypeLZMS:
	default:
		return nil, ErrInvalidCompressionType
	}
	chunkSize := defaultChunkSizeFor(ctype)
	if ctype != compression.TypeNone && !compression.ValidChunkSize(ctype, chunkSize) {
		return nil, ErrInvalidChunkSize
	}
	w := &WIM{
		compressionType:    ctype,
		chunkSize:          chunkSize,
		outCompressionType: ctype,
		outChunkSize:       chunkSize,
		blobTable:          newBlobTable(),
		xml:                &xmlInfo{},
	}
	w.initHdrForNew()
	return w, nil
}

func (w *WIM) initHdrForNew() {
	w.hdr.magic = wimMagic
	w.hdr.wimVersion = versionDefault
	if w.compressionType == compression.TypeLZMS {
		w.hdr.wimVersion = versionSolid
	}
	w.hdr.flags = hdrFlagsForCompressionType(w.compressionType)
	w.hdr.chunkSize = w.chunkSize
	w.hdr.guid = uuid.New()
	w.hdr.partNumber = 1
	w.hdr.totalParts = 1
}

// Open reads an existing container from path.
func Open(path string, flags OpenFlag) (*WIM, error) {
	return openWithProgress(path, flags, nil)
}

// OpenWithProgress is Open with a progress callback attached to the
// handle, so that integrity verification during open can report.
func OpenWithProgress(path string, flags OpenFlag, progress ProgressFunc) (*WIM, error) {
	return openWithProgress(path, flags, progress)
}

func openWithProgress(path string, flags OpenFlag, progress ProgressFunc) (*WIM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrOpen.Wrap(err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ErrStat.Wrap(err)
	}

	w := &WIM{
		file:     f,
		path:     path,
		fileSize: st.Size(),
		progress: progress,
	}
	if err := w.readFull(flags); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WIM) readFull(flags OpenFlag) error {
	hdr, err := readHeader(w.file, w.fileSize)
	if err != nil {
		return err
	}
	w.hdr = *hdr
	w.pipable = hdr.isPipable()

	if w.pipable {
		// The header at offset 0 of a pipable WIM is only a
		// placeholder; the authoritative copy sits at the very end of
		// the file.
		if w.fileSize < 2*headerDiskSize {
			return ErrInvalidPipableWIM
		}
		final, err := readHeader(&offsetReader{r: w.file, base: w.fileSize - headerDiskSize}, headerDiskSize)
		if err != nil {
			return ErrInvalidPipableWIM.Wrap(err)
		}
		if !final.isPipable() || final.guid != hdr.guid {
			return ErrInvalidPipableWIM
		}
		w.hdr = *final
	}

	if hdr.totalParts != 1 && flags&OpenSplitOK == 0 {
		return ErrSplitUnsupported.WithMessage("part of a spanned set; pass OpenSplitOK")
	}

	ctype, err := compressionTypeFromHdrFlags(hdr.flags)
	if err != nil {
		return err
	}
	w.compressionType = ctype
	w.chunkSize = hdr.chunkSize
	w.outCompressionType = ctype
	w.outChunkSize = hdr.chunkSize
	w.readonly = hdr.flags&hdrFlagReadonly != 0

	if hdr.flags&hdrFlagWriteInProgress != 0 {
		return ErrInvalidHeader.WithMessage("file has a write in progress")
	}
	if flags&OpenWriteAccess != 0 {
		if w.readonly {
			return ErrWIMIsReadonly
		}
		if err := checkWritable(w.path); err != nil {
			return err
		}
	}

	metadataBlobs, err := w.parseBlobTable()
	if err != nil {
		return err
	}

	xmlData, err := w.readResourceData(w.xmlRdesc())
	if err != nil {
		return err
	}
	w.xml, err = parseXMLData(xmlData)
	if err != nil {
		return err
	}

	// Cross-check the XML image records against the blob table's
	// metadata entries and the header's count.
	if uint32(len(metadataBlobs)) != w.hdr.imageCount && w.hdr.partNumber == 1 {
		return ErrImageCount
	}
	if len(w.xml.Images) != len(metadataBlobs) && w.hdr.partNumber == 1 {
		return ErrImageCount
	}

	w.images = make([]*imageMetadata, len(metadataBlobs))
	for i, mb := range metadataBlobs {
		w.images[i] = &imageMetadata{metadataBlob: mb}
	}

	if flags&OpenCheckIntegrity != 0 && w.hdr.hasIntegrityTable() {
		if err := w.verifyIntegrity(); err != nil {
			return err
		}
	}
	return nil
}

// offsetReader shifts an io.ReaderAt by a fixed base offset.
type offsetReader struct {
	r    interface {
		ReadAt(p []byte, off int64) (int, error)
	}
	base int64
}

func (o *offsetReader) ReadAt(p []byte, off int64) (int, error) {
	return o.r.ReadAt(p, o.base+off)
}

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return ErrWIMIsReadonly.Wrap(err)
	}
	f.Close()
	return nil
}

// Close releases the handle and its file.
func (w *WIM) Close() error {
	w.unlockForAppend()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		if err != nil {
			return ErrWrite.Wrap(err)
		}
	}
	return nil
}

// SetProgress attaches a progress callback to the handle.
func (w *WIM) SetProgress(fn ProgressFunc) {
	w.progress = fn
}

// Getters.

func (w *WIM) ImageCount() int { return len(w.images) }

func (w *WIM) BootIndex() int { return int(w.hdr.bootIdx) }

func (w *WIM) GUID() uuid.UUID { return w.hdr.guid }

func (w *WIM) CompressionType() compression.Type { return w.compressionType }

func (w *WIM) ChunkSize() uint32 { return w.chunkSize }

func (w *WIM) IsPipable() bool { return w.pipable }

func (w *WIM) IsReadonly() bool { return w.readonly }

func (w *WIM) PartNumber() (int, int) { return int(w.hdr.partNumber), int(w.hdr.totalParts) }

func (w *WIM) HasIntegrityTable() bool { return w.hdr.hasIntegrityTable() }

// Path returns the backing file path, or "" for a fresh container.
func (w *WIM) Path() string { return w.path }

// ImageName returns the name of the 1-based image, or "".
func (w *WIM) ImageName(image int) string {
	if rec := w.xml.imageRecord(image); rec != nil {
		return rec.Name
	}
	return ""
}

// SetImageName renames an image; the name must not collide with
// another image's name (case-insensitively).
func (w *WIM) SetImageName(image int, name string) error {
	rec := w.xml.imageRecord(image)
	if rec == nil {
		return ErrInvalidImage
	}
	for _, other := range w.xml.Images {
		if other.Index != image && name != "" && strings.EqualFold(other.Name, name) {
			return ErrImageNameCollision
		}
	}
	rec.Name = name
	return nil
}

// ImageDescription returns an image's description text.
func (w *WIM) ImageDescription(image int) string {
	if rec := w.xml.imageRecord(image); rec != nil {
		return rec.Description
	}
	return ""
}

// SetBootIndex marks an image as bootable; 0 clears it.
func (w *WIM) SetBootIndex(image int) error {
	if image < 0 || image > len(w.images) {
		return ErrInvalidImage
	}
	w.hdr.bootIdx = uint32(image)
	return nil
}

// resolveImage validates a 1-based image index.
func (w *WIM) resolveImage(image int) (*imageMetadata, error) {
	if image < 1 || image > len(w.images) {
		return nil, ErrInvalidImage
	}
	return w.images[image-1], nil
}

// loadImageMetadata parses an image's metadata resource on first use,
// verifying it against the blob hash recorded in the blob table.
func (w *WIM) loadImageMetadata(imd *imageMetadata) error {
	if imd.loaded {
		return nil
	}
	mb := imd.metadataBlob
	if mb == nil || mb.location != blobInWIM {
		return ErrInvalidMetadataResource.WithMessage("no backing resource")
	}
	data, err := mb.rdesc.wim.readResourceData(mb.rdesc)
	if err != nil {
		return err
	}
	if !mb.hash.isZero() && sha1.Sum(data) != [hashSize]byte(mb.hash) {
		return ErrInvalidResourceHash
	}
	if err := imd.parseMetadataResource(data); err != nil {
		return err
	}
	w.resolveStreamBlobs(imd)
	return nil
}

// resolveStreamBlobs links stream hashes to blob descriptors and
// records stream sizes.
func (w *WIM) resolveStreamBlobs(imd *imageMetadata) {
	var walk func(*dentry)
	seen := make(map[*inode]bool)
	walk = func(d *dentry) {
		if !seen[d.inode] {
			seen[d.inode] = true
			for i := range d.inode.streams {
				s := &d.inode.streams[i]
				if s.hash.isZero() {
					continue
				}
				if b := w.blobTable.lookup(s.hash); b != nil {
					s.blob = b
					s.size = b.size
				}
			}
		}
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(imd.root)
}

// blobTableRdesc builds a resource descriptor for the on-disk blob
// table itself.
func (w *WIM) blobTableRdesc() *resourceDescriptor {
	h := &w.hdr.blobTableResHdr
	return &resourceDescriptor{
		wim:              w,
		offsetInWIM:      h.offsetInWIM,
		sizeInWIM:        h.sizeInWIM,
		uncompressedSize: h.uncompressedSize,
		flags:            h.flags &^ resFlagMetadata,
		compressionType:  w.compressionType,
		chunkSize:        w.chunkSize,
	}
}

func (w *WIM) xmlRdesc() *resourceDescriptor {
	h := &w.hdr.xmlDataResHdr
	return &resourceDescriptor{
		wim:              w,
		offsetInWIM:      h.offsetInWIM,
		sizeInWIM:        h.sizeInWIM,
		uncompressedSize: h.uncompressedSize,
		flags:            h.flags,
		compressionType:  w.compressionType,
		chunkSize:        w.chunkSize,
	}
}

// canModify checks that in-place modification of the container is
// permitted.
func (w *WIM) canModify(flags WriteFlag) error {
	if w.readonly && flags&WriteIgnoreReadonly == 0 {
		return ErrWIMIsReadonly
	}
	if w.hdr.totalParts != 1 {
		return ErrSplitUnsupported
	}
	return nil
}
