package wim

import (
	"crypto/sha1"
	"math/rand"
	"os"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dargueta/wim/compression"
)

// prepareBlobListForWrite plans the set of file-data blobs that a write
// of the given image(s) must emit, per the STREAMS_OK / APPEND /
// SKIP_EXTERNAL_WIMS semantics.
func (w *WIM) prepareBlobListForWrite(image int, flags WriteFlag) ([]*blobDescriptor, *filterContext, error) {
	filter := &filterContext{flags: flags, wim: w}

	var blobList []*blobDescriptor
	reference := func(b *blobDescriptor, nref uint32) {
		if !b.willBeInOutputWIM {
			b.outRefcnt = 0
			b.willBeInOutputWIM = true
			blobList = append(blobList, b)
		}
		b.outRefcnt += nref
	}

	w.blobTable.forEach(func(b *blobDescriptor) error {
		b.willBeInOutputWIM = false
		return nil
	})
	for _, b := range w.blobTable.unhashed {
		b.willBeInOutputWIM = false
	}

	if flags&WriteStreamsOK != 0 && (image == AllImages || (image == 1 && len(w.images) == 1)) {
		// Fast path: the existing reference counts are authoritative.
		w.blobTable.forEach(func(b *blobDescriptor) error {
			reference(b, b.refcnt)
			return nil
		})
		for _, b := range w.blobTable.unhashed {
			reference(b, b.refcnt)
		}
	} else {
		start, end := image, image
		if image == AllImages {
			start, end = 1, len(w.images)
		}
		for i := start; i <= end; i++ {
			imd, err := w.resolveImage(i)
			if err != nil {
				return nil, nil, err
			}
			if err := w.loadImageMetadata(imd); err != nil {
				return nil, nil, err
			}
			if err := w.referenceImageBlobs(imd, reference); err != nil {
				return nil, nil, err
			}
		}
	}

	// Size uniqueness: hard-filtered blobs participate too, since an
	// unhashed blob could duplicate one of them.
	sizeTab := newBlobSizeTable()
	if filter.mayHardFilter() {
		w.blobTable.forEach(func(b *blobDescriptor) error {
			if !b.willBeInOutputWIM && filter.blobFiltered(b) < 0 {
				sizeTab.insert(b)
			}
			return nil
		})
	}
	for _, b := range blobList {
		sizeTab.insert(b)
	}

	if filter.mayFilter() {
		kept := blobList[:0]
		for _, b := range blobList {
			switch status := filter.blobFiltered(b); {
			case status == 0:
				kept = append(kept, b)
			case status < 0:
				b.willBeInOutputWIM = false
			}
			// Soft-filtered blobs stay marked for the output WIM but
			// are not written again.
		}
		blobList = kept
	}
	return blobList, filter, nil
}

func (w *WIM) referenceImageBlobs(imd *imageMetadata, reference func(*blobDescriptor, uint32)) error {
	seen := make(map[*inode]bool)
	var werr error
	var walk func(*dentry)
	walk = func(d *dentry) {
		if werr != nil {
			return
		}
		n := d.inode
		if !seen[n] {
			seen[n] = true
			for i := range n.streams {
				s := &n.streams[i]
				b := s.blob
				if b == nil && !s.hash.isZero() {
					b = w.blobTable.lookup(s.hash)
					if b == nil {
						werr = ErrResourceNotFound.WithMessage("stream blob missing")
						return
					}
					s.blob = b
				}
				if b != nil {
					reference(b, n.nlink)
				}
			}
		}
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(imd.root)
	return werr
}

// checksumUnhashedBlobs resolves every unhashed blob's digest up
// front; required for pipable output, where the blob header precedes
// the data.
func (w *WIM) checksumUnhashedBlobs() error {
	for len(w.blobTable.unhashed) > 0 {
		b := w.blobTable.unhashed[0]
		resolved, err := w.hashUnhashedBlob(b, w.blobTable)
		if err != nil {
			return err
		}
		if resolved != b {
			w.blobTable.dropUnhashed(b)
			b.unhashed = false
			if b.backInode != nil {
				b.backInode.streams[b.backStream].hash = resolved.hash
				b.backInode.streams[b.backStream].blob = resolved
			}
			resolved.refcnt += b.refcnt
		}
	}
	return nil
}

// writeMetadataResources writes (or reuses) the metadata resource of
// every selected image and queues the blobs for the output table.
func (w *WIM) writeMetadataResources(image int, flags WriteFlag,
	blobTableList *[]*blobDescriptor, rf resourceFlag) error {

	start, end := image, image
	if image == AllImages {
		start, end = 1, len(w.images)
	}
	for i := start; i <= end; i++ {
		imd := w.images[i-1]

		if !imd.modified && imd.metadataBlob != nil && imd.metadataBlob.isInWIMOf(w) &&
			flags&writeAppend != 0 {
			// Unchanged and already in the file being appended to.
			setOutResHdrForReuse(imd.metadataBlob)
			*blobTableList = append(*blobTableList, imd.metadataBlob)
			continue
		}

		if err := w.loadImageMetadata(imd); err != nil {
			return err
		}
		payload := imd.serializeMetadataResource()

		mb := &blobDescriptor{
			hash:       hashOf(sha1.Sum(payload)),
			size:       uint64(len(payload)),
			location:   blobInMemory,
			buffer:     payload,
			isMetadata: true,
			refcnt:     1,
		}
		mb.willBeInOutputWIM = true
		var mlist []*blobDescriptor
		if err := w.writeBlobList([]*blobDescriptor{mb}, &mlist,
			rf&^(resourceSolid|resourceSolidSort), 1, nil); err != nil {
			return err
		}
		*blobTableList = append(*blobTableList, mlist...)
		imd.metadataBlob = mb
	}
	return nil
}

// writeUncompressedResource writes a buffer verbatim and returns its
// resource header.
func (w *WIM) writeUncompressedResource(buf []byte, flags uint8) (resHdr, error) {
	hdr := resHdr{
		offsetInWIM:      uint64(w.outOff),
		sizeInWIM:        uint64(len(buf)),
		uncompressedSize: uint64(len(buf)),
		flags:            flags,
	}
	if err := w.writeOut(buf); err != nil {
		return resHdr{}, err
	}
	return hdr, nil
}

// serializeBlobTable produces the on-disk table for the finished write.
// Entries are ordered by ascending output offset, solid resources
// last, each preceded by its marker entry.
func (w *WIM) serializeBlobTable(blobTableList []*blobDescriptor) []byte {
	sort.SliceStable(blobTableList, func(i, j int) bool {
		a, b := blobTableList[i], blobTableList[j]
		aSolid := a.outResHdr.flags&resFlagSolid != 0
		bSolid := b.outResHdr.flags&resFlagSolid != 0
		if aSolid != bSolid {
			return !aSolid
		}
		if aSolid {
			if a.outResOffsetInWIM != b.outResOffsetInWIM {
				return a.outResOffsetInWIM < b.outResOffsetInWIM
			}
		}
		return a.outResHdr.offsetInWIM < b.outResHdr.offsetInWIM
	})

	var out []byte
	entry := make([]byte, blobEntryDiskSize)
	lastSolidOffset := uint64(1<<64 - 1)

	for _, b := range blobTableList {
		if b.outResHdr.flags&resFlagSolid != 0 && b.outResOffsetInWIM != lastSolidOffset {
			lastSolidOffset = b.outResOffsetInWIM
			marker := resHdr{
				offsetInWIM:      b.outResOffsetInWIM,
				sizeInWIM:        b.outResSizeInWIM,
				uncompressedSize: solidResourceMarker,
				flags:            resFlagSolid,
			}
			writeBlobTableEntry(entry, &marker, w.outHdr.partNumber, 1, hashOf{})
			out = append(out, entry...)
		}
		refcnt := b.outRefcnt
		if refcnt == 0 {
			refcnt = b.refcnt
		}
		writeBlobTableEntry(entry, &b.outResHdr, w.outHdr.partNumber, refcnt, b.hash)
		out = append(out, entry...)
	}
	return out
}

// finishWrite writes the blob table, XML data, optional integrity
// table, and finally the real header.
func (w *WIM) finishWrite(image int, flags WriteFlag, blobTableList []*blobDescriptor) error {
	// The boot-metadata header slot holds a copy of the bootable
	// image's metadata resource header, or zeros.
	w.outHdr.bootMetadataResHdr.zero()
	if w.outHdr.bootIdx != 0 {
		for _, b := range blobTableList {
			if b.isMetadata && w.images[w.outHdr.bootIdx-1].metadataBlob == b {
				w.outHdr.bootMetadataResHdr = b.outResHdr
			}
		}
	}

	// Reuse old integrity digests when appending.
	var oldIntegrity *integrityTable
	var oldCoveredEnd uint64
	if flags&writeAppend != 0 && flags&WriteCheckIntegrity != 0 && w.hdr.hasIntegrityTable() {
		oldCoveredEnd = w.hdr.blobTableResHdr.offsetInWIM + w.hdr.blobTableResHdr.sizeInWIM
		oldIntegrity, _ = w.readIntegrityTable(oldCoveredEnd - headerDiskSize)
		// A stale or unreadable old table just means a full recompute.
	}

	if flags&writeNoNewBlobs == 0 {
		if flags&writeAppend != 0 {
			// Keep every blob resident in this file in the new table,
			// even ones the current images no longer reference
			// (soft delete keeps their bytes anyway).
			inList := make(map[*blobDescriptor]bool, len(blobTableList))
			for _, b := range blobTableList {
				inList[b] = true
			}
			w.blobTable.forEach(func(b *blobDescriptor) error {
				if b.isInWIMOf(w) && !inList[b] {
					setOutResHdrForReuse(b)
					blobTableList = append(blobTableList, b)
				}
				return nil
			})
		}
		table := w.serializeBlobTable(blobTableList)
		hdr, err := w.writeUncompressedResource(table, resFlagMetadata)
		if err != nil {
			return err
		}
		w.outHdr.blobTableResHdr = hdr
	}

	// XML data, with the current file length as TOTALBYTES.
	w.xml.TotalBytes = uint64(w.outOff)
	xmlPayload, err := serializeXMLData(w.xml)
	if err != nil {
		return err
	}
	xmlHdr, err := w.writeUncompressedResource(xmlPayload, 0)
	if err != nil {
		return err
	}
	w.outHdr.xmlDataResHdr = xmlHdr

	if flags&WriteCheckIntegrity != 0 {
		if flags&writeNoNewBlobs != 0 {
			// The XML rewrite may have clobbered the old integrity
			// table; checkpoint the header without it first so a crash
			// mid-computation is detectable.
			checkpoint := w.outHdr
			checkpoint.integrityResHdr.zero()
			checkpoint.flags |= hdrFlagWriteInProgress
			if err := w.pwriteOut(checkpoint.serialize(), 0); err != nil {
				return err
			}
		}

		coveredEnd := w.outHdr.blobTableResHdr.offsetInWIM + w.outHdr.blobTableResHdr.sizeInWIM
		table, err := computeIntegrityTable(w, w.out, coveredEnd, oldIntegrity, oldCoveredEnd)
		if err != nil {
			return err
		}
		ihdr, err := w.writeUncompressedResource(table.serialize(), 0)
		if err != nil {
			return err
		}
		w.outHdr.integrityResHdr = ihdr
	} else {
		w.outHdr.integrityResHdr.zero()
	}

	// The header write is the commit point.
	w.outHdr.flags &^= hdrFlagWriteInProgress
	if flags&WritePipable != 0 {
		if err := w.writeOut(w.outHdr.serialize()); err != nil {
			return err
		}
	} else {
		if err := w.pwriteOut(w.outHdr.serialize(), 0); err != nil {
			return err
		}
	}

	if flags&WriteUnsafeCompact != 0 {
		if err := w.out.Truncate(w.outOff); err != nil {
			return ErrTruncate.Wrap(err)
		}
	}

	if flags&WriteFsync != 0 {
		if err := w.out.Sync(); err != nil {
			return ErrWrite.Wrap(err)
		}
	}
	return nil
}

func validateWriteFlags(flags WriteFlag) error {
	if flags&(WriteCheckIntegrity|WriteNoCheckIntegrity) == WriteCheckIntegrity|WriteNoCheckIntegrity {
		return ErrInvalidParam.WithMessage("check-integrity and no-check-integrity")
	}
	if flags&(WritePipable|WriteNotPipable) == WritePipable|WriteNotPipable {
		return ErrInvalidParam.WithMessage("pipable and not-pipable")
	}
	if flags&(WritePipable|WriteSolid) == WritePipable|WriteSolid {
		return ErrInvalidParam.WithMessage("solid resources cannot be pipable")
	}
	return nil
}

// initOutHdr builds the header for a fresh output file.
func (w *WIM) initOutHdr(image int, flags WriteFlag) {
	w.outHdr = header{}
	if flags&WritePipable != 0 {
		w.outHdr.magic = pipableMagic
	} else {
		w.outHdr.magic = wimMagic
	}

	if flags&WriteSolid != 0 || w.outCompressionType == compression.TypeLZMS {
		w.outHdr.wimVersion = versionSolid
	} else {
		w.outHdr.wimVersion = versionDefault
	}

	w.outHdr.flags = w.hdr.flags & (hdrFlagRPFix | hdrFlagReadonly)
	w.outHdr.flags |= hdrFlagsForCompressionType(w.outCompressionType)
	w.outHdr.chunkSize = w.outChunkSize

	if flags&WriteRetainGUID != 0 {
		w.outHdr.guid = w.hdr.guid
	} else {
		w.outHdr.guid = uuid.New()
	}

	if image == AllImages {
		w.outHdr.imageCount = uint32(len(w.images))
		w.outHdr.bootIdx = w.hdr.bootIdx
	} else {
		w.outHdr.imageCount = 1
		if uint32(image) == w.hdr.bootIdx {
			w.outHdr.bootIdx = 1
		}
	}
	w.outHdr.partNumber = 1
	w.outHdr.totalParts = 1
}

// writeWIMToFile is the common body of Write and WriteToFd.
func (w *WIM) writeWIMToFile(out *os.File, image int, flags WriteFlag, numThreads int) error {
	if image != AllImages && (image < 1 || image > len(w.images)) {
		return ErrInvalidImage
	}
	if err := validateWriteFlags(flags); err != nil {
		return err
	}
	if flags&WriteUnsafeCompact != 0 {
		// Only Overwrite accepts compaction.
		return ErrInvalidParam.WithMessage("unsafe-compact requires Overwrite")
	}

	// Inherit integrity and pipability from the source when no
	// preference was given.
	if flags&(WriteCheckIntegrity|WriteNoCheckIntegrity) == 0 && w.hdr.hasIntegrityTable() {
		flags |= WriteCheckIntegrity
	}
	if flags&(WritePipable|WriteNotPipable) == 0 && w.pipable {
		flags |= WritePipable
	}

	if flags&WritePipable != 0 {
		// Pipable blobs carry their hash up front.
		if err := w.checksumUnhashedBlobs(); err != nil {
			return err
		}
	}

	w.initOutHdr(image, flags)

	blobList, filter, err := w.prepareBlobListForWrite(image, flags)
	if err != nil {
		return err
	}

	w.out = out
	w.outOff = 0
	w.outSeq = flags&writeFileDescriptor != 0 && !fdSeekable(out)
	defer func() {
		w.out = nil
		w.outSeq = false
	}()

	rf := writeFlagsToResourceFlags(flags)

	// Dummy header first; it is rewritten at the end (or, for pipable
	// output, duplicated at the end).
	dummy := w.outHdr
	if flags&WritePipable == 0 {
		dummy.flags |= hdrFlagWriteInProgress
	}
	if err := w.writeOut(dummy.serialize()); err != nil {
		return err
	}

	var blobTableList []*blobDescriptor

	if flags&WritePipable != 0 {
		// Sequential readers need the XML and the metadata before any
		// file data.
		xmlPayload, err := serializeXMLData(w.xml)
		if err != nil {
			return err
		}
		if _, err := w.writeUncompressedResource(xmlPayload, 0); err != nil {
			return err
		}
		if err := w.writeMetadataResources(image, flags, &blobTableList, rf); err != nil {
			return err
		}
		if err := w.writeBlobList(blobList, &blobTableList, rf, numThreads, filter); err != nil {
			return err
		}
	} else {
		if err := w.writeBlobList(blobList, &blobTableList, rf, numThreads, filter); err != nil {
			return err
		}
		if err := w.writeMetadataResources(image, flags, &blobTableList, rf); err != nil {
			return err
		}
	}

	return w.finishWrite(image, flags, blobTableList)
}

// Write writes the selected image (or AllImages) to a new file at
// path.
func (w *WIM) Write(path string, image int, flags WriteFlag, numThreads int) error {
	if flags&^writeMaskPublic != 0 {
		return ErrInvalidParam
	}
	if path == "" {
		return ErrInvalidParam.WithMessage("empty path")
	}
	out, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ErrOpen.Wrap(err)
	}
	werr := w.writeWIMToFile(out, image, flags, numThreads)
	cerr := out.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return ErrWrite.Wrap(cerr)
	}
	return nil
}

// WriteToFd writes to an already-open file descriptor. The descriptor
// must be seekable unless WritePipable is set.
func (w *WIM) WriteToFd(fd int, image int, flags WriteFlag, numThreads int) error {
	if flags&^writeMaskPublic != 0 {
		return ErrInvalidParam
	}
	f := os.NewFile(uintptr(fd), "wim-output")
	if f == nil {
		return ErrInvalidParam.WithMessage("bad file descriptor")
	}
	if !fdSeekable(f) {
		if flags&WritePipable == 0 {
			return ErrInvalidParam.WithMessage("non-seekable output requires pipable mode")
		}
		if flags&WriteCheckIntegrity != 0 {
			return ErrInvalidParam.WithMessage("cannot checksum a pipe")
		}
	}
	return w.writeWIMToFile(f, image, flags|writeFileDescriptor, numThreads)
}

func fdSeekable(f *os.File) bool {
	_, err := f.Seek(0, 1)
	return err == nil
}

// lockForAppend takes the advisory exclusive lock that guards every
// in-place modification.
func (w *WIM) lockForAppend() error {
	if w.lockedForAppend {
		return nil
	}
	if w.file == nil {
		return ErrNoFilename
	}
	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrAlreadyLocked
		}
		// Filesystems without flock support do not block the write.
		return nil
	}
	w.lockedForAppend = true
	return nil
}

func (w *WIM) unlockForAppend() {
	if w.lockedForAppend && w.file != nil {
		_ = unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
		w.lockedForAppend = false
	}
}

func (w *WIM) anyImagesModified() bool {
	for _, imd := range w.images {
		if imd.modified || imd.metadataBlob == nil || !imd.metadataBlob.isInWIMOf(w) {
			return true
		}
	}
	return false
}

// checkResourceOffsets refuses the in-place append when any resource
// lies beyond the region that will be preserved.
func (w *WIM) checkResourceOffsets(endOffset uint64) error {
	for _, rd := range w.resources {
		if rd.offsetInWIM+rd.sizeInWIM > endOffset {
			return ErrResourceOrder
		}
	}
	return nil
}

func (w *WIM) canOverwriteInplace(flags WriteFlag) bool {
	if flags&WriteRebuild != 0 {
		return false
	}
	if w.imageDeletionOccurred && flags&WriteSoftDelete == 0 {
		return false
	}
	if w.pipable || flags&WritePipable != 0 {
		return false
	}
	if w.compressionType != w.outCompressionType || w.chunkSize != w.outChunkSize {
		return false
	}
	return true
}

// Overwrite commits pending modifications back to the opened file,
// appending in place when safe and falling back to a temp-file rebuild
// otherwise.
func (w *WIM) Overwrite(flags WriteFlag, numThreads int) error {
	if flags&^writeMaskPublic != 0 {
		return ErrInvalidParam
	}
	if w.path == "" || w.file == nil {
		return ErrNoFilename
	}

	if flags&WriteUnsafeCompact != 0 {
		if flags&WriteRecompress != 0 {
			return ErrInvalidParam.WithMessage("compaction cannot recompress")
		}
		flags &^= WriteRebuild
		flags |= WriteSoftDelete | WriteNoSolidSort
	}

	if err := w.canModify(flags); err != nil {
		return err
	}

	if w.canOverwriteInplace(flags) || flags&WriteUnsafeCompact != 0 {
		err := w.overwriteInplace(flags, numThreads)
		if err != ErrResourceOrder {
			return err
		}
		if flags&WriteUnsafeCompact != 0 {
			return err
		}
	}
	return w.overwriteViaTmpfile(flags, numThreads)
}

func (w *WIM) overwriteInplace(flags WriteFlag, numThreads int) error {
	if flags&(WriteCheckIntegrity|WriteNoCheckIntegrity) == 0 && w.hdr.hasIntegrityTable() {
		flags |= WriteCheckIntegrity
	}

	w.outHdr = w.hdr
	if flags&WriteSolid != 0 {
		w.outHdr.wimVersion = versionSolid
	}

	var oldWIMEnd uint64
	var blobList []*blobDescriptor
	var filter *filterContext
	var err error

	if flags&WriteUnsafeCompact != 0 {
		// Compaction rewrites everything right after the header.
		w.beingCompacted = true
		defer func() { w.beingCompacted = false }()
		oldWIMEnd = headerDiskSize

		if err := w.checkNoOverlappingResources(); err != nil {
			return err
		}

		blobList, filter, err = w.prepareBlobListForWrite(AllImages, flags)
		if err != nil {
			return err
		}
	} else {
		flags |= writeAppend | WriteStreamsOK

		xmlEnd := w.hdr.xmlDataResHdr.offsetInWIM + w.hdr.xmlDataResHdr.sizeInWIM
		blobTableEnd := w.hdr.blobTableResHdr.offsetInWIM + w.hdr.blobTableResHdr.sizeInWIM
		if w.hdr.hasIntegrityTable() && w.hdr.integrityResHdr.offsetInWIM < xmlEnd {
			return ErrResourceOrder
		}
		if blobTableEnd > w.hdr.xmlDataResHdr.offsetInWIM {
			return ErrResourceOrder
		}

		if !w.imageDeletionOccurred && !w.anyImagesModified() {
			// Nothing new to write; only XML, integrity table, and
			// header move.
			oldWIMEnd = blobTableEnd
			flags |= writeNoNewBlobs
		} else if w.hdr.hasIntegrityTable() {
			oldWIMEnd = w.hdr.integrityResHdr.offsetInWIM + w.hdr.integrityResHdr.sizeInWIM
		} else {
			oldWIMEnd = xmlEnd
		}

		if err := w.checkResourceOffsets(oldWIMEnd); err != nil {
			return err
		}

		blobList, filter, err = w.prepareBlobListForWrite(AllImages, flags)
		if err != nil {
			return err
		}
	}

	out, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return ErrOpen.Wrap(err)
	}
	defer out.Close()

	if err := w.lockForAppend(); err != nil {
		return err
	}
	defer w.unlockForAppend()

	// Flag the file while it is inconsistent.
	if err := writeHeaderFlagsAt(out, w.hdr.flags|hdrFlagWriteInProgress); err != nil {
		return err
	}

	w.out = out
	w.outOff = int64(oldWIMEnd)
	defer func() { w.out = nil }()

	rf := writeFlagsToResourceFlags(flags)
	var blobTableList []*blobDescriptor

	fail := func(err error) error {
		if flags&(writeNoNewBlobs|WriteUnsafeCompact) == 0 {
			// Drop the partial append so the old file survives.
			_ = out.Truncate(int64(oldWIMEnd))
		}
		_ = writeHeaderFlagsAt(out, w.hdr.flags)
		return err
	}

	if flags&writeNoNewBlobs == 0 {
		if err := w.writeBlobList(blobList, &blobTableList, rf, numThreads, filter); err != nil {
			return fail(err)
		}
	}
	if err := w.writeMetadataResources(AllImages, flags, &blobTableList, rf); err != nil {
		return fail(err)
	}
	if err := w.finishWrite(AllImages, flags, blobTableList); err != nil {
		return fail(err)
	}

	w.absorbOutputBlobs(blobTableList)
	w.hdr = w.outHdr
	w.fileSize = w.outOff
	w.imageDeletionOccurred = false
	for _, imd := range w.images {
		imd.modified = false
	}
	return nil
}

// absorbOutputBlobs repoints freshly written blobs at their new
// resources in this file, so the handle stays usable after an in-place
// overwrite.
func (w *WIM) absorbOutputBlobs(blobTableList []*blobDescriptor) {
	solidByOffset := make(map[uint64]*resourceDescriptor)
	for _, b := range blobTableList {
		if b.isInWIMOf(w) && b.location == blobInWIM {
			continue
		}
		if b.outResHdr.flags&resFlagSolid != 0 {
			rd := solidByOffset[b.outResOffsetInWIM]
			if rd == nil {
				rd = &resourceDescriptor{
					wim:              w,
					offsetInWIM:      b.outResOffsetInWIM,
					sizeInWIM:        b.outResSizeInWIM,
					uncompressedSize: b.outResUncompressed,
					flags:            resFlagSolid | resFlagCompressed,
				}
				solidByOffset[b.outResOffsetInWIM] = rd
				w.resources = append(w.resources, rd)
			}
			b.location = blobInWIM
			b.rdesc = rd
			b.offsetInRes = b.outResHdr.offsetInWIM
			rd.blobs = append(rd.blobs, b)
			continue
		}
		rd := &resourceDescriptor{
			wim:              w,
			offsetInWIM:      b.outResHdr.offsetInWIM,
			sizeInWIM:        b.outResHdr.sizeInWIM,
			uncompressedSize: b.outResHdr.uncompressedSize,
			flags:            b.outResHdr.flags,
			compressionType:  w.outCompressionType,
			chunkSize:        w.outChunkSize,
			blobs:            []*blobDescriptor{b},
		}
		if b.outResHdr.flags&resFlagCompressed == 0 {
			rd.compressionType = 0
		}
		w.resources = append(w.resources, rd)
		b.location = blobInWIM
		b.rdesc = rd
		b.offsetInRes = 0
		b.buffer = nil
		b.openFn = nil
		b.filePath = ""
	}
}

func (w *WIM) checkNoOverlappingResources() error {
	sorted := append([]*resourceDescriptor(nil), w.resources...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].offsetInWIM < sorted[j].offsetInWIM
	})
	var prevEnd uint64
	for _, rd := range sorted {
		if rd.offsetInWIM < prevEnd {
			return ErrResourceOrder.WithMessage("overlapping resources")
		}
		prevEnd = rd.offsetInWIM + rd.sizeInWIM
	}
	return nil
}

func (w *WIM) overwriteViaTmpfile(flags WriteFlag, numThreads int) error {
	tmp := w.path + "." + randomSuffix(9)

	err := w.Write(tmp, AllImages, flags|WriteFsync|WriteRetainGUID, numThreads)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// The old descriptor is about to point at an unlinked file.
	if w.file != nil {
		w.unlockForAppend()
		w.file.Close()
		w.file = nil
	}

	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return ErrRename.Wrap(err)
	}

	if err := w.callProgress(&ProgressInfo{Kind: ProgressRename, From: tmp, To: w.path}); err != nil {
		return err
	}

	// Reopen so the handle keeps working against the new file.
	f, err := os.Open(w.path)
	if err != nil {
		return ErrOpen.Wrap(err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return ErrStat.Wrap(err)
	}
	w.file = f
	w.fileSize = st.Size()
	return nil
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSuffix(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alnum[rand.Intn(len(alnum))]
	}
	return string(buf)
}
