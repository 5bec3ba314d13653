package wim

import (
	"crypto/sha1"
	"encoding/binary"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dargueta/wim/compression"
)

// Low-level output helpers. The orchestrator owns the output file and
// its logical offset; the chunk-compressor workers never touch it.

func (w *WIM) writeOut(buf []byte) error {
	var err error
	if w.outSeq {
		_, err = w.out.Write(buf)
	} else {
		_, err = w.out.WriteAt(buf, w.outOff)
	}
	if err != nil {
		return ErrWrite.Wrap(err)
	}
	w.outOff += int64(len(buf))
	return nil
}

func (w *WIM) pwriteOut(buf []byte, off int64) error {
	if w.outSeq {
		return ErrWrite.WithMessage("positioned write on a pipe")
	}
	if _, err := w.out.WriteAt(buf, off); err != nil {
		return ErrWrite.Wrap(err)
	}
	return nil
}

// filterContext decides which blobs stay out of the write.
type filterContext struct {
	flags WriteFlag
	wim   *WIM
}

// blobFiltered returns <0 for hard-filtered blobs (dropped from the
// output entirely), >0 for soft-filtered ones (already present in the
// target container), and 0 otherwise.
func (ctx *filterContext) blobFiltered(b *blobDescriptor) int {
	if ctx == nil {
		return 0
	}
	if ctx.flags&writeAppend != 0 && b.isInWIMOf(ctx.wim) {
		return 1
	}
	if ctx.flags&WriteSkipExternalWIMs != 0 && b.location == blobInWIM && !b.isInWIMOf(ctx.wim) {
		return -1
	}
	return 0
}

func (ctx *filterContext) mayFilter() bool {
	return ctx != nil && ctx.flags&(writeAppend|WriteSkipExternalWIMs) != 0
}

func (ctx *filterContext) mayHardFilter() bool {
	return ctx != nil && ctx.flags&WriteSkipExternalWIMs != 0
}

// canRawCopy reports whether the blob's backing resource can be copied
// byte for byte instead of recompressed.
func canRawCopy(b *blobDescriptor, rf resourceFlag, outCtype compression.Type, outChunkSize uint32) bool {
	if rf&resourceRecompress != 0 {
		return false
	}
	if b.location != blobInWIM {
		return false
	}
	rd := b.rdesc

	if rd.wim.beingCompacted {
		return true
	}
	if outCtype == compression.TypeNone || rd.flags&(resFlagCompressed|resFlagSolid) == 0 {
		return false
	}
	if rd.isPipable != (rf&resourcePipable != 0) {
		return false
	}
	if rd.isSolid() != (rf&resourceSolid != 0) {
		return false
	}

	if !rd.isSolid() {
		return rd.compressionType == outCtype && rd.chunkSize == outChunkSize
	}

	// Solid resources carry their own compression parameters, so
	// compatibility is not an issue; instead require that enough of
	// the resource is still referenced to be worth keeping whole.
	if rd.rawCopyOK {
		return true
	}
	var writeSize uint64
	for _, rb := range rd.blobs {
		if rb.willBeInOutputWIM {
			writeSize += rb.size
		}
	}
	return writeSize > rd.uncompressedSize*2/3
}

func reshdrFlagsForBlob(b *blobDescriptor) uint8 {
	if b.isMetadata {
		return resFlagMetadata
	}
	return 0
}

// setOutResHdrForReuse fills the blob's output resource header straight
// from its existing in-WIM resource.
func setOutResHdrForReuse(b *blobDescriptor) {
	rd := b.rdesc
	if rd.isSolid() {
		b.outResHdr.offsetInWIM = b.offsetInRes
		b.outResHdr.uncompressedSize = 0
		b.outResHdr.sizeInWIM = b.size
		b.outResOffsetInWIM = rd.offsetInWIM
		b.outResSizeInWIM = rd.sizeInWIM
		b.outResUncompressed = rd.uncompressedSize
	} else {
		b.outResHdr.offsetInWIM = rd.offsetInWIM
		b.outResHdr.uncompressedSize = rd.uncompressedSize
		b.outResHdr.sizeInWIM = rd.sizeInWIM
	}
	b.outResHdr.flags = rd.flags
}

// writeBlobsCtx is the state of one pass of blob writing.
type writeBlobsCtx struct {
	w   *WIM
	out *os.File

	blobTable     *blobTable
	blobTableList *[]*blobDescriptor

	outCtype     compression.Type
	outChunkSize uint32
	rf           resourceFlag

	progress *writeStreamsProgress
	filter   *filterContext

	compressor chunkCompressor

	curChunkBuf    []byte
	curChunkFilled int

	blobsBeingCompressed []*blobDescriptor
	blobsInSolidRes      []*blobDescriptor

	curReadBlob    *blobDescriptor
	curReadOffset  uint64
	curWriteOffset uint64 // uncompressed offset in the resource being written
	curResSize     uint64 // expected uncompressed size of that resource

	chunkCSizes       []uint64
	chunkIndex        int
	chunksStartOffset int64
	resHdrStartOffset int64 // where the reserved chunk table (and solid header) begins
}

func (ctx *writeBlobsCtx) solid() bool   { return ctx.rf&resourceSolid != 0 }
func (ctx *writeBlobsCtx) pipable() bool { return ctx.rf&resourcePipable != 0 }

// beginChunkTable reserves space in the output for the chunk table of
// the resource about to be written.
func (ctx *writeBlobsCtx) beginChunkTable(resExpectedSize uint64) error {
	expectedChunks := (resExpectedSize + uint64(ctx.outChunkSize) - 1) / uint64(ctx.outChunkSize)
	expectedEntries := expectedChunks
	if !ctx.solid() {
		expectedEntries--
	}

	ctx.chunkCSizes = ctx.chunkCSizes[:0]
	ctx.chunkIndex = 0
	ctx.resHdrStartOffset = ctx.w.outOff

	if ctx.pipable() {
		return nil // table is appended after the data instead
	}

	reserve := expectedEntries * uint64(chunkEntrySize(resExpectedSize, ctx.solid()))
	if ctx.solid() {
		reserve += altChunkHdrSize
	}
	return ctx.w.writeOut(make([]byte, reserve))
}

func (ctx *writeBlobsCtx) beginWriteResource(resExpectedSize uint64) error {
	if ctx.compressor != nil {
		if err := ctx.beginChunkTable(resExpectedSize); err != nil {
			return err
		}
	} else {
		ctx.resHdrStartOffset = ctx.w.outOff
	}
	ctx.chunksStartOffset = ctx.w.outOff
	ctx.curWriteOffset = 0
	ctx.curResSize = resExpectedSize
	return nil
}

// endChunkTable fills in (or appends) the chunk table of the finished
// resource and reports its extent in the output file.
func (ctx *writeBlobsCtx) endChunkTable(resActualSize uint64) (resOffset uint64, resStoreSize uint64, err error) {
	actualEntries := ctx.chunkIndex
	if !ctx.solid() {
		actualEntries--
	}
	entrySize := chunkEntrySize(resActualSize, ctx.solid())

	table := make([]byte, actualEntries*entrySize)
	if ctx.solid() {
		for i := 0; i < actualEntries; i++ {
			binary.LittleEndian.PutUint32(table[i*4:], uint32(ctx.chunkCSizes[i]))
		}
	} else {
		offset := uint64(0)
		for i := 0; i < actualEntries; i++ {
			offset += ctx.chunkCSizes[i]
			if entrySize == 4 {
				binary.LittleEndian.PutUint32(table[i*4:], uint32(offset))
			} else {
				binary.LittleEndian.PutUint64(table[i*8:], offset)
			}
		}
	}

	if ctx.pipable() {
		if err := ctx.w.writeOut(table); err != nil {
			return 0, 0, err
		}
		return uint64(ctx.chunksStartOffset), uint64(ctx.w.outOff - ctx.chunksStartOffset), nil
	}

	resEnd := ctx.w.outOff
	tableOffset := ctx.chunksStartOffset - int64(len(table))
	resStart := tableOffset

	if ctx.solid() {
		var alt [altChunkHdrSize]byte
		binary.LittleEndian.PutUint64(alt[0:], resActualSize)
		binary.LittleEndian.PutUint32(alt[8:], ctx.outChunkSize)
		binary.LittleEndian.PutUint32(alt[12:], uint32(ctx.outCtype))
		resStart = tableOffset - altChunkHdrSize
		if err := ctx.w.pwriteOut(alt[:], resStart); err != nil {
			return 0, 0, err
		}
	}
	if err := ctx.w.pwriteOut(table, tableOffset); err != nil {
		return 0, 0, err
	}
	return uint64(resStart), uint64(resEnd - resStart), nil
}

func (ctx *writeBlobsCtx) endWriteResource(out *resHdr) error {
	resUSize := ctx.curResSize
	if ctx.solid() {
		resUSize = ctx.curWriteOffset
	}
	if ctx.compressor != nil {
		off, size, err := ctx.endChunkTable(resUSize)
		if err != nil {
			return err
		}
		out.offsetInWIM = off
		out.sizeInWIM = size
	} else {
		out.offsetInWIM = uint64(ctx.resHdrStartOffset)
		out.sizeInWIM = uint64(ctx.w.outOff - ctx.resHdrStartOffset)
	}
	out.uncompressedSize = resUSize
	return nil
}

// writePipableBlobHeader emits the per-blob header that lets a
// sequential reader identify a blob without the blob table.
func (ctx *writeBlobsCtx) writePipableBlobHeader(b *blobDescriptor, compressed bool) error {
	var hdr [pwmBlobHdrSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], pwmBlobMagic)
	binary.LittleEndian.PutUint64(hdr[8:], b.size)
	copy(hdr[16:], b.hash[:])
	flags := uint32(reshdrFlagsForBlob(b))
	if compressed {
		flags |= resFlagCompressed
	}
	binary.LittleEndian.PutUint32(hdr[16+hashSize:], flags)
	return ctx.w.writeOut(hdr[:])
}

// beginBlobRead prepares to stream one blob. The digest of an unhashed
// blob is computed from this same read as the data flows into the
// compressor; whether it turned out to be a duplicate is decided in
// resolveStreamedBlob once the last byte has been hashed.
func (ctx *writeBlobsCtx) beginBlobRead(b *blobDescriptor) {
	ctx.curReadOffset = 0
	ctx.curReadBlob = b
	ctx.blobsBeingCompressed = append(ctx.blobsBeingCompressed, b)
}

// transferStreamRefs repoints the streams backed by the dropped
// descriptor at its surviving duplicate.
func (ctx *writeBlobsCtx) transferStreamRefs(dropped, survivor *blobDescriptor) {
	if dropped.backInode != nil {
		s := &dropped.backInode.streams[dropped.backStream]
		s.hash = survivor.hash
		s.blob = survivor
	}
	survivor.refcnt += dropped.refcnt
}

// writeChunk writes one (possibly compressed) chunk and advances the
// per-blob and per-resource bookkeeping.
func (ctx *writeBlobsCtx) writeChunk(cchunk []byte, csize, usize int) error {
	if len(ctx.blobsBeingCompressed) == 0 {
		return ErrWrite.WithMessage("chunk with no blob")
	}
	b := ctx.blobsBeingCompressed[0]

	if ctx.curWriteOffset == 0 && !ctx.solid() {
		// Starting a new blob in non-solid mode.
		if ctx.pipable() {
			if err := ctx.writePipableBlobHeader(b, ctx.compressor != nil); err != nil {
				return err
			}
		}
		if err := ctx.beginWriteResource(b.size); err != nil {
			return err
		}
	}

	if ctx.compressor != nil {
		ctx.chunkCSizes = append(ctx.chunkCSizes, uint64(csize))
		ctx.chunkIndex++
		if ctx.pipable() {
			var hdr [pwmChunkHdrSize]byte
			binary.LittleEndian.PutUint32(hdr[:], uint32(csize))
			if err := ctx.w.writeOut(hdr[:]); err != nil {
				return err
			}
		}
	}

	if err := ctx.w.writeOut(cchunk[:csize]); err != nil {
		return err
	}
	ctx.curWriteOffset += uint64(usize)

	completedSize := uint64(usize)
	completedBlobs := uint64(0)

	if ctx.solid() {
		// One chunk may finish several blobs.
		for len(ctx.blobsBeingCompressed) > 0 {
			b = ctx.blobsBeingCompressed[0]
			endOfBlob := ctx.solidOffsetOf(b) + b.size
			if ctx.curWriteOffset < endOfBlob {
				break
			}
			ctx.blobsBeingCompressed = ctx.blobsBeingCompressed[1:]
			ctx.blobsInSolidRes = append(ctx.blobsInSolidRes, b)
			completedBlobs++
		}
	} else if ctx.curWriteOffset == b.size {
		if err := ctx.endWriteResource(&b.outResHdr); err != nil {
			return err
		}
		b.outResHdr.flags = reshdrFlagsForBlob(b)
		if ctx.compressor != nil {
			b.outResHdr.flags |= resFlagCompressed
		}
		if err := ctx.maybeRewriteBlobUncompressed(b); err != nil {
			return err
		}
		ctx.curWriteOffset = 0
		ctx.blobsBeingCompressed = ctx.blobsBeingCompressed[1:]
		*ctx.blobTableList = append(*ctx.blobTableList, b)
		completedBlobs++
	}

	return ctx.progress.add(completedSize, completedBlobs, false)
}

// solidOffsetOf gives a blob's uncompressed offset inside the solid
// resource under construction: the blobs completed so far sit before
// it back to back.
func (ctx *writeBlobsCtx) solidOffsetOf(*blobDescriptor) uint64 {
	off := uint64(0)
	for _, b := range ctx.blobsInSolidRes {
		off += b.size
	}
	return off
}

// shouldRewriteUncompressed decides whether a blob that failed to
// shrink gets re-written raw: keep the compressed form only when it is
// actually smaller, with carve-outs for pipable output and costly
// re-reads.
func (ctx *writeBlobsCtx) shouldRewriteUncompressed(b *blobDescriptor) bool {
	if b.outResHdr.sizeInWIM < b.outResHdr.uncompressedSize {
		return false
	}
	if ctx.compressor == nil {
		return false
	}
	if ctx.pipable() {
		return false
	}
	if b.location == blobInWIM &&
		b.size != b.rdesc.uncompressedSize &&
		b.size != b.outResHdr.sizeInWIM {
		// Re-reading out of a solid resource elsewhere is expensive;
		// only the compressed-equals-uncompressed case forces it.
		return false
	}
	return true
}

func (ctx *writeBlobsCtx) maybeRewriteBlobUncompressed(b *blobDescriptor) error {
	if !ctx.shouldRewriteUncompressed(b) {
		return nil
	}

	// A single-chunk resource whose compressed size equals its
	// uncompressed size is byte-identical to the raw data and has an
	// empty chunk table; only the flag needs clearing.
	if ctx.chunkIndex == 1 && b.outResHdr.sizeInWIM == b.outResHdr.uncompressedSize {
		b.outResHdr.flags &^= resFlagCompressed
		return nil
	}

	begin := int64(b.outResHdr.offsetInWIM)
	end := ctx.w.outOff

	r, err := ctx.w.openBlob(b)
	if err != nil {
		// Keep the compressed form rather than fail the write.
		ctx.w.outOff = end
		return nil
	}
	defer r.Close()

	ctx.w.outOff = begin
	buf := make([]byte, 1<<16)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := ctx.w.writeOut(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.w.outOff == begin {
				ctx.w.outOff = end
				return nil
			}
			return ErrRead.Wrap(rerr)
		}
	}

	b.outResHdr.sizeInWIM = b.size
	b.outResHdr.flags &^= resFlagCompressed | resFlagSolid
	return nil
}

// prepareChunkBuffer obtains a fresh chunk buffer, draining compressed
// results while the compressor has no free buffers (backpressure).
func (ctx *writeBlobsCtx) prepareChunkBuffer() error {
	for {
		ctx.curChunkBuf = ctx.compressor.getChunkBuffer()
		if ctx.curChunkBuf != nil {
			return nil
		}
		data, csize, usize, ok := ctx.compressor.getCompressionResult()
		if !ok {
			return ErrWrite.WithMessage("compressor stalled with no results")
		}
		if err := ctx.writeChunk(data, csize, usize); err != nil {
			return err
		}
	}
}

// processBlobData consumes one piece of a blob's uncompressed data.
func (ctx *writeBlobsCtx) processBlobData(chunk []byte) error {
	if ctx.compressor == nil {
		if err := ctx.writeChunk(chunk, len(chunk), len(chunk)); err != nil {
			return err
		}
		ctx.curReadOffset += uint64(len(chunk))
		return nil
	}

	for len(chunk) > 0 {
		if ctx.curChunkBuf == nil {
			if err := ctx.prepareChunkBuffer(); err != nil {
				return err
			}
		}

		var needed int
		if ctx.solid() {
			needed = int(ctx.outChunkSize)
		} else {
			remaining := ctx.curReadBlob.size - ctx.curReadOffset
			needed = ctx.curChunkFilled + int(remaining)
			if needed > int(ctx.outChunkSize) {
				needed = int(ctx.outChunkSize)
			}
		}

		n := copy(ctx.curChunkBuf[ctx.curChunkFilled:needed], chunk)
		chunk = chunk[n:]
		ctx.curReadOffset += uint64(n)
		ctx.curChunkFilled += n

		if ctx.curChunkFilled == needed {
			ctx.compressor.signalChunkFilled(ctx.curChunkFilled)
			ctx.curChunkBuf = nil
			ctx.curChunkFilled = 0
		}
	}
	return nil
}

// resolveStreamedBlob commits a freshly streamed unhashed blob now
// that its digest is known, or discards the bytes it produced when the
// digest reveals a duplicate.
func (ctx *writeBlobsCtx) resolveStreamedBlob(b *blobDescriptor) error {
	if ctx.blobTable == nil {
		return nil
	}

	if b.uniqueSize || ctx.solid() {
		// No other blob can share a unique size, and blobs entering a
		// solid resource were resolved before the stream began (it
		// cannot be rewound); just commit.
		return ctx.commitStreamedBlob(b)
	}

	// The blob's resource extent must be final before the output can
	// be rewound over it, so drain its in-flight chunks.
	for ctx.blobStillQueued(b) {
		data, csize, usize, ok := ctx.compressor.getCompressionResult()
		if !ok {
			return ErrWrite.WithMessage("compressor stalled with chunks outstanding")
		}
		if err := ctx.writeChunk(data, csize, usize); err != nil {
			return err
		}
	}

	existing := ctx.blobTable.lookup(b.hash)
	if existing == nil || existing == b {
		return ctx.commitStreamedBlob(b)
	}

	// Duplicate. Drop the descriptor and repoint its streams; what
	// happens to the bytes already written depends on whether the
	// surviving blob is covered by this write.
	ctx.blobTable.dropUnhashed(b)
	b.willBeInOutputWIM = false
	ctx.transferStreamRefs(b, existing)
	ctx.dropFromBlobTableList(b)

	if existing.willBeInOutputWIM || ctx.filter.blobFiltered(existing) != 0 {
		// Covered elsewhere: rewind the output over the redundant
		// resource; the next blob overwrites it.
		ctx.w.outOff = int64(b.outResHdr.offsetInWIM)
		if existing.willBeInOutputWIM {
			existing.outRefcnt += b.outRefcnt
		}
		return nil
	}

	// The duplicate was eligible for this write but never queued; keep
	// the bytes and hand the finished resource to it.
	existing.willBeInOutputWIM = true
	existing.outRefcnt = b.outRefcnt
	existing.outResHdr = b.outResHdr
	*ctx.blobTableList = append(*ctx.blobTableList, existing)
	return nil
}

func (ctx *writeBlobsCtx) commitStreamedBlob(b *blobDescriptor) error {
	ctx.blobTable.dropUnhashed(b)
	b.unhashed = false
	ctx.blobTable.insert(b)
	if b.backInode != nil {
		b.backInode.streams[b.backStream].hash = b.hash
	}
	return nil
}

func (ctx *writeBlobsCtx) blobStillQueued(b *blobDescriptor) bool {
	if ctx.compressor == nil {
		return false
	}
	for _, q := range ctx.blobsBeingCompressed {
		if q == b {
			return true
		}
	}
	return false
}

func (ctx *writeBlobsCtx) dropFromBlobTableList(b *blobDescriptor) {
	list := *ctx.blobTableList
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == b {
			*ctx.blobTableList = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// resolveSolidBlobDupes hashes the unhashed blobs headed into a solid
// resource before any of their data enters the stream: bytes cannot be
// rewound out of a solid resource, so duplicates must be culled up
// front. Unique-size blobs are exempt and stream in one pass like
// everything else.
func (ctx *writeBlobsCtx) resolveSolidBlobDupes(compressList []*blobDescriptor, nonRawBytes uint64) ([]*blobDescriptor, uint64, error) {
	kept := compressList[:0]
	for _, b := range compressList {
		if !b.unhashed || b.uniqueSize {
			kept = append(kept, b)
			continue
		}
		resolved, err := ctx.w.hashUnhashedBlob(b, ctx.blobTable)
		if err != nil {
			return nil, 0, err
		}
		if resolved == b {
			kept = append(kept, b)
			continue
		}
		if resolved.willBeInOutputWIM || ctx.filter.blobFiltered(resolved) != 0 {
			if err := ctx.progress.add(b.size, 1, true); err != nil {
				return nil, 0, err
			}
			if resolved.willBeInOutputWIM {
				resolved.outRefcnt += b.outRefcnt
			}
			ctx.transferStreamRefs(b, resolved)
			nonRawBytes -= b.size
			continue
		}
		// Eligible but unqueued duplicate: write it instead.
		b.willBeInOutputWIM = false
		resolved.outRefcnt = b.outRefcnt
		resolved.willBeInOutputWIM = true
		ctx.transferStreamRefs(b, resolved)
		kept = append(kept, resolved)
	}
	return kept, nonRawBytes, nil
}

// finishRemainingChunks flushes the partial chunk and drains the
// compressor.
func (ctx *writeBlobsCtx) finishRemainingChunks() error {
	if ctx.compressor == nil {
		return nil
	}
	if ctx.curChunkFilled != 0 {
		ctx.compressor.signalChunkFilled(ctx.curChunkFilled)
		ctx.curChunkBuf = nil
		ctx.curChunkFilled = 0
	}
	for {
		data, csize, usize, ok := ctx.compressor.getCompressionResult()
		if !ok {
			return nil
		}
		if err := ctx.writeChunk(data, csize, usize); err != nil {
			return err
		}
	}
}

// finishSolidResource closes the solid resource and assigns every
// member blob its output header.
func (ctx *writeBlobsCtx) finishSolidResource() error {
	if !ctx.solid() || len(ctx.blobsInSolidRes) == 0 {
		return nil
	}
	var hdr resHdr
	if err := ctx.endWriteResource(&hdr); err != nil {
		return err
	}

	offsetInRes := uint64(0)
	for _, b := range ctx.blobsInSolidRes {
		b.outResHdr.sizeInWIM = b.size
		b.outResHdr.flags = reshdrFlagsForBlob(b) | resFlagSolid
		b.outResHdr.uncompressedSize = 0
		b.outResHdr.offsetInWIM = offsetInRes
		b.outResOffsetInWIM = hdr.offsetInWIM
		b.outResSizeInWIM = hdr.sizeInWIM
		b.outResUncompressed = hdr.uncompressedSize
		*ctx.blobTableList = append(*ctx.blobTableList, b)
		offsetInRes += b.size
	}
	ctx.blobsInSolidRes = ctx.blobsInSolidRes[:0]
	return nil
}

// writeRawCopyResource copies one resource verbatim from its source
// container into the output.
func (ctx *writeBlobsCtx) writeRawCopyResource(rd *resourceDescriptor) error {
	readOff := rd.offsetInWIM
	endOff := rd.offsetInWIM + rd.sizeInWIM
	outOffset := uint64(ctx.w.outOff)

	if rd.isPipable {
		if readOff < pwmBlobHdrSize {
			return ErrInvalidPipableWIM
		}
		readOff -= pwmBlobHdrSize
		outOffset += pwmBlobHdrSize
	}

	src := rd.wim
	if !src.beingCompacted || rd.offsetInWIM > uint64(ctx.w.outOff) {
		buf := make([]byte, 1<<16)
		for readOff < endOff {
			n := uint64(len(buf))
			if endOff-readOff < n {
				n = endOff - readOff
			}
			if err := src.readRawRange(int64(readOff), buf[:n]); err != nil {
				return err
			}
			if err := ctx.w.writeOut(buf[:n]); err != nil {
				return err
			}
			readOff += n
		}
	} else {
		// Compaction: the resource starts at or before the write head;
		// skip over it instead of rewriting identical bytes.
		ctx.w.outOff += int64(rd.sizeInWIM)
	}

	for _, b := range rd.blobs {
		if !b.willBeInOutputWIM {
			continue
		}
		setOutResHdrForReuse(b)
		if rd.isSolid() {
			b.outResOffsetInWIM = outOffset
		} else {
			b.outResHdr.offsetInWIM = outOffset
		}
		*ctx.blobTableList = append(*ctx.blobTableList, b)
	}
	return nil
}

// findRawCopyBlobs partitions the blob list into blobs to compress and
// blobs whose resources are copied raw, returning the former and the
// total byte count needing compression.
func findRawCopyBlobs(blobList []*blobDescriptor, rf resourceFlag,
	outCtype compression.Type, outChunkSize uint32) (compressList, rawList []*blobDescriptor, nonRawBytes uint64) {

	for _, b := range blobList {
		if b.location == blobInWIM {
			b.rdesc.rawCopyOK = false
		}
	}
	for _, b := range blobList {
		if canRawCopy(b, rf, outCtype, outChunkSize) {
			b.rdesc.rawCopyOK = true
			rawList = append(rawList, b)
		} else {
			compressList = append(compressList, b)
			nonRawBytes += b.size
		}
	}
	return compressList, rawList, nonRawBytes
}

// sortBlobsForSolidCompression groups blobs by name similarity so that
// alike files land near each other inside the solid resource.
func (w *WIM) sortBlobsForSolidCompression(blobs []*blobDescriptor) {
	nameOf := func(b *blobDescriptor) string {
		if b.backInode != nil {
			return ""
		}
		if b.filePath != "" {
			return path.Base(strings.ReplaceAll(b.filePath, "\\", "/"))
		}
		return ""
	}
	sort.SliceStable(blobs, func(i, j int) bool {
		ni, nj := nameOf(blobs[i]), nameOf(blobs[j])
		ei, ej := path.Ext(ni), path.Ext(nj)
		if !strings.EqualFold(ei, ej) {
			return strings.ToLower(ei) < strings.ToLower(ej)
		}
		if !strings.EqualFold(ni, nj) {
			return strings.ToLower(ni) < strings.ToLower(nj)
		}
		return blobs[i].size < blobs[j].size
	})
}

// writeBlobList writes every blob in the list to the output file,
// deduplicating unhashed blobs on the fly and respecting the solid,
// pipable, and raw-copy modes. Completed blobs are appended to
// blobTableList with their output resource headers filled in.
func (w *WIM) writeBlobList(blobList []*blobDescriptor, blobTableList *[]*blobDescriptor,
	rf resourceFlag, numThreads int, filter *filterContext) error {

	ctx := &writeBlobsCtx{
		w:             w,
		out:           w.out,
		blobTable:     w.blobTable,
		blobTableList: blobTableList,
		outCtype:      w.outCompressionType,
		outChunkSize:  w.outChunkSize,
		rf:            rf,
		filter:        filter,
		progress:      newWriteStreamsProgress(w),
	}
	if ctx.solid() {
		ctx.outCtype = w.solidCompressionType()
		ctx.outChunkSize = w.solidChunkSize()
	}

	for _, b := range blobList {
		ctx.progress.info.TotalStreams++
		ctx.progress.info.TotalBytes += b.size
	}

	if rf&resourceSolidSort != 0 {
		w.sortBlobsForSolidCompression(blobList)
	}

	compressList, rawList, nonRawBytes := findRawCopyBlobs(blobList, rf, ctx.outCtype, ctx.outChunkSize)

	// Raw-copied resources first; each solid resource only once.
	for _, b := range rawList {
		if b.rdesc.rawCopyOK {
			if err := ctx.writeRawCopyResource(b.rdesc); err != nil {
				return err
			}
			b.rdesc.rawCopyOK = false
		}
		if err := ctx.progress.add(b.size, 1, false); err != nil {
			return err
		}
	}

	if len(compressList) == 0 {
		return nil
	}

	if ctx.outCtype != compression.TypeNone {
		comp, err := newChunkCompressor(ctx.outCtype, ctx.outChunkSize, numThreads, nonRawBytes)
		if err != nil {
			return err
		}
		ctx.compressor = comp
		defer func() {
			ctx.compressor.destroy()
		}()
		ctx.progress.info.NumThreads = comp.numThreads()
	}

	if ctx.solid() {
		var err error
		compressList, nonRawBytes, err = ctx.resolveSolidBlobDupes(compressList, nonRawBytes)
		if err != nil {
			return err
		}
		if err := ctx.beginWriteResource(nonRawBytes); err != nil {
			return err
		}
	}

	buf := make([]byte, 1<<16)
	for _, blob := range compressList {
		ctx.beginBlobRead(blob)

		r, err := w.openBlob(blob)
		if err != nil {
			return err
		}
		hasher := sha1.New()
		for ctx.curReadOffset < blob.size {
			n, rerr := r.Read(buf)
			if n > 0 {
				hasher.Write(buf[:n])
				if perr := ctx.processBlobData(buf[:n]); perr != nil {
					r.Close()
					return perr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				r.Close()
				return ErrRead.Wrap(rerr)
			}
		}
		r.Close()
		if ctx.curReadOffset != blob.size {
			return ErrUnexpectedEOF
		}
		if blob.unhashed {
			// Hashed on the fly from the same read that fed the
			// compressor; now the duplicate decision can be made.
			copy(blob.hash[:], hasher.Sum(nil))
			if err := ctx.resolveStreamedBlob(blob); err != nil {
				return err
			}
		} else if !blob.hash.isZero() {
			var got hashOf
			copy(got[:], hasher.Sum(nil))
			if got != blob.hash {
				return ErrInvalidResourceHash
			}
		}
		if rf&resourceSendDoneWithFile != 0 && blob.filePath != "" {
			if err := w.callProgress(&ProgressInfo{
				Kind: ProgressDoneWithFile,
				Path: blob.filePath,
			}); err != nil {
				return err
			}
		}
	}

	if err := ctx.finishRemainingChunks(); err != nil {
		return err
	}
	return ctx.finishSolidResource()
}

func (w *WIM) solidCompressionType() compression.Type {
	if w.solidCompression != 0 {
		return w.solidCompression
	}
	// LZMS is the natural choice for solid resources, but this library
	// cannot produce LZMS streams; default to LZX.
	return compression.TypeLZX
}

func (w *WIM) solidChunkSize() uint32 {
	if w.solidChunk != 0 {
		return w.solidChunk
	}
	return 1 << 21
}
