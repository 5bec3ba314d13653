package wim

import (
	"os"
	"strconv"
	"strings"
)

// Split writes the container as a spanned set of parts, each at most
// partSize bytes (best effort: a single blob larger than the bound is
// still written whole). Part 1 carries the metadata resources; every
// part shares the GUID, sets the spanned flag, and carries the blob
// table and XML describing the whole set.
func (w *WIM) Split(baseName string, partSize uint64, flags WriteFlag) error {
	if flags&^writeMaskPublic != 0 {
		return ErrInvalidParam
	}
	if partSize == 0 || baseName == "" {
		return ErrInvalidParam
	}
	if err := validateWriteFlags(flags); err != nil {
		return err
	}
	if flags&(WritePipable|WriteSolid|WriteUnsafeCompact) != 0 {
		return ErrSplitUnsupported
	}
	flags |= WriteRetainGUID

	blobList, filter, err := w.prepareBlobListForWrite(AllImages, flags)
	if err != nil {
		return err
	}

	// Greedy partition by (approximate) stored size.
	var parts [][]*blobDescriptor
	var cur []*blobDescriptor
	var curSize uint64
	budget := func(b *blobDescriptor) uint64 {
		if b.location == blobInWIM && !b.rdesc.isSolid() {
			return b.rdesc.sizeInWIM
		}
		return b.size
	}
	for _, b := range blobList {
		sz := budget(b)
		if len(cur) > 0 && curSize+sz > partSize {
			parts = append(parts, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, b)
		curSize += sz
	}
	if len(cur) > 0 || len(parts) == 0 {
		parts = append(parts, cur)
	}
	totalParts := len(parts)

	type partState struct {
		path          string
		file          *os.File
		blobTableList []*blobDescriptor
		hdr           header
	}
	states := make([]*partState, totalParts)

	cleanup := func() {
		for _, st := range states {
			if st != nil && st.file != nil {
				st.file.Close()
			}
		}
	}
	defer cleanup()

	rf := writeFlagsToResourceFlags(flags)

	for p := 0; p < totalParts; p++ {
		st := &partState{path: splitPartName(baseName, p+1)}
		states[p] = st

		if err := w.callProgress(&ProgressInfo{
			Kind:          ProgressSplitBeginPart,
			PartName:      st.path,
			CurPartNumber: p + 1,
			TotalParts:    totalParts,
		}); err != nil {
			return err
		}

		f, err := os.OpenFile(st.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return ErrOpen.Wrap(err)
		}
		st.file = f

		w.initOutHdr(AllImages, flags)
		w.outHdr.flags |= hdrFlagSpanned
		w.outHdr.partNumber = uint16(p + 1)
		w.outHdr.totalParts = uint16(totalParts)

		w.out = f
		w.outOff = 0

		dummy := w.outHdr
		dummy.flags |= hdrFlagWriteInProgress
		if err := w.writeOut(dummy.serialize()); err != nil {
			w.out = nil
			return err
		}

		if err := w.writeBlobList(parts[p], &st.blobTableList, rf, 1, filter); err != nil {
			w.out = nil
			return err
		}
		if p == 0 {
			if err := w.writeMetadataResources(AllImages, flags, &st.blobTableList, rf); err != nil {
				w.out = nil
				return err
			}
		}
		st.hdr = w.outHdr
		w.out = nil

		if err := w.callProgress(&ProgressInfo{
			Kind:          ProgressSplitEndPart,
			PartName:      st.path,
			CurPartNumber: p + 1,
			TotalParts:    totalParts,
		}); err != nil {
			return err
		}
	}

	// All data is on disk, so every blob's final location is known;
	// give every part the table and XML covering the whole set.
	var fullTable []*blobDescriptor
	for p, st := range states {
		for _, b := range st.blobTableList {
			b.outPartNumber = uint16(p + 1)
			fullTable = append(fullTable, b)
		}
	}

	for _, st := range states {
		w.out = st.file
		st.hdr.blobTableResHdr = resHdr{}
		off, err := st.file.Seek(0, 2)
		if err != nil {
			w.out = nil
			return ErrWrite.Wrap(err)
		}
		w.outOff = off
		w.outHdr = st.hdr

		table := w.serializeBlobTableSpanned(fullTable)
		tblHdr, err := w.writeUncompressedResource(table, resFlagMetadata)
		if err != nil {
			w.out = nil
			return err
		}
		w.outHdr.blobTableResHdr = tblHdr

		w.xml.TotalBytes = uint64(w.outOff)
		xmlPayload, err := serializeXMLData(w.xml)
		if err != nil {
			w.out = nil
			return err
		}
		xmlHdr, err := w.writeUncompressedResource(xmlPayload, 0)
		if err != nil {
			w.out = nil
			return err
		}
		w.outHdr.xmlDataResHdr = xmlHdr
		w.outHdr.integrityResHdr.zero()
		w.outHdr.flags &^= hdrFlagWriteInProgress

		if err := w.pwriteOut(w.outHdr.serialize(), 0); err != nil {
			w.out = nil
			return err
		}
		if flags&WriteFsync != 0 {
			if err := st.file.Sync(); err != nil {
				w.out = nil
				return ErrWrite.Wrap(err)
			}
		}
		w.out = nil
		if err := st.file.Close(); err != nil {
			st.file = nil
			return ErrWrite.Wrap(err)
		}
		st.file = nil
	}
	return nil
}

// serializeBlobTableSpanned is serializeBlobTable with per-entry part
// numbers.
func (w *WIM) serializeBlobTableSpanned(blobTableList []*blobDescriptor) []byte {
	var out []byte
	entry := make([]byte, blobEntryDiskSize)
	for _, b := range blobTableList {
		refcnt := b.outRefcnt
		if refcnt == 0 {
			refcnt = b.refcnt
		}
		writeBlobTableEntry(entry, &b.outResHdr, b.outPartNumber, refcnt, b.hash)
		out = append(out, entry...)
	}
	return out
}

// splitPartName derives the name of part n from the base name:
// base.swm, base2.swm, base3.swm, ...
func splitPartName(baseName string, n int) string {
	if n == 1 {
		return baseName
	}
	dot := strings.LastIndexByte(baseName, '.')
	if dot < 0 {
		return baseName + strconv.Itoa(n)
	}
	return baseName[:dot] + strconv.Itoa(n) + baseName[dot:]
}
