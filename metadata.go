package wim

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// imageMetadata is the in-memory state of one image: its directory
// tree, security descriptor table, and the blob holding its serialized
// form.
type imageMetadata struct {
	metadataBlob *blobDescriptor
	root         *dentry
	securityData [][]byte
	// modified is set when the tree no longer matches the serialized
	// resource (new image, or edited since load).
	modified bool
	loaded   bool
}

// inode carries the file attributes shared by every hard link to a
// file. Each stream references a blob by hash; the zero hash denotes an
// empty stream with no blob at all.
type inode struct {
	attributes     uint32
	securityID     int32
	creationTime   uint64
	lastAccessTime uint64
	lastWriteTime  uint64
	reparseTag     uint32
	linkGroupID    uint64
	nlink          uint32
	streams        []stream
}

type stream struct {
	name string // empty for the default (unnamed) stream
	hash hashOf
	size uint64
	// Backing blob while the stream's data is not yet in any
	// container; nil once only the hash matters.
	blob *blobDescriptor
}

// unnamedStream returns the index of the unnamed stream, or -1.
func (n *inode) unnamedStream() int {
	for i := range n.streams {
		if n.streams[i].name == "" {
			return i
		}
	}
	return -1
}

// dentry is one directory entry. Names are case-preserving; equality
// within a directory is case-insensitive.
type dentry struct {
	name      string
	shortName string
	parent    *dentry
	children  []*dentry
	inode     *inode

	// Parse/serialize scratch.
	subdirOffset uint64
}

func (d *dentry) isDirectory() bool {
	return d.inode.attributes&fileAttributeDirectory != 0
}

func (d *dentry) lookup(name string) *dentry {
	for _, c := range d.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

func (d *dentry) addChild(c *dentry) error {
	if d.lookup(c.name) != nil {
		return ErrInvalidOverlay.WithMessage(c.name)
	}
	c.parent = d
	d.children = append(d.children, c)
	return nil
}

// lookupPath resolves a /-separated path from d.
func (d *dentry) lookupPath(path string) *dentry {
	cur := d
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur.lookup(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// File attribute bits (FILE_ATTRIBUTE_*).
const (
	fileAttributeReadonly     = 0x00000001
	fileAttributeDirectory    = 0x00000010
	fileAttributeNormal       = 0x00000080
	fileAttributeReparsePoint = 0x00000400
)

const dentryDiskBaseSize = 102
const streamEntryDiskBaseSize = 38

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

func utf16Bytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return buf
}

func utf16String(buf []byte) string {
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return string(utf16.Decode(units))
}

// parseMetadataResource decodes a metadata resource's payload into the
// image's security table and directory tree.
func (imd *imageMetadata) parseMetadataResource(data []byte) error {
	sd, sdLen, err := parseSecurityData(data)
	if err != nil {
		return err
	}
	imd.securityData = sd

	rootOff := align8(sdLen)
	linkGroups := make(map[uint64]*inode)

	root, _, err := parseDentry(data, rootOff, linkGroups)
	if err != nil {
		return err
	}
	if root == nil || root.name != "" {
		return ErrInvalidMetadataResource.WithMessage("root entry must be unnamed")
	}
	if err := parseDentryChildren(data, root, linkGroups); err != nil {
		return err
	}
	imd.root = root
	imd.loaded = true
	return nil
}

func parseDentryChildren(data []byte, dir *dentry, linkGroups map[uint64]*inode) error {
	if dir.subdirOffset == 0 {
		return nil
	}
	off := dir.subdirOffset
	for {
		child, next, err := parseDentry(data, off, linkGroups)
		if err != nil {
			return err
		}
		if child == nil {
			return nil // end-of-directory terminator
		}
		if err := dir.addChild(child); err != nil {
			return err
		}
		if child.isDirectory() {
			if err := parseDentryChildren(data, child, linkGroups); err != nil {
				return err
			}
		}
		off = next
	}
}

// parseDentry decodes one dentry at off. A nil dentry with no error
// means the zero-length terminator was found.
func parseDentry(data []byte, off uint64, linkGroups map[uint64]*inode) (*dentry, uint64, error) {
	if off+8 > uint64(len(data)) {
		return nil, 0, ErrInvalidMetadataResource.WithMessage("dentry offset out of range")
	}
	length := binary.LittleEndian.Uint64(data[off:])
	if length == 0 {
		return nil, 0, nil
	}
	if length < dentryDiskBaseSize || off+length > uint64(len(data)) {
		return nil, 0, ErrInvalidMetadataResource.WithMessage("bad dentry length")
	}
	e := data[off : off+length]

	d := &dentry{}
	n := &inode{nlink: 1}
	d.inode = n

	n.attributes = binary.LittleEndian.Uint32(e[8:])
	n.securityID = int32(binary.LittleEndian.Uint32(e[12:]))
	d.subdirOffset = binary.LittleEndian.Uint64(e[16:])
	n.creationTime = binary.LittleEndian.Uint64(e[40:])
	n.lastAccessTime = binary.LittleEndian.Uint64(e[48:])
	n.lastWriteTime = binary.LittleEndian.Uint64(e[56:])

	var unnamedHash hashOf
	copy(unnamedHash[:], e[64:84])

	if n.attributes&fileAttributeReparsePoint != 0 {
		n.reparseTag = binary.LittleEndian.Uint32(e[88:92])
	} else {
		n.linkGroupID = binary.LittleEndian.Uint64(e[88:96])
	}
	streamCount := binary.LittleEndian.Uint16(e[96:])
	shortNameLen := binary.LittleEndian.Uint16(e[98:])
	fileNameLen := binary.LittleEndian.Uint16(e[100:])

	nameOff := uint64(dentryDiskBaseSize)
	if nameOff+uint64(fileNameLen) > length {
		return nil, 0, ErrInvalidMetadataResource.WithMessage("file name out of range")
	}
	d.name = utf16String(e[nameOff : nameOff+uint64(fileNameLen)])
	if fileNameLen > 0 {
		nameOff += uint64(fileNameLen) + 2
	}
	if shortNameLen > 0 {
		if nameOff+uint64(shortNameLen) > length {
			return nil, 0, ErrInvalidMetadataResource.WithMessage("short name out of range")
		}
		d.shortName = utf16String(e[nameOff : nameOff+uint64(shortNameLen)])
	}

	// Hard links share one inode, keyed by the link group ID. Only the
	// first link populates the inode's streams; later links carry
	// duplicate stream entries that are skipped over.
	owner := true
	if n.linkGroupID != 0 {
		if existing, ok := linkGroups[n.linkGroupID]; ok {
			existing.nlink++
			d.inode = existing
			n = existing
			owner = false
		} else {
			linkGroups[n.linkGroupID] = n
		}
	}

	if owner {
		n.streams = append(n.streams, stream{hash: unnamedHash})
	}

	// Named stream entries follow the dentry, 8-byte aligned.
	streamOff := off + align8(length)
	for s := uint16(0); s < streamCount; s++ {
		if streamOff+streamEntryDiskBaseSize > uint64(len(data)) {
			return nil, 0, ErrInvalidMetadataResource.WithMessage("stream entry out of range")
		}
		se := data[streamOff:]
		seLen := binary.LittleEndian.Uint64(se[0:])
		if seLen < streamEntryDiskBaseSize || streamOff+seLen > uint64(len(data)) {
			return nil, 0, ErrInvalidMetadataResource.WithMessage("bad stream entry length")
		}
		var h hashOf
		copy(h[:], se[16:36])
		nameLen := binary.LittleEndian.Uint16(se[36:])
		if 38+uint64(nameLen) > seLen {
			return nil, 0, ErrInvalidMetadataResource.WithMessage("stream name out of range")
		}
		name := utf16String(se[38 : 38+uint64(nameLen)])
		if owner {
			if name == "" {
				// An explicit entry for the unnamed stream overrides
				// the hash embedded in the dentry.
				if i := n.unnamedStream(); i >= 0 {
					n.streams[i].hash = h
				}
			} else {
				n.streams = append(n.streams, stream{name: name, hash: h})
			}
		}
		streamOff += align8(seLen)
	}

	return d, streamOff, nil
}

// serializeMetadataResource encodes the image's security table and
// directory tree into a metadata resource payload.
func (imd *imageMetadata) serializeMetadataResource() []byte {
	out := serializeSecurityData(imd.securityData)
	out = pad8(out)

	// Breadth-first: write each directory's children contiguously so a
	// single subdir offset locates them.
	type fixup struct {
		dir      *dentry
		posField int // offset of the subdirOffset field of the dir's entry
	}

	var queue []fixup
	rootPos := len(out)
	out = appendDentry(out, imd.root)
	queue = append(queue, fixup{imd.root, rootPos + 16})

	linkIDs := assignLinkGroupIDs(imd.root)

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		if !f.dir.isDirectory() || len(f.dir.children) == 0 {
			continue
		}

		binary.LittleEndian.PutUint64(out[f.posField:], uint64(len(out)))
		for _, c := range f.dir.children {
			pos := len(out)
			out = appendDentryWithLinkID(out, c, linkIDs[c.inode])
			if c.isDirectory() {
				queue = append(queue, fixup{c, pos + 16})
			}
		}
		out = append(out, make([]byte, 8)...) // terminator
	}
	return out
}

// assignLinkGroupIDs gives every multiply-linked inode a stable nonzero
// ID.
func assignLinkGroupIDs(root *dentry) map[*inode]uint64 {
	counts := make(map[*inode]int)
	var walk func(*dentry)
	walk = func(d *dentry) {
		counts[d.inode]++
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(root)

	ids := make(map[*inode]uint64)
	next := uint64(1)
	var assign func(*dentry)
	assign = func(d *dentry) {
		if counts[d.inode] > 1 {
			if _, ok := ids[d.inode]; !ok {
				ids[d.inode] = next
				next++
			}
		}
		for _, c := range d.children {
			assign(c)
		}
	}
	assign(root)
	return ids
}

func pad8(out []byte) []byte {
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	return out
}

func appendDentry(out []byte, d *dentry) []byte {
	return appendDentryWithLinkID(out, d, 0)
}

func appendDentryWithLinkID(out []byte, d *dentry, linkID uint64) []byte {
	n := d.inode

	nameBytes := utf16Bytes(d.name)
	shortBytes := utf16Bytes(d.shortName)
	length := uint64(dentryDiskBaseSize)
	if len(nameBytes) > 0 {
		length += uint64(len(nameBytes)) + 2
	}
	if len(shortBytes) > 0 {
		length += uint64(len(shortBytes)) + 2
	}

	e := make([]byte, align8(length))
	binary.LittleEndian.PutUint64(e[0:], length)
	binary.LittleEndian.PutUint32(e[8:], n.attributes)
	binary.LittleEndian.PutUint32(e[12:], uint32(n.securityID))
	// Subdir offset (e[16:24]) is fixed up by the caller.
	binary.LittleEndian.PutUint64(e[40:], n.creationTime)
	binary.LittleEndian.PutUint64(e[48:], n.lastAccessTime)
	binary.LittleEndian.PutUint64(e[56:], n.lastWriteTime)

	if i := n.unnamedStream(); i >= 0 {
		copy(e[64:84], n.streams[i].hash[:])
	}

	if n.attributes&fileAttributeReparsePoint != 0 {
		binary.LittleEndian.PutUint32(e[88:92], n.reparseTag)
	} else {
		binary.LittleEndian.PutUint64(e[88:96], linkID)
	}

	var namedStreams []int
	for i := range n.streams {
		if n.streams[i].name != "" {
			namedStreams = append(namedStreams, i)
		}
	}
	binary.LittleEndian.PutUint16(e[96:], uint16(len(namedStreams)))
	binary.LittleEndian.PutUint16(e[98:], uint16(len(shortBytes)))
	binary.LittleEndian.PutUint16(e[100:], uint16(len(nameBytes)))

	off := dentryDiskBaseSize
	if len(nameBytes) > 0 {
		copy(e[off:], nameBytes)
		off += len(nameBytes) + 2
	}
	if len(shortBytes) > 0 {
		copy(e[off:], shortBytes)
	}
	out = append(out, e...)

	for _, i := range namedStreams {
		s := &n.streams[i]
		sName := utf16Bytes(s.name)
		seLen := uint64(streamEntryDiskBaseSize) + uint64(len(sName))
		se := make([]byte, align8(seLen))
		binary.LittleEndian.PutUint64(se[0:], seLen)
		copy(se[16:36], s.hash[:])
		binary.LittleEndian.PutUint16(se[36:], uint16(len(sName)))
		copy(se[38:], sName)
		out = append(out, se...)
	}
	return out
}
