package wim

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AddImage captures a new image from the scanner and returns its
// 1-based index. Streams are added to the blob engine as unhashed
// blobs unless the scanner supplied a hash; nothing is read until the
// image is written.
func (w *WIM) AddImage(source Scanner, name string, config *CaptureConfig) (int, error) {
	if source == nil {
		return 0, ErrInvalidParam.WithMessage("nil scanner")
	}
	for _, rec := range w.xml.Images {
		if name != "" && strings.EqualFold(rec.Name, name) {
			return 0, ErrImageNameCollision
		}
	}

	if err := w.callProgress(&ProgressInfo{Kind: ProgressScanBegin, Image: len(w.images) + 1}); err != nil {
		return 0, err
	}

	imd := &imageMetadata{modified: true, loaded: true}
	err := source.Scan(func(e *ScanEntry) error {
		if config.Excluded(e.Path) {
			return nil
		}
		if err := w.callProgress(&ProgressInfo{Kind: ProgressScanDentry, Path: e.Path}); err != nil {
			return err
		}
		return w.addScannedEntry(imd, e)
	})
	if err != nil {
		w.discardCapturedBlobs(imd)
		return 0, err
	}
	if imd.root == nil {
		w.discardCapturedBlobs(imd)
		return 0, ErrInvalidParam.WithMessage("scanner delivered no root entry")
	}

	if err := w.callProgress(&ProgressInfo{Kind: ProgressScanEnd}); err != nil {
		w.discardCapturedBlobs(imd)
		return 0, err
	}

	w.images = append(w.images, imd)
	w.hdr.imageCount = uint32(len(w.images))
	rec := xmlImage{Index: len(w.images), Name: name}
	statsForImage(&rec, imd)
	w.xml.Images = append(w.xml.Images, rec)
	return len(w.images), nil
}

func (w *WIM) addScannedEntry(imd *imageMetadata, e *ScanEntry) error {
	n := &inode{
		attributes:     e.Attributes,
		securityID:     imd.addSecurityDescriptor(e.SecurityDescriptor),
		creationTime:   e.CreationTime,
		lastAccessTime: e.LastAccessTime,
		lastWriteTime:  e.LastWriteTime,
		nlink:          1,
	}

	d := &dentry{inode: n}

	path := strings.Trim(e.Path, "/")
	if path == "" {
		if imd.root != nil {
			return ErrInvalidOverlay.WithMessage("duplicate root entry")
		}
		if e.Attributes&fileAttributeDirectory == 0 {
			return ErrInvalidParam.WithMessage("root entry must be a directory")
		}
		imd.root = d
	} else {
		if imd.root == nil {
			return ErrInvalidParam.WithMessage("scanner delivered a child before the root")
		}
		dirPath, base := splitLastComponent(path)
		parent := imd.root.lookupPath(dirPath)
		if parent == nil || !parent.isDirectory() {
			return ErrInvalidParam.WithMessage("scanner delivered a child before its parent: " + e.Path)
		}
		d.name = base
		if err := parent.addChild(d); err != nil {
			return err
		}
	}

	// The unnamed stream is always present; zero-length streams keep
	// the all-zero hash and never allocate a blob.
	n.streams = append(n.streams, stream{})
	for _, src := range e.Streams {
		if err := w.addCapturedStream(n, src); err != nil {
			return err
		}
	}
	return nil
}

func (w *WIM) addCapturedStream(n *inode, src StreamSource) error {
	var idx int
	if src.Name == "" {
		idx = n.unnamedStream()
	} else {
		n.streams = append(n.streams, stream{name: src.Name})
		idx = len(n.streams) - 1
	}
	s := &n.streams[idx]
	s.size = src.Size
	if src.Size == 0 {
		return nil
	}

	if len(src.KnownHash) == hashSize {
		var h hashOf
		copy(h[:], src.KnownHash)
		s.hash = h
		if existing := w.blobTable.lookup(h); existing != nil {
			existing.refcnt++
			s.blob = existing
			return nil
		}
		b := &blobDescriptor{
			hash:     h,
			size:     src.Size,
			refcnt:   1,
			location: blobNowhere,
			openFn:   src.Open,
		}
		w.blobTable.insert(b)
		s.blob = b
		return nil
	}

	// Hash unknown until the data is read at write time.
	b := &blobDescriptor{
		size:       src.Size,
		refcnt:     1,
		location:   blobNowhere,
		openFn:     src.Open,
		backInode:  n,
		backStream: idx,
	}
	w.blobTable.addUnhashed(b)
	s.blob = b
	return nil
}

// discardCapturedBlobs unwinds blob table changes after a failed
// capture.
func (w *WIM) discardCapturedBlobs(imd *imageMetadata) {
	if imd.root == nil {
		return
	}
	seen := make(map[*inode]bool)
	var walk func(*dentry)
	walk = func(d *dentry) {
		if !seen[d.inode] {
			seen[d.inode] = true
			for i := range d.inode.streams {
				b := d.inode.streams[i].blob
				if b == nil {
					continue
				}
				b.refcnt--
				if b.refcnt == 0 {
					if b.unhashed {
						w.blobTable.dropUnhashed(b)
					} else {
						w.blobTable.remove(b)
					}
				}
			}
		}
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(imd.root)
}

// DeleteImage removes the 1-based image (or all images with
// AllImages). Blob data is not reclaimed until the container is
// rebuilt; an in-place overwrite afterwards requires WriteSoftDelete.
func (w *WIM) DeleteImage(image int) error {
	if image == AllImages {
		for len(w.images) > 0 {
			if err := w.DeleteImage(1); err != nil {
				return err
			}
		}
		return nil
	}

	imd, err := w.resolveImage(image)
	if err != nil {
		return err
	}
	if err := w.loadImageMetadata(imd); err != nil {
		return err
	}

	// Drop this image's blob references.
	seen := make(map[*inode]bool)
	var walk func(*dentry)
	walk = func(d *dentry) {
		if !seen[d.inode] {
			seen[d.inode] = true
			for i := range d.inode.streams {
				if b := d.inode.streams[i].blob; b != nil && b.refcnt > 0 {
					b.refcnt--
				}
			}
		}
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(imd.root)

	w.images = append(w.images[:image-1], w.images[image:]...)
	for i := range w.xml.Images {
		if w.xml.Images[i].Index == image {
			w.xml.Images = append(w.xml.Images[:i], w.xml.Images[i+1:]...)
			break
		}
	}
	w.xml.renumberImages()
	w.hdr.imageCount = uint32(len(w.images))

	if w.hdr.bootIdx == uint32(image) {
		w.hdr.bootIdx = 0
	} else if w.hdr.bootIdx > uint32(image) {
		w.hdr.bootIdx--
	}

	w.imageDeletionOccurred = true
	return nil
}

// DirEntry is the read-only view of one directory entry passed to
// IterateDirTree callbacks.
type DirEntry struct {
	Path           string
	Name           string
	ShortName      string
	Attributes     uint32
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	HardLinkCount  uint32
	// Unnamed stream first, then named streams.
	Streams []DirEntryStream
}

type DirEntryStream struct {
	Name string
	Hash [hashSize]byte
	Size uint64
}

// IterateFlag modifies IterateDirTree.
type IterateFlag uint32

const (
	// IterateRecursive visits the whole subtree rooted at path.
	IterateRecursive IterateFlag = 1 << iota
	// IterateChildren visits the children of path instead of path
	// itself (combines with IterateRecursive).
	IterateChildren
)

// IterateDirTree walks the named subtree of an image, invoking cb for
// each entry. A non-nil error from cb stops the walk and is returned.
func (w *WIM) IterateDirTree(image int, path string, flags IterateFlag, cb func(*DirEntry) error) error {
	imd, err := w.resolveImage(image)
	if err != nil {
		return err
	}
	if err := w.loadImageMetadata(imd); err != nil {
		return err
	}
	d := imd.root.lookupPath(path)
	if d == nil {
		return ErrResourceNotFound.WithMessage(path)
	}

	prefix := "/" + strings.Trim(path, "/")
	if prefix == "/" {
		prefix = ""
	}

	if flags&IterateChildren != 0 {
		for _, c := range d.children {
			if err := w.iterateFrom(c, prefix+"/"+c.name, flags, cb); err != nil {
				return err
			}
		}
		return nil
	}
	name := prefix
	if name == "" {
		name = "/"
	}
	return w.iterateFrom(d, name, flags, cb)
}

func (w *WIM) iterateFrom(d *dentry, path string, flags IterateFlag, cb func(*DirEntry) error) error {
	if err := cb(dirEntryFor(d, path)); err != nil {
		return err
	}
	if flags&IterateRecursive == 0 {
		return nil
	}
	for _, c := range d.children {
		childPath := path + "/" + c.name
		if path == "/" {
			childPath = "/" + c.name
		}
		if err := w.iterateFrom(c, childPath, flags, cb); err != nil {
			return err
		}
	}
	return nil
}

func dirEntryFor(d *dentry, path string) *DirEntry {
	n := d.inode
	e := &DirEntry{
		Path:           path,
		Name:           d.name,
		ShortName:      d.shortName,
		Attributes:     n.attributes,
		CreationTime:   n.creationTime,
		LastAccessTime: n.lastAccessTime,
		LastWriteTime:  n.lastWriteTime,
		HardLinkCount:  n.nlink,
	}
	if i := n.unnamedStream(); i >= 0 {
		s := n.streams[i]
		e.Streams = append(e.Streams, DirEntryStream{Hash: [hashSize]byte(s.hash), Size: s.size})
	}
	for _, s := range n.streams {
		if s.name != "" {
			e.Streams = append(e.Streams, DirEntryStream{Name: s.name, Hash: [hashSize]byte(s.hash), Size: s.size})
		}
	}
	return e
}

// ExtractFlag modifies ExtractImage. None are currently defined beyond
// the zero value; the type exists so the signature matches the other
// image operations.
type ExtractFlag uint32

// ExtractImage writes an image's tree into the target directory.
// Attributes beyond timestamps are not mapped onto the local
// filesystem.
func (w *WIM) ExtractImage(image int, target string, flags ExtractFlag) error {
	imd, err := w.resolveImage(image)
	if err != nil {
		return err
	}
	if err := w.loadImageMetadata(imd); err != nil {
		return err
	}

	if err := w.callProgress(&ProgressInfo{Kind: ProgressExtractBegin, Image: image}); err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return ErrMkdir.Wrap(err)
	}

	var extract func(d *dentry, dir string) error
	extract = func(d *dentry, dir string) error {
		for _, c := range d.children {
			full := filepath.Join(dir, c.name)
			if err := w.callProgress(&ProgressInfo{Kind: ProgressExtractDentry, Path: full}); err != nil {
				return err
			}
			if c.isDirectory() {
				if err := os.Mkdir(full, 0o755); err != nil && !os.IsExist(err) {
					return ErrMkdir.Wrap(err)
				}
				if err := extract(c, full); err != nil {
					return err
				}
			} else if err := w.extractFile(c, full); err != nil {
				return err
			}
			mtime := filetimeToUnix(c.inode.lastWriteTime)
			if err := os.Chtimes(full, mtime, mtime); err != nil {
				return ErrWrite.Wrap(err)
			}
		}
		return nil
	}
	if err := extract(imd.root, target); err != nil {
		return err
	}
	return w.callProgress(&ProgressInfo{Kind: ProgressExtractEnd, Image: image})
}

func (w *WIM) extractFile(d *dentry, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ErrOpen.Wrap(err)
	}
	defer f.Close()

	i := d.inode.unnamedStream()
	if i < 0 {
		return nil
	}
	s := d.inode.streams[i]
	if s.hash.isZero() {
		// Empty stream: no blob, a zero-byte file.
		return nil
	}
	b := s.blob
	if b == nil {
		b = w.blobTable.lookup(s.hash)
	}
	if b == nil {
		return ErrResourceNotFound.WithMessage(d.name)
	}
	r, err := w.openBlob(b)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := io.Copy(f, r); err != nil {
		return ErrWrite.Wrap(err)
	}
	return nil
}

func filetimeToUnix(ft uint64) time.Time {
	const epochDelta = 116444736000000000
	return time.Unix(0, int64(ft-epochDelta)*100)
}

func splitLastComponent(path string) (dir, base string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
