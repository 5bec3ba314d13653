package wim

import "strings"

// ExportImage transfers one image (or all images) from src into dst by
// copying its metadata tree and referencing its blobs by hash. Blobs
// already present in dst are shared; new blobs keep pointing at their
// source container and are raw-copied or recompressed when dst is
// written.
func ExportImage(src *WIM, srcImage int, dst *WIM, name, description string) error {
	if src == nil || dst == nil || src == dst {
		return ErrInvalidParam
	}
	if srcImage == AllImages {
		for i := 1; i <= len(src.images); i++ {
			imgName := src.ImageName(i)
			if err := ExportImage(src, i, dst, imgName, src.ImageDescription(i)); err != nil {
				return err
			}
		}
		return nil
	}

	imd, err := src.resolveImage(srcImage)
	if err != nil {
		return err
	}
	if err := src.loadImageMetadata(imd); err != nil {
		return err
	}

	for _, rec := range dst.xml.Images {
		if name != "" && strings.EqualFold(rec.Name, name) {
			return ErrImageNameCollision
		}
	}

	inodeMap := make(map[*inode]*inode)
	root, err := exportDentry(src, dst, imd.root, inodeMap)
	if err != nil {
		return err
	}

	sd := make([][]byte, len(imd.securityData))
	for i, d := range imd.securityData {
		sd[i] = append([]byte(nil), d...)
	}

	newIMD := &imageMetadata{
		root:         root,
		securityData: sd,
		modified:     true,
		loaded:       true,
	}
	dst.images = append(dst.images, newIMD)
	dst.hdr.imageCount = uint32(len(dst.images))

	rec := xmlImage{Index: len(dst.images), Name: name, Description: description}
	statsForImage(&rec, newIMD)
	dst.xml.Images = append(dst.xml.Images, rec)
	return nil
}

func exportDentry(src, dst *WIM, d *dentry, inodeMap map[*inode]*inode) (*dentry, error) {
	n, ok := inodeMap[d.inode]
	if !ok {
		orig := d.inode
		n = &inode{
			attributes:     orig.attributes,
			securityID:     orig.securityID,
			creationTime:   orig.creationTime,
			lastAccessTime: orig.lastAccessTime,
			lastWriteTime:  orig.lastWriteTime,
			reparseTag:     orig.reparseTag,
			nlink:          orig.nlink,
			streams:        make([]stream, len(orig.streams)),
		}
		copy(n.streams, orig.streams)
		inodeMap[d.inode] = n

		for i := range n.streams {
			s := &n.streams[i]
			s.blob = nil
			if s.hash.isZero() {
				continue
			}
			if existing := dst.blobTable.lookup(s.hash); existing != nil {
				existing.refcnt += orig.nlink
				s.blob = existing
				continue
			}
			srcBlob := src.blobTable.lookup(s.hash)
			if srcBlob == nil {
				return nil, ErrResourceNotFound.WithMessage("blob referenced by exported image")
			}
			nb := &blobDescriptor{
				hash:        srcBlob.hash,
				size:        srcBlob.size,
				refcnt:      orig.nlink,
				location:    srcBlob.location,
				rdesc:       srcBlob.rdesc,
				offsetInRes: srcBlob.offsetInRes,
				filePath:    srcBlob.filePath,
				buffer:      srcBlob.buffer,
				openFn:      srcBlob.openFn,
			}
			dst.blobTable.insert(nb)
			s.blob = nb
		}
	}

	out := &dentry{
		name:      d.name,
		shortName: d.shortName,
		inode:     n,
	}
	for _, c := range d.children {
		cc, err := exportDentry(src, dst, c, inodeMap)
		if err != nil {
			return nil, err
		}
		cc.parent = out
		out.children = append(out.children, cc)
	}
	return out, nil
}
