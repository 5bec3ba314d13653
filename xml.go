package wim

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// The XML data resource carries per-file totals and per-image records.
// It is stored as UTF-16LE text with a byte-order mark, uncompressed,
// after the blob table.

type xmlImage struct {
	Index       int    `xml:"INDEX,attr"`
	Name        string `xml:"NAME,omitempty"`
	Description string `xml:"DESCRIPTION,omitempty"`
	DirCount    uint64 `xml:"DIRCOUNT"`
	FileCount   uint64 `xml:"FILECOUNT"`
	TotalBytes  uint64 `xml:"TOTALBYTES"`
}

type xmlInfo struct {
	XMLName    xml.Name   `xml:"WIM"`
	TotalBytes uint64     `xml:"TOTALBYTES"`
	Images     []xmlImage `xml:"IMAGE"`
}

func (x *xmlInfo) imageRecord(index int) *xmlImage {
	for i := range x.Images {
		if x.Images[i].Index == index {
			return &x.Images[i]
		}
	}
	return nil
}

// parseXMLData decodes the UTF-16LE XML resource payload.
func parseXMLData(data []byte) (*xmlInfo, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	utf8Data, err := dec.Bytes(data)
	if err != nil {
		return nil, ErrEncoding.Wrap(err)
	}
	utf8Data = bytes.TrimPrefix(utf8Data, []byte("\xef\xbb\xbf"))

	info := &xmlInfo{}
	if len(bytes.TrimSpace(utf8Data)) == 0 {
		return info, nil
	}
	if err := xml.Unmarshal(utf8Data, info); err != nil {
		return nil, ErrNotAWIM.WithMessage(fmt.Sprintf("bad XML data: %s", err))
	}
	return info, nil
}

// serializeXMLData encodes the info block back to UTF-16LE with a BOM.
func serializeXMLData(info *xmlInfo) ([]byte, error) {
	utf8Data, err := xml.Marshal(info)
	if err != nil {
		return nil, ErrNoMem.Wrap(err)
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes(utf8Data)
	if err != nil {
		return nil, ErrEncoding.Wrap(err)
	}
	return out, nil
}

// renumberImages rewrites the INDEX attributes to 1..n after images are
// added, deleted, or exported.
func (x *xmlInfo) renumberImages() {
	for i := range x.Images {
		x.Images[i].Index = i + 1
	}
}

// statsForImage recomputes an image record's counters from its tree.
func statsForImage(rec *xmlImage, imd *imageMetadata) {
	rec.DirCount = 0
	rec.FileCount = 0
	rec.TotalBytes = 0
	if imd.root == nil {
		return
	}
	var walk func(*dentry)
	walk = func(d *dentry) {
		if d.isDirectory() {
			if d.parent != nil {
				rec.DirCount++
			}
		} else {
			rec.FileCount++
			for _, s := range d.inode.streams {
				rec.TotalBytes += s.size
			}
		}
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(imd.root)
}
