package wim

// blobSizeTable marks which blobs have a unique uncompressed size
// within a write set. A unique-size blob cannot turn out to be a
// duplicate, so the writer commits it as soon as it is streamed. A
// non-unique-size blob is also streamed and hashed in the same read,
// but the writer then looks its digest up and rewinds over the bytes
// if it is a duplicate; in solid mode such blobs are hashed before
// streaming instead.
type blobSizeTable struct {
	bySize map[uint64]*blobDescriptor
}

func newBlobSizeTable() *blobSizeTable {
	return &blobSizeTable{bySize: make(map[uint64]*blobDescriptor)}
}

func (t *blobSizeTable) insert(b *blobDescriptor) {
	if b.isMetadata {
		return
	}
	if prev, ok := t.bySize[b.size]; ok {
		prev.uniqueSize = false
		b.uniqueSize = false
		return
	}
	t.bySize[b.size] = b
	b.uniqueSize = true
}
