package wim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTree() *imageMetadata {
	rootInode := &inode{attributes: fileAttributeDirectory, nlink: 1}
	rootInode.streams = []stream{{}}
	root := &dentry{inode: rootInode}

	dirInode := &inode{attributes: fileAttributeDirectory, nlink: 1, creationTime: 1111}
	dirInode.streams = []stream{{}}
	dir := &dentry{name: "Sub Dir", inode: dirInode}
	root.addChild(dir)

	var h1 hashOf
	h1[0] = 0xAB
	fileInode := &inode{
		attributes:     fileAttributeNormal,
		securityID:     -1,
		creationTime:   1,
		lastAccessTime: 2,
		lastWriteTime:  3,
		nlink:          1,
	}
	fileInode.streams = []stream{
		{hash: h1},
		{name: "ads", hash: h1},
	}
	file := &dentry{name: "file.txt", shortName: "FILE~1.TXT", inode: fileInode}
	dir.addChild(file)

	empty := &dentry{name: "empty.dat", inode: &inode{
		attributes: fileAttributeNormal,
		securityID: -1,
		nlink:      1,
		streams:    []stream{{}},
	}}
	root.addChild(empty)

	return &imageMetadata{
		root:         root,
		securityData: [][]byte{{1, 2, 3, 4}, {5, 6}},
		loaded:       true,
	}
}

func TestMetadataResource__SerializeParseRoundTrip(t *testing.T) {
	imd := buildTestTree()
	payload := imd.serializeMetadataResource()

	got := &imageMetadata{}
	require.NoError(t, got.parseMetadataResource(payload))

	require.NotNil(t, got.root)
	assert.Equal(t, "", got.root.name)
	assert.Len(t, got.securityData, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.securityData[0])

	sub := got.root.lookup("Sub Dir")
	require.NotNil(t, sub)
	assert.True(t, sub.isDirectory())
	assert.EqualValues(t, 1111, sub.inode.creationTime)

	file := sub.lookup("file.txt")
	require.NotNil(t, file)
	assert.Equal(t, "FILE~1.TXT", file.shortName)
	assert.EqualValues(t, 1, file.inode.creationTime)
	assert.EqualValues(t, 3, file.inode.lastWriteTime)

	require.Len(t, file.inode.streams, 2)
	unnamed := file.inode.streams[file.inode.unnamedStream()]
	assert.EqualValues(t, 0xAB, unnamed.hash[0])
	var named *stream
	for i := range file.inode.streams {
		if file.inode.streams[i].name != "" {
			named = &file.inode.streams[i]
		}
	}
	require.NotNil(t, named)
	assert.Equal(t, "ads", named.name)
	assert.EqualValues(t, 0xAB, named.hash[0])

	empty := got.root.lookup("empty.dat")
	require.NotNil(t, empty)
	assert.True(t, empty.inode.streams[0].hash.isZero())
}

func TestMetadataResource__HardLinksShareInodes(t *testing.T) {
	imd := buildTestTree()
	shared := &inode{
		attributes: fileAttributeNormal,
		securityID: -1,
		nlink:      2,
		streams:    []stream{{}},
	}
	imd.root.addChild(&dentry{name: "link1", inode: shared})
	imd.root.addChild(&dentry{name: "link2", inode: shared})

	payload := imd.serializeMetadataResource()
	got := &imageMetadata{}
	require.NoError(t, got.parseMetadataResource(payload))

	l1 := got.root.lookup("link1")
	l2 := got.root.lookup("link2")
	require.NotNil(t, l1)
	require.NotNil(t, l2)
	assert.Same(t, l1.inode, l2.inode)
	assert.EqualValues(t, 2, l1.inode.nlink)
}

func TestDentry__CaseInsensitiveLookupAndCollision(t *testing.T) {
	imd := buildTestTree()

	found := imd.root.lookup("SUB DIR")
	require.NotNil(t, found)
	assert.Equal(t, "Sub Dir", found.name, "names are case-preserving")

	err := imd.root.addChild(&dentry{name: "sub dir", inode: &inode{nlink: 1}})
	assert.ErrorIs(t, err, ErrInvalidOverlay)
}

func TestParseMetadataResource__RejectsGarbage(t *testing.T) {
	imd := &imageMetadata{}
	assert.Error(t, imd.parseMetadataResource([]byte{1, 2, 3}))

	// Valid security block but truncated dentry area.
	payload := serializeSecurityData(nil)
	payload = append(payload, 0xFF, 0xFF)
	assert.Error(t, imd.parseMetadataResource(payload))
}

func TestSecurityData__RoundTrip(t *testing.T) {
	descriptors := [][]byte{{0xDE, 0xAD}, {0xBE, 0xEF, 0x00, 0x01}}
	blob := serializeSecurityData(descriptors)
	got, length, err := parseSecurityData(blob)
	require.NoError(t, err)
	assert.EqualValues(t, len(blob), length)
	assert.Equal(t, descriptors, got)
}

func TestAddSecurityDescriptor__InternsDuplicates(t *testing.T) {
	imd := &imageMetadata{}
	a := imd.addSecurityDescriptor([]byte{1, 2})
	b := imd.addSecurityDescriptor([]byte{3, 4})
	c := imd.addSecurityDescriptor([]byte{1, 2})
	assert.EqualValues(t, 0, a)
	assert.EqualValues(t, 1, b)
	assert.Equal(t, a, c)
	assert.EqualValues(t, -1, imd.addSecurityDescriptor(nil))
}

func TestXMLData__RoundTrip(t *testing.T) {
	info := &xmlInfo{
		TotalBytes: 123456,
		Images: []xmlImage{
			{Index: 1, Name: "Base", Description: "first image", DirCount: 2, FileCount: 10, TotalBytes: 999},
			{Index: 2, Name: "Delta"},
		},
	}
	payload, err := serializeXMLData(info)
	require.NoError(t, err)
	// UTF-16LE with a BOM.
	assert.Equal(t, []byte{0xFF, 0xFE}, payload[:2])

	got, err := parseXMLData(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 123456, got.TotalBytes)
	require.Len(t, got.Images, 2)
	assert.Equal(t, "Base", got.Images[0].Name)
	assert.EqualValues(t, 10, got.Images[0].FileCount)
	assert.Equal(t, "Delta", got.Images[1].Name)
	assert.Equal(t, 2, got.Images[1].Index)
}

func TestXMLData__EmptyResourceParses(t *testing.T) {
	got, err := parseXMLData(nil)
	require.NoError(t, err)
	assert.Empty(t, got.Images)
}
