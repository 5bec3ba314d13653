package wim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(root string, files map[string]string) error {
	for name, contents := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func TestCaptureConfig__PrefixExclusion(t *testing.T) {
	config := &CaptureConfig{
		ExclusionList:      []string{"/Windows/Temp", "/pagefile.sys"},
		ExclusionException: []string{"/Windows/Temp/keepme"},
	}

	assert.True(t, config.Excluded("/Windows/Temp"))
	assert.True(t, config.Excluded("/windows/temp/junk.tmp"), "matching is case-insensitive")
	assert.True(t, config.Excluded("/pagefile.sys"))
	assert.False(t, config.Excluded("/Windows/Temperature"), "prefixes match whole components")
	assert.False(t, config.Excluded("/Windows/System32"))
	assert.False(t, config.Excluded("/Windows/Temp/keepme/file.txt"), "exceptions re-include")

	var nilConfig *CaptureConfig
	assert.False(t, nilConfig.Excluded("/anything"))
}

func TestAddImage__AppliesCaptureConfig(t *testing.T) {
	w, err := Create(0)
	require.NoError(t, err)

	scanner := &MemScanner{Files: map[string][]byte{
		"/keep.txt":     []byte("keep"),
		"/tmp/junk.bin": []byte("junk"),
	}}
	config := &CaptureConfig{ExclusionList: []string{"/tmp"}}
	_, err = w.AddImage(scanner, "filtered", config)
	require.NoError(t, err)

	imd := w.images[0]
	assert.NotNil(t, imd.root.lookup("keep.txt"))
	assert.Nil(t, imd.root.lookup("tmp"), "excluded directory must not be captured")
}

func TestMemScanner__ParentsBeforeChildren(t *testing.T) {
	scanner := &MemScanner{Files: map[string][]byte{
		"/a/b/c.txt": []byte("deep"),
		"/z.txt":     []byte("shallow"),
	}}
	var order []string
	require.NoError(t, scanner.Scan(func(e *ScanEntry) error {
		order = append(order, e.Path)
		return nil
	}))
	require.Equal(t, []string{"", "a", "a/b", "a/b/c.txt", "z.txt"}, order)
}

func TestProgress__CancellationAbortsScan(t *testing.T) {
	w, err := Create(0)
	require.NoError(t, err)

	cancel := errors.New("stop now")
	calls := 0
	w.SetProgress(func(info *ProgressInfo) error {
		calls++
		if info.Kind == ProgressScanDentry {
			return cancel
		}
		return nil
	})

	_, err = w.AddImage(&MemScanner{Files: map[string][]byte{
		"/one.txt": []byte("1"),
		"/two.txt": []byte("2"),
	}}, "doomed", nil)
	require.ErrorIs(t, err, cancel)
	assert.Empty(t, w.images, "a cancelled capture leaves no image behind")
	assert.Empty(t, w.blobTable.unhashed, "cancelled capture must unwind blob state")
}

func TestDirScanner__CapturesRealTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, writeTree(root, map[string]string{
		"readme.txt":     "hello\n",
		"sub/nested.txt": "nested",
	}))

	var paths []string
	require.NoError(t, (&DirScanner{Root: root}).Scan(func(e *ScanEntry) error {
		paths = append(paths, e.Path)
		return nil
	}))
	assert.Contains(t, paths, "")
	assert.Contains(t, paths, "/readme.txt")
	assert.Contains(t, paths, "/sub")
	assert.Contains(t, paths, "/sub/nested.txt")
}
