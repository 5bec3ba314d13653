package wim_test

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wim "github.com/dargueta/wim"
	"github.com/dargueta/wim/compression"
	wimtesting "github.com/dargueta/wim/testing"
)

func tempPath(t *testing.T, name string) string {
	t.Helper()
	return wimtesting.TempWIMPath(t, name)
}

func createAndWrite(t *testing.T, ctype compression.Type, files map[string][]byte,
	imageName, path string, flags wim.WriteFlag) {
	t.Helper()
	w, err := wim.Create(ctype)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{Files: files}, imageName, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(path, wim.AllImages, flags, 1))
}

func TestEmptyContainer__WriteAndReopen(t *testing.T) {
	path := tempPath(t, "empty.wim")
	w, err := wim.Create(compression.TypeNone)
	require.NoError(t, err)
	require.NoError(t, w.Write(path, wim.AllImages, 0, 1))

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 0, got.ImageCount())
	assert.Equal(t, 0, got.BootIndex())
}

func TestScenario__CreateAddWriteReopen(t *testing.T) {
	path := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", path, 0)

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()

	assert.Equal(t, 1, got.ImageCount())
	assert.Equal(t, "A", got.ImageName(1))
	assert.Equal(t, compression.TypeLZX, got.CompressionType())

	wantHash := sha1.Sum([]byte("hello\n"))
	var sawReadme bool
	err = got.IterateDirTree(1, "/", wim.IterateChildren, func(e *wim.DirEntry) error {
		assert.Equal(t, "readme.txt", e.Name)
		require.NotEmpty(t, e.Streams)
		assert.EqualValues(t, wantHash, e.Streams[0].Hash)
		assert.EqualValues(t, 6, e.Streams[0].Size)
		sawReadme = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawReadme)
}

func TestScenario__ExtractReproducesTree(t *testing.T) {
	path := tempPath(t, "x.wim")
	files := map[string][]byte{
		"/docs/readme.txt": []byte("hello\n"),
		"/docs/notes.txt":  []byte("hi\n"),
		"/empty.bin":       {},
	}
	createAndWrite(t, compression.TypeXPress, files, "A", path, 0)

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()

	target := t.TempDir()
	require.NoError(t, got.ExtractImage(1, target, 0))

	data, err := os.ReadFile(filepath.Join(target, "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), data)

	// The zero-byte file gets the all-zero digest, no blob, and still
	// extracts as an empty file.
	st, err := os.Stat(filepath.Join(target, "empty.bin"))
	require.NoError(t, err)
	assert.Zero(t, st.Size())
}

func TestScenario__ExportWithRecompression(t *testing.T) {
	src := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", src, 0)

	w, err := wim.Open(src, 0)
	require.NoError(t, err)
	defer w.Close()

	dst, err := wim.Create(compression.TypeXPress)
	require.NoError(t, err)
	require.NoError(t, wim.ExportImage(w, 1, dst, "A", "exported"))

	dstPath := tempPath(t, "y.wim")
	require.NoError(t, dst.Write(dstPath, wim.AllImages, wim.WriteRecompress, 1))

	got, err := wim.Open(dstPath, 0)
	require.NoError(t, err)
	defer got.Close()

	assert.Equal(t, 1, got.ImageCount())
	assert.Equal(t, compression.TypeXPress, got.CompressionType())

	wantHash := sha1.Sum([]byte("hello\n"))
	err = got.IterateDirTree(1, "/readme.txt", 0, func(e *wim.DirEntry) error {
		assert.EqualValues(t, wantHash, e.Streams[0].Hash)
		return nil
	})
	require.NoError(t, err)
}

func TestScenario__ExportTwiceSharesBlob(t *testing.T) {
	src := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", src, 0)

	w, err := wim.Open(src, 0)
	require.NoError(t, err)
	defer w.Close()

	dst, err := wim.Create(compression.TypeLZX)
	require.NoError(t, err)
	require.NoError(t, wim.ExportImage(w, 1, dst, "first", ""))
	require.NoError(t, wim.ExportImage(w, 1, dst, "second", ""))

	dstPath := tempPath(t, "y.wim")
	require.NoError(t, dst.Write(dstPath, wim.AllImages, 0, 1))

	got, err := wim.Open(dstPath, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 2, got.ImageCount())

	// Both images share one blob: dedup means the pool holds a single
	// entry for "hello\n".
	hashes := make(map[[20]byte]int)
	for img := 1; img <= 2; img++ {
		err = got.IterateDirTree(img, "/", wim.IterateRecursive|wim.IterateChildren,
			func(e *wim.DirEntry) error {
				if len(e.Streams) > 0 && e.Streams[0].Size > 0 {
					hashes[e.Streams[0].Hash]++
				}
				return nil
			})
		require.NoError(t, err)
	}
	assert.Len(t, hashes, 1)
}

func TestScenario__AppendImageInPlace(t *testing.T) {
	path := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", path, 0)

	st, err := os.Stat(path)
	require.NoError(t, err)
	sizeBefore := st.Size()

	w, err := wim.Open(path, wim.OpenWriteAccess)
	require.NoError(t, err)

	_, err = w.AddImage(&wim.MemScanner{Files: map[string][]byte{
		"/readme.txt": []byte("hello\n"),
		"/notes.txt":  []byte("hi, these are notes\n"),
	}}, "B", nil)
	require.NoError(t, err)
	require.NoError(t, w.Overwrite(0, 1))
	require.NoError(t, w.Close())

	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), sizeBefore, "append must grow the file")

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 2, got.ImageCount())
	assert.Equal(t, "A", got.ImageName(1))
	assert.Equal(t, "B", got.ImageName(2))

	// readme.txt deduplicated across images: exactly two distinct
	// blobs exist in the pool.
	hashes := make(map[[20]byte]bool)
	for img := 1; img <= 2; img++ {
		err = got.IterateDirTree(img, "/", wim.IterateRecursive|wim.IterateChildren,
			func(e *wim.DirEntry) error {
				if len(e.Streams) > 0 && e.Streams[0].Size > 0 {
					hashes[e.Streams[0].Hash] = true
				}
				return nil
			})
		require.NoError(t, err)
	}
	assert.Len(t, hashes, 2)

	data := extractOne(t, got, 2, "notes.txt")
	assert.Equal(t, []byte("hi, these are notes\n"), data)
}

func extractOne(t *testing.T, w *wim.WIM, image int, name string) []byte {
	t.Helper()
	target := t.TempDir()
	require.NoError(t, w.ExtractImage(image, target, 0))
	data, err := os.ReadFile(filepath.Join(target, name))
	require.NoError(t, err)
	return data
}

func TestOverwrite__NoPendingChangesKeepsImages(t *testing.T) {
	path := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", path, 0)

	w, err := wim.Open(path, wim.OpenWriteAccess)
	require.NoError(t, err)
	require.NoError(t, w.Overwrite(0, 1))
	require.NoError(t, w.Close())

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 1, got.ImageCount())
	assert.Equal(t, []byte("hello\n"), extractOne(t, got, 1, "readme.txt"))
}

func TestDeleteImage__RebuildsViaTempFile(t *testing.T) {
	path := tempPath(t, "x.wim")

	w, err := wim.Create(compression.TypeXPress)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{Files: map[string][]byte{
		"/a.txt": []byte("first image data data data"),
	}}, "A", nil)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{Files: map[string][]byte{
		"/b.txt": []byte("second image payload payload"),
	}}, "B", nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(path, wim.AllImages, 0, 1))

	w2, err := wim.Open(path, wim.OpenWriteAccess)
	require.NoError(t, err)
	require.NoError(t, w2.DeleteImage(1))
	require.NoError(t, w2.Overwrite(0, 1))
	require.NoError(t, w2.Close())

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 1, got.ImageCount())
	assert.Equal(t, "B", got.ImageName(1))
	assert.Equal(t, []byte("second image payload payload"), extractOne(t, got, 1, "b.txt"))
}

func TestScenario__SplitAndJoin(t *testing.T) {
	path := tempPath(t, "x.wim")
	files := map[string][]byte{}
	// Incompressible-ish distinct files so the parts genuinely fill.
	for i := 0; i < 6; i++ {
		name := string(rune('a'+i)) + ".bin"
		data := make([]byte, 4096)
		for j := range data {
			data[j] = byte(i*31 + j*7)
		}
		files["/"+name] = data
	}
	createAndWrite(t, compression.TypeNone, files, "A", path, 0)

	w, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer w.Close()

	base := tempPath(t, "x.swm")
	require.NoError(t, w.Split(base, 8192, 0))

	part2 := base[:len(base)-4] + "2.swm"
	_, err = os.Stat(part2)
	require.NoError(t, err, "split must produce at least two parts")

	// Every part carries the set's GUID and the spanned flag.
	p2, err := wim.Open(part2, wim.OpenSplitOK)
	require.NoError(t, err)
	num, total := p2.PartNumber()
	assert.Equal(t, 2, num)
	assert.GreaterOrEqual(t, total, 2)
	assert.Equal(t, w.GUID(), p2.GUID())
	p2.Close()

	var parts []string
	parts = append(parts, base)
	for i := 2; ; i++ {
		p := base[:len(base)-4] + string(rune('0'+i)) + ".swm"
		if _, err := os.Stat(p); err != nil {
			break
		}
		parts = append(parts, p)
	}

	joined := tempPath(t, "joined.wim")
	require.NoError(t, wim.Join(parts, joined, 0, 0))

	got, err := wim.Open(joined, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 1, got.ImageCount())

	target := t.TempDir()
	require.NoError(t, got.ExtractImage(1, target, 0))
	for name, want := range files {
		data, err := os.ReadFile(filepath.Join(target, name[1:]))
		require.NoError(t, err)
		assert.Equal(t, want, data, name)
	}
}

func TestJoin__RejectsMismatchedParts(t *testing.T) {
	pathA := tempPath(t, "a.wim")
	pathB := tempPath(t, "b.wim")
	createAndWrite(t, compression.TypeNone,
		map[string][]byte{"/x": []byte("xxxx")}, "A", pathA, 0)
	createAndWrite(t, compression.TypeNone,
		map[string][]byte{"/y": []byte("yyyy")}, "B", pathB, 0)

	err := wim.Join([]string{pathA, pathB}, tempPath(t, "out.wim"), 0, 0)
	assert.Error(t, err)
}

func TestScenario__IntegrityTable(t *testing.T) {
	path := tempPath(t, "x.wim")
	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(42)).Read(payload)
	createAndWrite(t, compression.TypeLZX,
		map[string][]byte{"/big.bin": payload}, "A", path, wim.WriteCheckIntegrity)

	// Clean file verifies.
	w, err := wim.Open(path, wim.OpenCheckIntegrity)
	require.NoError(t, err)
	assert.True(t, w.HasIntegrityTable())
	w.Close()

	// Flip a byte in the middle of the blob area.
	wimtesting.CorruptByteAt(t, path, 4000)

	_, err = wim.Open(path, wim.OpenCheckIntegrity)
	assert.ErrorIs(t, err, wim.ErrIntegrity, "integrity check must fail closed")

	// Without the check the file still opens; reading the damaged
	// resource surfaces a decompression or hash error.
	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()

	target := t.TempDir()
	err = got.ExtractImage(1, target, 0)
	if assert.Error(t, err) {
		ok := errors.Is(err, wim.ErrDecompression) ||
			errors.Is(err, wim.ErrInvalidResourceHash) ||
			errors.Is(err, wim.ErrInvalidMetadataResource)
		assert.True(t, ok, "unexpected error kind: %v", err)
	}
}

func TestWrite__RejectsContradictoryFlags(t *testing.T) {
	w, err := wim.Create(compression.TypeNone)
	require.NoError(t, err)
	path := tempPath(t, "x.wim")

	err = w.Write(path, wim.AllImages, wim.WriteCheckIntegrity|wim.WriteNoCheckIntegrity, 1)
	assert.ErrorIs(t, err, wim.ErrInvalidParam)

	err = w.Write(path, wim.AllImages, wim.WritePipable|wim.WriteNotPipable, 1)
	assert.ErrorIs(t, err, wim.ErrInvalidParam)

	err = w.Write(path, wim.AllImages, wim.WriteUnsafeCompact, 1)
	assert.ErrorIs(t, err, wim.ErrInvalidParam)
}

func TestOverwrite__CompactRejectsRecompress(t *testing.T) {
	path := tempPath(t, "x.wim")
	createAndWrite(t, compression.TypeNone,
		map[string][]byte{"/x": []byte("data")}, "A", path, 0)

	w, err := wim.Open(path, wim.OpenWriteAccess)
	require.NoError(t, err)
	defer w.Close()
	err = w.Overwrite(wim.WriteUnsafeCompact|wim.WriteRecompress, 1)
	assert.ErrorIs(t, err, wim.ErrInvalidParam)
}

func TestOpen__MissingFile(t *testing.T) {
	_, err := wim.Open(tempPath(t, "missing.wim"), 0)
	assert.ErrorIs(t, err, wim.ErrOpen)
}

func TestOpen__NotAWIM(t *testing.T) {
	path := tempPath(t, "junk.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	_, err := wim.Open(path, 0)
	assert.ErrorIs(t, err, wim.ErrNotAWIM)
}

func TestAddImage__NameCollision(t *testing.T) {
	w, err := wim.Create(compression.TypeNone)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{}, "Same", nil)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{}, "same", nil)
	assert.ErrorIs(t, err, wim.ErrImageNameCollision)
}

func TestParallelCompression__MatchesSerial(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 4; i++ {
		data := make([]byte, 700_000)
		for j := range data {
			data[j] = byte((i + 1) * (j % 97))
		}
		files["/f"+string(rune('0'+i))] = data
	}

	serialPath := tempPath(t, "serial.wim")
	createAndWrite(t, compression.TypeXPress, files, "A", serialPath, 0)

	parPath := tempPath(t, "parallel.wim")
	w, err := wim.Create(compression.TypeXPress)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{Files: files}, "A", nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(parPath, wim.AllImages, 0, 4))

	got, err := wim.Open(parPath, 0)
	require.NoError(t, err)
	defer got.Close()
	target := t.TempDir()
	require.NoError(t, got.ExtractImage(1, target, 0))
	for name, want := range files {
		data, err := os.ReadFile(filepath.Join(target, name[1:]))
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}
}

func TestBootIndex__RoundTrips(t *testing.T) {
	path := tempPath(t, "x.wim")
	w, err := wim.Create(compression.TypeNone)
	require.NoError(t, err)
	_, err = w.AddImage(&wim.MemScanner{Files: map[string][]byte{"/f": []byte("boot me")}}, "A", nil)
	require.NoError(t, err)
	require.NoError(t, w.SetBootIndex(1))
	require.NoError(t, w.Write(path, wim.AllImages, 0, 1))

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 1, got.BootIndex())
}

func TestPipable__WriteAndReopen(t *testing.T) {
	path := tempPath(t, "pipable.wim")
	createAndWrite(t, compression.TypeXPress,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", path, wim.WritePipable)

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()

	assert.True(t, got.IsPipable())
	assert.Equal(t, 1, got.ImageCount())
	assert.Equal(t, []byte("hello\n"), extractOne(t, got, 1, "readme.txt"))
}

func TestPipable__CannotOverwriteInPlace(t *testing.T) {
	path := tempPath(t, "pipable.wim")
	createAndWrite(t, compression.TypeXPress,
		map[string][]byte{"/readme.txt": []byte("hello\n")}, "A", path, wim.WritePipable)

	w, err := wim.Open(path, wim.OpenWriteAccess)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.AddImage(&wim.MemScanner{Files: map[string][]byte{"/x": []byte("more")}}, "B", nil)
	require.NoError(t, err)
	// Falls back to a temp-file rebuild; the result must still open.
	require.NoError(t, w.Overwrite(0, 1))

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 2, got.ImageCount())
}

// fnScanner adapts a function to the Scanner interface.
type fnScanner func(cb func(*wim.ScanEntry) error) error

func (f fnScanner) Scan(cb func(*wim.ScanEntry) error) error { return f(cb) }

// An unhashed blob's digest must come from the same read that feeds
// the writer: every stream source is opened exactly once during a
// write, even when same-sized blobs force a duplicate decision.
func TestWrite__UnhashedBlobsStreamOnce(t *testing.T) {
	payload := bytes.Repeat([]byte("identical payload for dedup "), 100)
	other := bytes.Repeat([]byte("same length, distinct bytes "), 100)
	require.Equal(t, len(payload), len(other))

	files := map[string][]byte{
		"dup1.bin":  payload,
		"dup2.bin":  payload,
		"other.bin": other,
	}
	opens := map[string]int{}

	scanner := fnScanner(func(cb func(*wim.ScanEntry) error) error {
		if err := cb(&wim.ScanEntry{Attributes: 0x10}); err != nil { // directory
			return err
		}
		for _, name := range []string{"dup1.bin", "dup2.bin", "other.bin"} {
			name := name
			data := files[name]
			err := cb(&wim.ScanEntry{
				Path:       name,
				Attributes: 0x80, // normal file
				Streams: []wim.StreamSource{{
					Size: uint64(len(data)),
					Open: func() (io.ReadCloser, error) {
						opens[name]++
						return io.NopCloser(bytes.NewReader(data)), nil
					},
				}},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	w, err := wim.Create(compression.TypeLZX)
	require.NoError(t, err)
	_, err = w.AddImage(scanner, "once", nil)
	require.NoError(t, err)

	path := tempPath(t, "once.wim")
	require.NoError(t, w.Write(path, wim.AllImages, 0, 1))

	for name, n := range opens {
		assert.Equal(t, 1, n, "%s must be read exactly once", name)
	}

	got, err := wim.Open(path, 0)
	require.NoError(t, err)
	defer got.Close()

	// The identical pair still deduplicated to one blob.
	hashes := make(map[[20]byte]bool)
	err = got.IterateDirTree(1, "/", wim.IterateRecursive|wim.IterateChildren,
		func(e *wim.DirEntry) error {
			if len(e.Streams) > 0 && e.Streams[0].Size > 0 {
				hashes[e.Streams[0].Hash] = true
			}
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	// And the discarded copy's content survives through the survivor.
	target := t.TempDir()
	require.NoError(t, got.ExtractImage(1, target, 0))
	for name, want := range files {
		data, err := os.ReadFile(filepath.Join(target, name))
		require.NoError(t, err)
		assert.Equal(t, want, data, name)
	}
}
