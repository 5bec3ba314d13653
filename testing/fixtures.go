package testing

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// TempWIMPath returns a path for a scratch WIM file inside the test's
// temporary directory.
func TempWIMPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// LoadFileImage reads a WIM file into memory and returns a seekable
// stream over the copy. Mutations through the stream do not touch the
// file until StoreFileImage is called.
func LoadFileImage(t *testing.T, path string) io.ReadWriteSeeker {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read image %s", path)
	return bytesextra.NewReadWriteSeeker(data)
}

// StoreFileImage writes a mutated in-memory image back to disk at the
// given path.
func StoreFileImage(t *testing.T, stream io.ReadWriteSeeker, path string) {
	t.Helper()
	_, err := stream.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// CorruptByteAt flips one byte of a file in place; used to test
// integrity and hash verification paths.
func CorruptByteAt(t *testing.T, path string, offset int64) {
	t.Helper()
	stream := LoadFileImage(t, path)
	_, err := stream.Seek(offset, io.SeekStart)
	require.NoError(t, err)
	var b [1]byte
	_, err = stream.Read(b[:])
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = stream.Seek(offset, io.SeekStart)
	require.NoError(t, err)
	_, err = stream.Write(b[:])
	require.NoError(t, err)
	StoreFileImage(t, stream, path)
}
