package wim

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// The blob engine has no intrinsic knowledge of any filesystem; images
// are captured through this interface. A scanner walks some namespace
// and delivers one entry per file or directory, parents before
// children.

// StreamSource is one lazy byte stream of a scanned file.
type StreamSource struct {
	// Name of the stream; empty for the default stream.
	Name string
	Size uint64
	// Open returns a fresh reader over the stream's bytes. It may be
	// called more than once (for example when a compressed write is
	// re-done uncompressed).
	Open func() (io.ReadCloser, error)
	// KnownHash optionally carries a precomputed SHA-1 digest,
	// allowing the engine to dedup without reading the data.
	KnownHash []byte
}

// ScanEntry describes one directory entry delivered by a scanner.
type ScanEntry struct {
	// Image-relative path, /-separated, "" or "/" for the root.
	Path       string
	Attributes uint32
	// Windows FILETIME timestamps.
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	// Optional security descriptor in self-relative format.
	SecurityDescriptor []byte
	Streams            []StreamSource
}

// Scanner delivers a directory tree to AddImage.
type Scanner interface {
	Scan(cb func(*ScanEntry) error) error
}

// CaptureConfig filters scanned paths. Exclusion applies to
// image-relative paths, by case-insensitive prefix match per path
// component; ExclusionException re-includes otherwise-excluded paths.
type CaptureConfig struct {
	ExclusionList      []string
	ExclusionException []string
}

func pathMatchesPrefix(path, prefix string) bool {
	path = strings.Trim(path, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return false
	}
	pparts := strings.Split(prefix, "/")
	parts := strings.Split(path, "/")
	if len(parts) < len(pparts) {
		return false
	}
	for i := range pparts {
		if !strings.EqualFold(parts[i], pparts[i]) {
			return false
		}
	}
	return true
}

// Excluded reports whether a path is filtered out by the config.
func (c *CaptureConfig) Excluded(path string) bool {
	if c == nil {
		return false
	}
	excluded := false
	for _, p := range c.ExclusionList {
		if pathMatchesPrefix(path, p) {
			excluded = true
			break
		}
	}
	if !excluded {
		return false
	}
	for _, p := range c.ExclusionException {
		if pathMatchesPrefix(path, p) {
			return false
		}
	}
	return true
}

// DirScanner scans a directory on the local filesystem. Attributes are
// synthesized from the Unix mode: directories get the directory
// attribute, everything else is a normal file. Symlinks are followed.
type DirScanner struct {
	Root string
}

func unixToFiletime(t time.Time) uint64 {
	const epochDelta = 116444736000000000 // 1601 -> 1970 in 100ns units
	return uint64(t.UnixNano()/100) + epochDelta
}

func (s *DirScanner) entryFor(relPath string, info fs.FileInfo, fullPath string) *ScanEntry {
	e := &ScanEntry{
		Path:           relPath,
		CreationTime:   unixToFiletime(info.ModTime()),
		LastAccessTime: unixToFiletime(info.ModTime()),
		LastWriteTime:  unixToFiletime(info.ModTime()),
	}
	if info.IsDir() {
		e.Attributes = fileAttributeDirectory
	} else {
		e.Attributes = fileAttributeNormal
		path := fullPath
		e.Streams = []StreamSource{{
			Size: uint64(info.Size()),
			Open: func() (io.ReadCloser, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, ErrOpen.Wrap(err)
				}
				return f, nil
			},
		}}
	}
	return e
}

// Scan walks the root depth-first, parents before children, children in
// name order.
func (s *DirScanner) Scan(cb func(*ScanEntry) error) error {
	rootInfo, err := os.Stat(s.Root)
	if err != nil {
		return ErrStat.Wrap(err)
	}
	if !rootInfo.IsDir() {
		return ErrInvalidParam.WithMessage("capture source is not a directory")
	}
	if err := cb(s.entryFor("", rootInfo, s.Root)); err != nil {
		return err
	}
	return s.scanDir(s.Root, "", cb)
}

func (s *DirScanner) scanDir(dir, rel string, cb func(*ScanEntry) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ErrOpen.Wrap(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, de := range entries {
		full := filepath.Join(dir, de.Name())
		relPath := rel + "/" + de.Name()
		info, err := os.Stat(full)
		if err != nil {
			return ErrStat.Wrap(err)
		}
		if err := cb(s.entryFor(relPath, info, full)); err != nil {
			return err
		}
		if info.IsDir() {
			if err := s.scanDir(full, relPath, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemScanner delivers an in-memory tree; handy for tests and for
// programmatic image construction. Keys are image-relative paths;
// directories are created implicitly.
type MemScanner struct {
	Files map[string][]byte
	// Timestamp given to every entry; the zero value selects a fixed
	// default.
	Now time.Time
}

func (s *MemScanner) Scan(cb func(*ScanEntry) error) error {
	now := s.Now
	if now.IsZero() {
		now = time.Unix(1262304000, 0) // a fixed, boring default
	}
	ft := unixToFiletime(now)

	dirs := map[string]bool{"": true}
	var paths []string
	for p := range s.Files {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		paths = append(paths, p)
		parts := strings.Split(p, "/")
		for i := 1; i < len(parts); i++ {
			dirs[strings.Join(parts[:i], "/")] = true
		}
	}
	sort.Strings(paths)

	var dirList []string
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)

	for _, d := range dirList {
		if err := cb(&ScanEntry{
			Path:           d,
			Attributes:     fileAttributeDirectory,
			CreationTime:   ft,
			LastAccessTime: ft,
			LastWriteTime:  ft,
		}); err != nil {
			return err
		}
	}
	for _, p := range paths {
		if dirs[p] {
			continue
		}
		data := s.Files[p]
		if data == nil {
			data = s.Files["/"+p]
		}
		contents := data
		if err := cb(&ScanEntry{
			Path:           p,
			Attributes:     fileAttributeNormal,
			CreationTime:   ft,
			LastAccessTime: ft,
			LastWriteTime:  ft,
			Streams: []StreamSource{{
				Size: uint64(len(contents)),
				Open: func() (io.ReadCloser, error) {
					return io.NopCloser(strings.NewReader(string(contents))), nil
				},
			}},
		}); err != nil {
			return err
		}
	}
	return nil
}
