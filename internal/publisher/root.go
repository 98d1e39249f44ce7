// Package publisher implements spec.md §4.1: wraps one local directory tree,
// enumerates its datasets, reports per-dataset ETags, serves individual
// compressed chunks and metadata, and emits filesystem-change events.
package publisher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"caterva2/internal/apierr"
	"caterva2/internal/b2"
)

// Root is the abstract capability a publisher exposes over one dataset
// tree. spec.md §9 calls for "pluggable backends (directory, and intended
// future ones)" behind a clean trait-like boundary; today DirRoot is the
// only implementation, but callers depend only on this interface.
type Root interface {
	// Walk returns every dataset's root-relative path (POSIX separators),
	// directories excluded, ignored patterns excluded.
	Walk() ([]string, error)

	// Exists reports whether relPath names a file under the root.
	Exists(relPath string) bool

	// ETag returns the current ETag for relPath's content.
	ETag(relPath string) (string, error)

	// Info returns the dataset metadata for relPath, b2.Kind-dispatched.
	Info(relPath string) (b2.Meta, string, error) // (meta, etag, error)

	// Chunk returns chunk n's raw compressed bytes, and the ETag in force
	// when it was read.
	Chunk(relPath string, n int) ([]byte, string, error)

	// AbsPath returns the absolute filesystem path for relPath, for
	// components (the watcher) that need direct OS-level access. Returns
	// an error if relPath is invalid.
	AbsPath(relPath string) (string, error)
}

// ValidatePath rejects absolute paths, ".." components, and anything that
// normalizes outside the root, per spec.md §4.1.
func ValidatePath(relPath string) error {
	if relPath == "" {
		return apierr.New(apierr.CodePathInvalid, "empty path")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return apierr.New(apierr.CodePathInvalid, "absolute paths are not allowed: "+relPath)
	}
	clean := filepath.Clean(relPath)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return apierr.New(apierr.CodePathInvalid, "path escapes root: "+relPath)
		}
	}
	if strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return apierr.New(apierr.CodePathInvalid, "path escapes root: "+relPath)
	}
	return nil
}

// DirRoot is the directory-backed Root implementation: every regular file
// under Dir is a dataset, container-typed by its .b2nd/.b2frame suffix and
// opaque otherwise.
type DirRoot struct {
	Dir            string
	IgnorePatterns []string
}

var _ Root = (*DirRoot)(nil)

func (d *DirRoot) AbsPath(relPath string) (string, error) {
	if err := ValidatePath(relPath); err != nil {
		return "", err
	}
	abs := filepath.Join(d.Dir, filepath.FromSlash(relPath))
	// Defense in depth: re-derive the relative path from the cleaned
	// absolute path and confirm it still lands under Dir.
	rel, err := filepath.Rel(d.Dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", apierr.New(apierr.CodePathInvalid, "path escapes root: "+relPath)
	}
	return abs, nil
}

func (d *DirRoot) Walk() ([]string, error) {
	var out []string
	err := filepath.WalkDir(d.Dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.ignored(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DirRoot) ignored(relPath string) bool {
	for _, pat := range d.IgnorePatterns {
		if ok, _ := doublestar.Match(pat, relPath); ok {
			return true
		}
	}
	return false
}

func (d *DirRoot) Exists(relPath string) bool {
	abs, err := d.AbsPath(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// ETag is constructed as "mtime:size" in hex, per spec.md §3's suggested
// construction: it changes whenever content changes, and is stable across
// reads with no intervening change.
func (d *DirRoot) ETag(relPath string) (string, error) {
	abs, err := d.AbsPath(relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apierr.New(apierr.CodeNotFound, "dataset not found: "+relPath)
		}
		return "", err
	}
	return etagFor(info), nil
}

func etagFor(info os.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 16) + ":" + strconv.FormatInt(info.Size(), 16)
}

func kindFor(relPath string) b2.Kind {
	switch {
	case strings.HasSuffix(relPath, ".b2nd"):
		return b2.KindB2ND
	case strings.HasSuffix(relPath, ".b2frame"):
		return b2.KindB2Frame
	default:
		return b2.KindFile
	}
}

// Info opens relPath (container datasets are themselves b2 containers on
// disk; opaque files are reported as a single whole-file chunk) and returns
// its metadata alongside the ETag in force at the moment of the read.
func (d *DirRoot) Info(relPath string) (b2.Meta, string, error) {
	abs, err := d.AbsPath(relPath)
	if err != nil {
		return b2.Meta{}, "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return b2.Meta{}, "", apierr.New(apierr.CodeNotFound, "dataset not found: "+relPath)
		}
		return b2.Meta{}, "", err
	}
	etag := etagFor(info)

	kind := kindFor(relPath)
	if kind == b2.KindFile {
		return b2.Meta{
			Kind:       b2.KindFile,
			ChunkCount: 1,
			ChunkSizes: []int64{info.Size()},
			VLMeta:     map[string][]byte{},
		}, etag, nil
	}

	c, err := b2.Open(abs)
	if err != nil {
		return b2.Meta{}, "", apierr.Wrap(apierr.CodeCorruptChunk, "failed to open container", err)
	}
	defer c.Close()
	return c.Info(), etag, nil
}

// Chunk returns chunk n's compressed bytes. For opaque files, n must be 0
// and the "chunk" is the whole file's bytes (spec.md §3). It re-validates
// the ETag hasn't changed out from under the read; if it has, it returns a
// CodeEtagMismatch error rather than blending old and new bytes.
func (d *DirRoot) Chunk(relPath string, n int) ([]byte, string, error) {
	abs, err := d.AbsPath(relPath)
	if err != nil {
		return nil, "", err
	}

	before, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.New(apierr.CodeNotFound, "dataset not found: "+relPath)
		}
		return nil, "", err
	}
	etagBefore := etagFor(before)

	kind := kindFor(relPath)
	var data []byte
	if kind == b2.KindFile {
		if n != 0 {
			return nil, "", apierr.New(apierr.CodeNotFound, "opaque file has only chunk 0")
		}
		data, err = os.ReadFile(abs)
		if err != nil {
			return nil, "", err
		}
	} else {
		c, err := b2.Open(abs)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.CodeCorruptChunk, "failed to open container", err)
		}
		defer c.Close()
		data, err = c.ReadChunkCompressed(n)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.CodeNotFound, "chunk not found", err)
		}
	}

	after, err := os.Stat(abs)
	if err != nil {
		return nil, "", err
	}
	etagAfter := etagFor(after)
	if etagAfter != etagBefore {
		return nil, "", apierr.New(apierr.CodeEtagMismatch, "dataset changed during chunk read")
	}
	return data, etagBefore, nil
}
