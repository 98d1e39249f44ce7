package publisher

import (
	"os"
	"path/filepath"
	"testing"

	"caterva2/internal/apierr"
)

func TestValidatePathRejectsTraversal(t *testing.T) {
	cases := []string{"../etc/passwd", "a/../../b", "/etc/passwd", ".."}
	for _, c := range cases {
		if err := ValidatePath(c); err == nil {
			t.Errorf("ValidatePath(%q) = nil, want error", c)
		}
	}
}

func TestValidatePathAcceptsNormal(t *testing.T) {
	cases := []string{"a.txt", "dir/a.b2nd", "a/b/c.b2frame"}
	for _, c := range cases {
		if err := ValidatePath(c); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", c, err)
		}
	}
}

func TestDirRootWalkAndIgnore(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "keep.txt"), "hello")
	mustWrite(t, filepath.Join(dir, "sub", "keep2.txt"), "world")
	mustWrite(t, filepath.Join(dir, "ignored.tmp"), "nope")

	root := &DirRoot{Dir: dir, IgnorePatterns: []string{"*.tmp"}}
	paths, err := root.Walk()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"keep.txt": true, "sub/keep2.txt": true}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want keys of %v", paths, want)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected path %q in walk result", p)
		}
	}
}

func TestDirRootETagChangesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	mustWrite(t, path, "v1")

	root := &DirRoot{Dir: dir}
	e1, err := root.ETag("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	mustWrite(t, path, "v2-longer")
	e2, err := root.ETag("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if e1 == e2 {
		t.Fatalf("ETag did not change after content changed: %q", e1)
	}
}

func TestDirRootETagNotFound(t *testing.T) {
	root := &DirRoot{Dir: t.TempDir()}
	if _, err := root.ETag("missing.txt"); err == nil {
		t.Fatal("expected error for missing dataset")
	} else if e, ok := apierr.As(err); !ok || e.Code != apierr.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestDirRootChunkOpaqueFile(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.bin"), "hello world")
	root := &DirRoot{Dir: dir}

	data, etag, err := root.Chunk("a.bin", 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	if _, _, err := root.Chunk("a.bin", 1); err == nil {
		t.Fatal("expected error for chunk index 1 on opaque file")
	}
}

func TestDirRootInfoOpaqueFile(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.bin"), "hello world")
	root := &DirRoot{Dir: dir}

	meta, etag, err := root.Info("a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ChunkCount != 1 || meta.ChunkSizes[0] != int64(len("hello world")) {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
