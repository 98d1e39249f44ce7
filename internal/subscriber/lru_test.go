package subscriber

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLRUTouchNoQuotaNeverEvicts(t *testing.T) {
	l := newLRU(0)
	if evicted := l.touch("a", 1000); len(evicted) != 0 {
		t.Fatalf("expected no eviction with unlimited quota, got %v", evicted)
	}
}

func TestLRUEvictsOldestFirstOverQuota(t *testing.T) {
	l := newLRU(25)
	l.touch("a", 10)
	l.touch("b", 10)
	evicted := l.touch("c", 10)
	if !reflect.DeepEqual(evicted, []string{"a"}) {
		t.Fatalf("expected to evict oldest key \"a\", got %v", evicted)
	}
	if got := l.snapshot(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestLRUTouchNeverEvictsItself(t *testing.T) {
	l := newLRU(5)
	evicted := l.touch("solo", 100)
	if len(evicted) != 0 {
		t.Fatalf("expected the just-touched key to survive, got eviction %v", evicted)
	}
}

func TestLRURemove(t *testing.T) {
	l := newLRU(0)
	l.touch("a", 10)
	l.remove("a")
	if got := l.snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot after remove, got %v", got)
	}
}

func TestEvictDatasetFilesRemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "ds.b2frame")
	sidecar := container + ".meta"
	if err := os.WriteFile(container, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sidecar, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	evictDatasetFiles(container, sidecar)
	if _, err := os.Stat(container); !os.IsNotExist(err) {
		t.Fatalf("expected container removed, stat err = %v", err)
	}
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed, stat err = %v", err)
	}
}
