package subscriber

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"caterva2/internal/b2"
)

// sidecarMeta is the on-disk {etag, present_chunks[], last_revalidated}
// companion file next to each shadow container, per spec.md §6's persisted
// state layout.
type sidecarMeta struct {
	ETag            string    `json:"etag"`
	PresentChunks   []int     `json:"present_chunks"`
	LastRevalidated time.Time `json:"last_revalidated"`
}

// dataset is the subscriber's per-(root,path) shadow-cache entry. A single
// RWMutex guards both the shadow container and its sidecar, matching
// spec.md §5's "shared-resource policy": chunk inserts take the write lock
// briefly, slice reads take the read lock.
type dataset struct {
	root, path    string
	containerPath string
	sidecarPath   string

	mu         sync.RWMutex
	etag       string
	present    map[int]bool
	container  *b2.Container
	info       wireInfoCache
	lastAccess time.Time
	sizeBytes  int64
}

// wireInfoCache mirrors the subset of wire.DatasetInfo the cache needs to
// resolve slices without a network round trip once metadata is known.
type wireInfoCache struct {
	valid      bool
	kind       b2.Kind
	shape      []int64
	dtype      string
	chunkShape []int64
	chunkCount int
	chunkSizes []int64
}

func datasetPaths(cacheDir, root, path string) (containerPath, sidecarPath string) {
	containerPath = filepath.Join(cacheDir, root, filepath.FromSlash(path))
	sidecarPath = containerPath + ".meta"
	return
}

// loadSidecar reads the .meta sidecar if present; a missing sidecar is not
// an error, it simply means the dataset has never been touched.
func loadSidecar(path string) (sidecarMeta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sidecarMeta{}, false
	}
	var m sidecarMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return sidecarMeta{}, false
	}
	return m, true
}

// saveSidecar persists the current etag/present-chunk set for d. Caller
// must hold d.mu (read or write) while snapshotting present.
func (d *dataset) saveSidecar() error {
	present := make([]int, 0, len(d.present))
	for i := range d.present {
		present = append(present, i)
	}
	m := sidecarMeta{ETag: d.etag, PresentChunks: present, LastRevalidated: time.Now()}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.sidecarPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.sidecarPath, data, 0o644)
}

// invalidate discards all present-chunk state (spec.md §4.3 step 3: "forget
// all present chunks, update recorded ETag") and recreates the shadow
// container fresh under the new ETag and metadata. Caller must hold d.mu
// for writing.
func (d *dataset) invalidate(newETag string, info wireInfoCache) error {
	if d.container != nil {
		d.container.Close()
		d.container = nil
	}
	_ = os.Remove(d.containerPath)
	_ = os.Remove(d.sidecarPath)

	if err := os.MkdirAll(filepath.Dir(d.containerPath), 0o755); err != nil {
		return err
	}

	c, err := b2.Create(d.containerPath, info.kind, info.shape, info.chunkShape, info.dtype)
	if err != nil {
		return err
	}

	d.container = c
	d.etag = newETag
	d.present = make(map[int]bool)
	d.info = info
	d.sizeBytes = 0
	return d.saveSidecar()
}

// hasChunk reports whether chunk n is already materialized under the
// dataset's current recorded ETag. Caller must hold d.mu for reading.
func (d *dataset) hasChunk(n int) bool {
	return d.present[n]
}

// storeChunk writes chunk n's bytes as fetched from the publisher into the
// shadow container and marks it present. Container datasets (.b2nd/.b2frame)
// are stored chunk-compressed on the publisher's own disk, so those bytes
// are written verbatim; opaque files are read raw by the publisher and must
// be compressed locally to fit the container's chunk-slot format. Caller
// must hold d.mu for writing.
func (d *dataset) storeChunk(n int, data []byte) error {
	var err error
	if d.info.kind == b2.KindFile {
		err = d.container.WriteChunkRaw(n, data)
	} else {
		err = d.container.WriteChunkCompressed(n, data)
	}
	if err != nil {
		return err
	}
	if !d.present[n] {
		d.present[n] = true
		d.sizeBytes += int64(len(data))
	}
	return d.saveSidecar()
}
