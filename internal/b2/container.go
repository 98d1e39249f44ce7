package b2

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

var magic = [4]byte{'C', 'A', '2', 1}

const fixedHeaderSize = 8 // magic[4] + metaReserved uint32

// diskMeta is the JSON-encoded metadata block written right after the fixed
// header. ChunkOffsets[i] == -1 means the chunk is a hole: not yet present,
// exactly the "holes allowed" shadow-container state spec.md's persisted
// state layout calls for.
type diskMeta struct {
	Kind           Kind              `json:"kind"`
	Shape          []int64           `json:"shape"`
	DType          string            `json:"dtype"`
	ChunkShape     []int64           `json:"chunk_shape"`
	ChunkCount     int               `json:"chunk_count"`
	ChunkSizes     []int64           `json:"chunk_sizes"`
	ChunkOffsets   []int64           `json:"chunk_offsets"`
	ChunkCompSizes []int64           `json:"chunk_comp_sizes"`
	VLMeta         map[string][]byte `json:"vlmeta"`
}

// Container is an open b2 file: a directory-native chunked dataset with
// independently zstd-compressed chunks and a small vlmeta layer. It is safe
// for concurrent ReadChunkCompressed calls but serializes writes internally;
// callers that need dataset-wide read/write isolation (the subscriber's
// shadow cache) still hold their own per-dataset RWMutex around groups of
// calls, per spec.md's "Shared-resource policy".
type Container struct {
	mu           sync.Mutex
	f            *os.File
	metaReserved uint32
	dataOffset   int64
	meta         diskMeta
}

func metaReserveSize(chunkCount int, vlmetaHint int) uint32 {
	// Generous fixed allowance: 64 bytes per chunk entry (offset+compsize+size
	// as JSON numbers) plus headroom for shape/vlmeta. Recomputed only at
	// Create time; if the metadata later grows past this, the write that
	// grew it (SetVLMeta or a chunk write) returns an ErrCorrupt-wrapped error
	// rather than silently corrupting the layout.
	base := 512 + 64*chunkCount + 2*vlmetaHint
	if base < 4096 {
		base = 4096
	}
	return uint32(base)
}

// Create creates a new, empty container (all chunks holes) with the given
// shape, dtype, and chunk shape. For KindFile, shape and chunkShape must both
// be a single-element slice holding the file's total byte size.
func Create(path string, kind Kind, shape, chunkShape []int64, dtype string) (*Container, error) {
	if _, err := DTypeSize(dtype); err != nil {
		return nil, err
	}
	grid, err := ChunkGrid(shape, chunkShape)
	if err != nil {
		return nil, err
	}
	chunkCount := int(product(grid))
	if chunkCount == 0 {
		chunkCount = 1 // degenerate zero-size dataset still has one (empty) chunk slot
	}

	chunkSizes := make([]int64, chunkCount)
	itemSize, _ := DTypeSize(dtype)
	for i := 0; i < chunkCount; i++ {
		extent := ChunkExtent(shape, chunkShape, ChunkCoord(grid, i))
		chunkSizes[i] = product(extent) * int64(itemSize)
	}

	m := diskMeta{
		Kind:           kind,
		Shape:          shape,
		DType:          dtype,
		ChunkShape:     chunkShape,
		ChunkCount:     chunkCount,
		ChunkSizes:     chunkSizes,
		ChunkOffsets:   negativeOnes(chunkCount),
		ChunkCompSizes: negativeOnes(chunkCount),
		VLMeta:         map[string][]byte{},
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	c := &Container{f: f, metaReserved: metaReserveSize(chunkCount, 0), meta: m}
	c.dataOffset = fixedHeaderSize + int64(c.metaReserved)
	if err := c.writeHeaderAndMeta(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(c.dataOffset); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func negativeOnes(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = -1
	}
	return s
}

// Open opens an existing container file for reading and writing.
func Open(path string) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	c := &Container{f: f}
	if err := c.readHeaderAndMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) writeHeaderAndMeta() error {
	body, err := json.Marshal(c.meta)
	if err != nil {
		return err
	}
	if uint32(len(body)) > c.metaReserved {
		return fmt.Errorf("b2: %w: meta %d bytes exceeds reserved %d", ErrCorrupt, len(body), c.metaReserved)
	}
	padded := make([]byte, c.metaReserved)
	copy(padded, body)

	var hdr [fixedHeaderSize]byte
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], c.metaReserved)

	if _, err := c.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	if _, err := c.f.WriteAt(padded, fixedHeaderSize); err != nil {
		return err
	}
	return nil
}

func (c *Container) readHeaderAndMeta() error {
	var hdr [fixedHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(c.f, 0, fixedHeaderSize), hdr[:]); err != nil {
		return fmt.Errorf("b2: %w: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(hdr[0:4], magic[:]) {
		return fmt.Errorf("b2: %w: bad magic", ErrCorrupt)
	}
	c.metaReserved = binary.LittleEndian.Uint32(hdr[4:8])
	c.dataOffset = fixedHeaderSize + int64(c.metaReserved)

	buf := make([]byte, c.metaReserved)
	if _, err := io.ReadFull(io.NewSectionReader(c.f, fixedHeaderSize, int64(c.metaReserved)), buf); err != nil {
		return fmt.Errorf("b2: %w: %v", ErrCorrupt, err)
	}
	buf = bytes.TrimRight(buf, "\x00")
	var m diskMeta
	if err := json.Unmarshal(buf, &m); err != nil {
		return fmt.Errorf("b2: %w: %v", ErrCorrupt, err)
	}
	c.meta = m
	return nil
}

// Kind returns the dataset flavor.
func (c *Container) Kind() Kind { return c.meta.Kind }

// Shape returns the dataset's logical shape.
func (c *Container) Shape() []int64 { return c.meta.Shape }

// DType returns the dataset's element type.
func (c *Container) DType() string { return c.meta.DType }

// ChunkShape returns the chunk grid cell shape.
func (c *Container) ChunkShape() []int64 { return c.meta.ChunkShape }

// ChunkCount returns the total number of chunks.
func (c *Container) ChunkCount() int { return c.meta.ChunkCount }

// ChunkSize returns the uncompressed byte size of chunk i.
func (c *Container) ChunkSize(i int) (int64, error) {
	if i < 0 || i >= c.meta.ChunkCount {
		return 0, ErrChunkIndex
	}
	return c.meta.ChunkSizes[i], nil
}

// HasChunk reports whether chunk i's compressed bytes are present on disk.
func (c *Container) HasChunk(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return i >= 0 && i < len(c.meta.ChunkOffsets) && c.meta.ChunkOffsets[i] >= 0
}

// PresentChunks returns the sorted indices of all present chunks.
func (c *Container) PresentChunks() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for i, off := range c.meta.ChunkOffsets {
		if off >= 0 {
			out = append(out, i)
		}
	}
	return out
}

// ReadChunkCompressed returns chunk i's raw compressed bytes exactly as
// stored, for re-serving over the wire without touching compression.
func (c *Container) ReadChunkCompressed(i int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= c.meta.ChunkCount {
		return nil, ErrChunkIndex
	}
	off := c.meta.ChunkOffsets[i]
	if off < 0 {
		return nil, ErrChunkNotPresent
	}
	size := c.meta.ChunkCompSizes[i]
	buf := make([]byte, size)
	if _, err := c.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteChunkCompressed stores compressed bytes for chunk i verbatim (no
// recompression), as the subscriber does when writing bytes fetched from a
// publisher into its shadow container.
func (c *Container) WriteChunkCompressed(i int, compressed []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeChunkLocked(i, compressed)
}

// WriteChunkRaw compresses raw (uncompressed) bytes and stores them for
// chunk i. Used when populating a dataset from decoded numeric data, e.g. in
// fixtures and the offline import path.
func (c *Container) WriteChunkRaw(i int, raw []byte) error {
	compressed, err := compressChunk(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.ChunkSizes[i] = int64(len(raw))
	return c.writeChunkLocked(i, compressed)
}

func (c *Container) writeChunkLocked(i int, compressed []byte) error {
	if i < 0 || i >= c.meta.ChunkCount {
		return ErrChunkIndex
	}
	end, err := c.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if end < c.dataOffset {
		end = c.dataOffset
	}
	if _, err := c.f.WriteAt(compressed, end); err != nil {
		return err
	}
	c.meta.ChunkOffsets[i] = end
	c.meta.ChunkCompSizes[i] = int64(len(compressed))
	return c.writeHeaderAndMeta()
}

// ReadChunkRaw returns chunk i's decompressed bytes.
func (c *Container) ReadChunkRaw(i int) ([]byte, error) {
	compressed, err := c.ReadChunkCompressed(i)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	size := c.meta.ChunkSizes[i]
	c.mu.Unlock()
	out, err := decompressChunk(compressed, int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

// VLMeta returns a copy of the variable-length metadata map.
func (c *Container) VLMeta() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.meta.VLMeta))
	for k, v := range c.meta.VLMeta {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// SetVLMeta sets a single vlmeta key and persists the metadata block.
func (c *Container) SetVLMeta(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.VLMeta == nil {
		c.meta.VLMeta = map[string][]byte{}
	}
	c.meta.VLMeta[key] = value
	return c.writeHeaderAndMeta()
}

// Close releases the underlying file handle.
func (c *Container) Close() error {
	return c.f.Close()
}

// Info returns the dataset metadata as exposed over /api/info, excluding the
// ETag (which is computed by the caller from the source file, not from this
// container).
func (c *Container) Info() Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	vlmeta := make(map[string][]byte, len(c.meta.VLMeta))
	for k, v := range c.meta.VLMeta {
		vlmeta[k] = append([]byte(nil), v...)
	}
	return Meta{
		Kind:       c.meta.Kind,
		Shape:      append([]int64(nil), c.meta.Shape...),
		DType:      c.meta.DType,
		ChunkShape: append([]int64(nil), c.meta.ChunkShape...),
		ChunkCount: c.meta.ChunkCount,
		ChunkSizes: append([]int64(nil), c.meta.ChunkSizes...),
		VLMeta:     vlmeta,
	}
}
