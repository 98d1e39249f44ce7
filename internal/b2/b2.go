// Package b2 implements the directory-native chunked container format that
// Caterva2 datasets are built on: fixed-count, independently zstd-compressed
// chunks plus a variable-length metadata ("vlmeta") layer, addressed by a
// row-major chunk grid. It stands in for the external chunked-binary format
// library that spec.md's publisher and subscriber treat as a collaborator —
// opening a file, reading/writing one chunk's opaque compressed bytes at a
// time, and decompressing only when a caller asks for a decoded slice.
//
// Three dataset kinds share this file layout:
//   - KindB2ND:    N-dimensional, shape/chunk-shape both length-N
//   - KindB2Frame: 1-D byte-addressable stream (chunk-shape length 1)
//   - KindFile:    an opaque byte sequence with exactly one logical chunk
package b2

import "errors"

// Kind identifies which dataset flavor a container holds.
type Kind string

const (
	KindB2ND    Kind = "b2nd"
	KindB2Frame Kind = "b2frame"
	KindFile    Kind = "file"
)

var (
	ErrChunkNotPresent = errors.New("b2: chunk not present")
	ErrChunkIndex      = errors.New("b2: chunk index out of range")
	ErrCorrupt         = errors.New("b2: corrupt container")
	ErrDimMismatch     = errors.New("b2: shape/chunk-shape dimension mismatch")
	ErrUnknownDType    = errors.New("b2: unknown dtype")
)

// DTypeSize returns the item size in bytes for a supported dtype string.
// Supported dtypes mirror the small numeric set the pytest harness and the
// original HDF5 importer actually exercise; anything else is rejected at
// Create time rather than guessed at.
func DTypeSize(dtype string) (int, error) {
	switch dtype {
	case "int8", "uint8", "bool":
		return 1, nil
	case "int16", "uint16":
		return 2, nil
	case "int32", "uint32", "float32":
		return 4, nil
	case "int64", "uint64", "float64":
		return 8, nil
	default:
		return 0, ErrUnknownDType
	}
}

// Meta is the publisher-facing metadata for a dataset, independent of any
// on-disk representation. It is what /api/info marshals to JSON.
type Meta struct {
	Kind       Kind              `json:"kind"`
	Shape      []int64           `json:"shape,omitempty"`
	DType      string            `json:"dtype,omitempty"`
	ChunkShape []int64           `json:"chunk_shape,omitempty"`
	ChunkCount int               `json:"chunk_count"`
	ChunkSizes []int64           `json:"chunk_sizes,omitempty"` // uncompressed size per chunk
	VLMeta     map[string][]byte `json:"vlmeta"`
}

// ChunkGrid returns, for each dimension, the number of chunks covering shape
// along that dimension (ceil(shape[d] / chunkShape[d])).
func ChunkGrid(shape, chunkShape []int64) ([]int64, error) {
	if len(shape) != len(chunkShape) {
		return nil, ErrDimMismatch
	}
	grid := make([]int64, len(shape))
	for d := range shape {
		if chunkShape[d] <= 0 {
			return nil, ErrDimMismatch
		}
		grid[d] = ceilDiv(shape[d], chunkShape[d])
	}
	return grid, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ChunkExtent returns the actual (possibly truncated at the boundary) extent
// of chunk grid-coordinate `coord` along each dimension.
func ChunkExtent(shape, chunkShape, coord []int64) []int64 {
	extent := make([]int64, len(shape))
	for d := range shape {
		start := coord[d] * chunkShape[d]
		end := start + chunkShape[d]
		if end > shape[d] {
			end = shape[d]
		}
		extent[d] = end - start
	}
	return extent
}

// LinearChunkIndex maps chunk grid coordinates to the row-major linear chunk
// index used for addressing (the same convention spec.md requires the
// slice-to-chunk resolver to use).
func LinearChunkIndex(grid, coord []int64) int {
	idx := int64(0)
	for d := range grid {
		idx = idx*grid[d] + coord[d]
	}
	return int(idx)
}

// ChunkCoord is the inverse of LinearChunkIndex.
func ChunkCoord(grid []int64, linear int) []int64 {
	coord := make([]int64, len(grid))
	rem := int64(linear)
	for d := len(grid) - 1; d >= 0; d-- {
		coord[d] = rem % grid[d]
		rem /= grid[d]
	}
	return coord
}

func product(dims []int64) int64 {
	p := int64(1)
	for _, d := range dims {
		p *= d
	}
	return p
}
