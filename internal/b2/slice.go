package b2

import "fmt"

// Range is a half-open, step-1 index range [Lo, Hi) along one dimension.
// An integer index i is represented as Range{Lo: i, Hi: i + 1, IsIndex: true};
// IsIndex distinguishes that from an explicit one-element range ("i:i+1"),
// which covers the same elements but must not be squeezed out of a result's
// shape (spec.md §9 Design Note: a bare integer index collapses its
// dimension on a KindB2ND dataset, an explicit range never does).
type Range struct {
	Lo, Hi  int64
	IsIndex bool
}

// NormalizeRanges fills in a full per-dimension range list from a possibly
// shorter slice spec (spec.md: "absent dimensions default to the full
// extent"), clamping Hi to shape[d] and rejecting negative or inverted
// ranges. It does not reject anything about step — callers parsing the wire
// grammar reject step≠1 earlier, before a Range ever exists.
func NormalizeRanges(shape []int64, given []Range) ([]Range, error) {
	out := make([]Range, len(shape))
	for d := range shape {
		if d < len(given) {
			r := given[d]
			if r.Lo < 0 || r.Hi < r.Lo {
				return nil, fmt.Errorf("b2: invalid range at dim %d: [%d,%d)", d, r.Lo, r.Hi)
			}
			hi := r.Hi
			if hi > shape[d] {
				hi = shape[d]
			}
			lo := r.Lo
			if lo > hi {
				lo = hi
			}
			out[d] = Range{Lo: lo, Hi: hi, IsIndex: r.IsIndex}
		} else {
			out[d] = Range{Lo: 0, Hi: shape[d]}
		}
	}
	return out, nil
}

// ChunksForRanges computes the set of chunk linear indices intersecting the
// given per-dimension ranges, linearized in row-major order — spec.md's
// "key algorithm" (§4.3 Slice → chunk resolution).
func ChunksForRanges(shape, chunkShape []int64, ranges []Range) ([]int, error) {
	grid, err := ChunkGrid(shape, chunkShape)
	if err != nil {
		return nil, err
	}
	if len(ranges) != len(shape) {
		return nil, ErrDimMismatch
	}

	lo := make([]int64, len(shape))
	hi := make([]int64, len(shape)) // exclusive chunk-coordinate bound
	for d := range shape {
		if ranges[d].Hi <= ranges[d].Lo {
			return nil, nil // empty region, no chunks needed
		}
		lo[d] = ranges[d].Lo / chunkShape[d]
		hi[d] = ceilDiv(ranges[d].Hi, chunkShape[d])
	}

	var out []int
	coord := make([]int64, len(shape))
	copy(coord, lo)
	for {
		out = append(out, LinearChunkIndex(grid, coord))
		// odometer increment, last dimension fastest (row-major).
		d := len(shape) - 1
		for d >= 0 {
			coord[d]++
			if coord[d] < hi[d] {
				break
			}
			coord[d] = lo[d]
			d--
		}
		if d < 0 {
			break
		}
	}
	return out, nil
}

// ReadSlice decompresses and extracts the sub-array covering ranges,
// returning its bytes in row-major order together with the resulting shape.
// Every chunk the region touches must already be present; callers
// (the subscriber) are responsible for materializing missing chunks first —
// ReadSlice never fetches over the network.
func (c *Container) ReadSlice(ranges []Range) ([]byte, []int64, error) {
	shape := c.Shape()
	chunkShape := c.ChunkShape()
	ranges, err := NormalizeRanges(shape, ranges)
	if err != nil {
		return nil, nil, err
	}
	itemSize, err := DTypeSize(c.DType())
	if err != nil {
		return nil, nil, err
	}

	resultShape := make([]int64, len(shape))
	for d := range shape {
		resultShape[d] = ranges[d].Hi - ranges[d].Lo
	}
	resultLen := product(resultShape) * int64(itemSize)
	dst := make([]byte, resultLen)
	if resultLen == 0 {
		return dst, resultShape, nil
	}

	grid, err := ChunkGrid(shape, chunkShape)
	if err != nil {
		return nil, nil, err
	}

	chunkIdxs, err := ChunksForRanges(shape, chunkShape, ranges)
	if err != nil {
		return nil, nil, err
	}

	dstStrides := rowMajorStrides(resultShape)
	for _, idx := range chunkIdxs {
		coord := ChunkCoord(grid, idx)
		extent := ChunkExtent(shape, chunkShape, coord)
		raw, err := c.ReadChunkRaw(idx)
		if err != nil {
			return nil, nil, err
		}
		srcStrides := rowMajorStrides(extent)

		// Overlap of this chunk's extent with the requested ranges, in
		// both chunk-local and result-local coordinates.
		overlapLen := make([]int64, len(shape))
		srcStart := make([]int64, len(shape))
		dstStart := make([]int64, len(shape))
		skip := false
		for d := range shape {
			chunkBase := coord[d] * chunkShape[d]
			lo := maxI64(ranges[d].Lo, chunkBase)
			hi := minI64(ranges[d].Hi, chunkBase+extent[d])
			if hi <= lo {
				skip = true
				break
			}
			overlapLen[d] = hi - lo
			srcStart[d] = lo - chunkBase
			dstStart[d] = lo - ranges[d].Lo
		}
		if skip {
			continue
		}
		copyNDRegion(dst, dstStrides, dstStart, raw, srcStrides, srcStart, overlapLen, itemSize)
	}
	return dst, resultShape, nil
}

func rowMajorStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}
	return strides
}

// copyNDRegion copies an N-dimensional box of `length[d]` elements per
// dimension from src (at srcStart, with srcStrides) into dst (at dstStart,
// with dstStrides), itemSize bytes per element. The innermost (fastest,
// row-major last) dimension is copied as one contiguous run per iteration.
func copyNDRegion(dst []byte, dstStrides, dstStart []int64, src []byte, srcStrides, srcStart, length []int64, itemSize int) {
	n := len(length)
	if n == 0 {
		copy(dst, src[:itemSize])
		return
	}
	idx := make([]int64, n)
	for {
		dstOff := int64(0)
		srcOff := int64(0)
		for d := 0; d < n; d++ {
			dstOff += (dstStart[d] + idx[d]) * dstStrides[d]
			srcOff += (srcStart[d] + idx[d]) * srcStrides[d]
		}
		do := dstOff * int64(itemSize)
		so := srcOff * int64(itemSize)
		ln := length[n-1] * int64(itemSize)
		copy(dst[do:do+ln], src[so:so+ln])

		// Advance all but the innermost dimension, which the copy above
		// already consumed in one contiguous run.
		d := n - 2
		for d >= 0 {
			idx[d]++
			if idx[d] < length[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			break
		}
	}
}

// SqueezeIndexedShape drops dimensions indexed by a bare integer from shape,
// per spec.md §9 Design Note: a KindB2ND result loses a dimension for every
// ranges[d].IsIndex, collapsing to 0-D when every dimension was indexed.
// KindB2Frame (and KindFile) datasets are never squeezed — their single
// dimension stays a 1-byte result, matching the byte-stream semantics spec.md
// defines for those kinds.
func SqueezeIndexedShape(kind Kind, ranges []Range, shape []int64) []int64 {
	if kind != KindB2ND {
		return shape
	}
	out := make([]int64, 0, len(shape))
	for d, dim := range shape {
		if d < len(ranges) && ranges[d].IsIndex {
			continue
		}
		out = append(out, dim)
	}
	return out
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
