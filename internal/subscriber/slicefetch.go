package subscriber

import (
	"context"
	"os"

	"caterva2/internal/apierr"
	"caterva2/internal/b2"
	"caterva2/internal/slicegrammar"
)

const maxSliceRestarts = 3

// FetchSlice resolves sliceSpec against (root, path), materializes every
// chunk the region touches, and returns the encoded result plus the
// encoding header value to send (spec.md §4.3 GET /api/fetch). An ETag
// change observed mid-fetch restarts slice resolution against fresh
// metadata, bounded by maxSliceRestarts attempts.
func (s *Subscriber) FetchSlice(ctx context.Context, root, path, sliceSpec string, preferSchunk bool) ([]byte, string, []int64, error) {
	rs, err := s.rootState(root)
	if err != nil {
		return nil, "", nil, err
	}
	d := s.getOrCreateDataset(root, path)

	given, err := slicegrammar.Parse(sliceSpec)
	if err != nil {
		return nil, "", nil, err
	}

	for attempt := 0; attempt < maxSliceRestarts; attempt++ {
		if _, err := s.refreshInfo(rs, d, attempt > 0); err != nil {
			return nil, "", nil, err
		}

		d.mu.RLock()
		shape := d.info.shape
		chunkShape := d.info.chunkShape
		dtype := d.info.dtype
		kind := d.info.kind
		d.mu.RUnlock()

		ranges, err := b2.NormalizeRanges(shape, given)
		if err != nil {
			return nil, "", nil, apierr.Wrap(apierr.CodeSliceUnsupported, "invalid slice for dataset shape", err)
		}
		chunkIdxs, err := b2.ChunksForRanges(shape, chunkShape, ranges)
		if err != nil {
			return nil, "", nil, err
		}

		err = s.sf.ensureChunks(ctx, rs, d, chunkIdxs)
		if err == nil {
			d.mu.RLock()
			data, resultShape, rerr := d.container.ReadSlice(ranges)
			container := d.container
			size := d.sizeBytes
			d.mu.RUnlock()
			if rerr != nil {
				return nil, "", nil, apierr.Wrap(apierr.CodeCorruptChunk, "failed to read slice", rerr)
			}
			if evicted := s.lru.touch(datasetKey(root, path), size); len(evicted) > 0 {
				s.evictDatasets(evicted)
			}

			wireShape := b2.SqueezeIndexedShape(kind, ranges, resultShape)
			payload, enc, eerr := encodeSlice(kind, container, data, wireShape, dtype, preferSchunk, s.cfg.PreferSchunkThresholdBytes)
			if eerr != nil {
				return nil, "", nil, eerr
			}
			return payload, enc, wireShape, nil
		}

		if e, ok := apierr.As(err); ok && e.Code == apierr.CodeEtagMismatch {
			continue // restart with fresh metadata
		}
		return nil, "", nil, err
	}
	return nil, "", nil, apierr.New(apierr.CodeUpstreamUnavailable, "dataset kept changing during fetch, giving up")
}

// Download materializes (root, path) as a self-describing container frame
// (spec.md §4.3 GET /files): the whole dataset when sliceSpec is empty, or a
// freshly built container restricted to sliceSpec otherwise, satisfying the
// round-trip law open(download(D))[:] == local_open(D)[:].
func (s *Subscriber) Download(ctx context.Context, root, path, sliceSpec string) ([]byte, error) {
	rs, err := s.rootState(root)
	if err != nil {
		return nil, err
	}
	d := s.getOrCreateDataset(root, path)
	if _, err := s.refreshInfo(rs, d, false); err != nil {
		return nil, err
	}

	d.mu.RLock()
	shape := d.info.shape
	chunkShape := d.info.chunkShape
	d.mu.RUnlock()

	full := sliceSpec == ""
	var given []b2.Range
	if !full {
		given, err = slicegrammar.Parse(sliceSpec)
		if err != nil {
			return nil, err
		}
	}
	ranges, err := b2.NormalizeRanges(shape, given)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSliceUnsupported, "invalid slice for dataset shape", err)
	}

	chunkIdxs, err := b2.ChunksForRanges(shape, chunkShape, ranges)
	if err != nil {
		return nil, err
	}
	if err := s.sf.ensureChunks(ctx, rs, d, chunkIdxs); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if full {
		return d.container.SerializeCFrame()
	}

	data, resultShape, err := d.container.ReadSlice(ranges)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeCorruptChunk, "failed to read slice", err)
	}
	return materializeFrame(d.info.kind, d.info.dtype, resultShape, data)
}

// materializeFrame builds a one-off container holding exactly data (one
// chunk covering the whole requested region) and returns its serialized
// frame. The temporary file is removed once serialized.
func materializeFrame(kind b2.Kind, dtype string, shape []int64, data []byte) ([]byte, error) {
	tmp, err := os.CreateTemp("", "caterva2-download-*.b2tmp")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	c, err := b2.Create(path, kind, shape, shape, dtype)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := c.WriteChunkRaw(0, data); err != nil {
		return nil, err
	}
	return c.SerializeCFrame()
}
