package subscriber

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"caterva2/internal/apierr"
)

const (
	maxFetchAttempts = 3
	initialBackoff   = 100 * time.Millisecond
)

// fetcher materializes missing chunks from a dataset's publisher. A single
// singleflight.Group, keyed "root/path#chunk", ensures at most one in-flight
// publisher request per (dataset, chunk) across all concurrent slice
// requests (spec.md §4.3 step 1, §5, §8 invariant 3). Per-dataset
// concurrency is capped by an errgroup.Group with SetLimit.
type fetcher struct {
	sub         *Subscriber
	group       singleflight.Group
	concurrency int
	limiter     *rate.Limiter
}

func newFetcher(sub *Subscriber, concurrency int) *fetcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &fetcher{
		sub:         sub,
		concurrency: concurrency,
		// Paces retry attempts across the whole subscriber process; a burst
		// of 1 keeps backoff timing from racing ahead of the configured rate.
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	}
}

// ensureChunks materializes every chunk in need (not already present under
// the dataset's current ETag) for the given (root, path), fetching up to
// f.concurrency chunks in parallel. On an ETag mismatch mid-fetch it
// invalidates the dataset and returns a retryable error; the caller is
// expected to recompute the chunk set against the refreshed metadata and
// call ensureChunks again (spec.md §4.3 step 3's "restart from step 1").
func (f *fetcher) ensureChunks(ctx context.Context, rs *rootState, d *dataset, chunkIdxs []int) error {
	d.mu.RLock()
	var need []int
	for _, n := range chunkIdxs {
		if !d.hasChunk(n) {
			need = append(need, n)
		}
	}
	d.mu.RUnlock()
	if len(need) == 0 {
		return nil
	}

	rs.mu.RLock()
	client := rs.client
	rs.mu.RUnlock()
	if client == nil {
		return notSubscribedErr(rs.info.Name)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, n := range need {
		n := n
		g.Go(func() error {
			return f.fetchOne(gctx, rs, d, client, n)
		})
	}
	return g.Wait()
}

func (f *fetcher) fetchOne(ctx context.Context, rs *rootState, d *dataset, client *publisherClient, n int) error {
	key := datasetKey(d.root, d.path) + "#" + strconv.Itoa(n)
	v, err, _ := f.group.Do(key, func() (any, error) {
		// A caller that saw the chunk missing may only get here after an
		// earlier flight for the same key has already stored it.
		d.mu.RLock()
		present := d.hasChunk(n)
		d.mu.RUnlock()
		if present {
			return nil, nil
		}
		return nil, f.fetchWithRetry(ctx, rs, d, client, n)
	})
	_ = v
	return err
}

func (f *fetcher) fetchWithRetry(ctx context.Context, rs *rootState, d *dataset, client *publisherClient, n int) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		d.mu.RLock()
		expectedETag := d.etag
		d.mu.RUnlock()

		data, etag, err := client.chunk(d.path, n)
		if err != nil {
			lastErr = err
			continue
		}
		if etag != expectedETag {
			// Publisher content moved on; invalidate and signal the caller
			// to recompute chunks against fresh metadata rather than
			// silently blending old and new chunk generations.
			if _, refreshErr := f.sub.refreshInfo(rs, d, true); refreshErr != nil {
				return refreshErr
			}
			return apierr.New(apierr.CodeEtagMismatch, "dataset changed during fetch, retry with fresh metadata")
		}

		d.mu.Lock()
		err = d.storeChunk(n, data)
		d.mu.Unlock()
		if err != nil {
			lastErr = apierr.Wrap(apierr.CodeCorruptChunk, "failed to store fetched chunk", err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = apierr.New(apierr.CodeUpstreamUnavailable, "publisher unreachable after retries")
	}
	if e, ok := apierr.As(lastErr); ok && e.Code == apierr.CodeEtagMismatch {
		return lastErr
	}
	return apierr.Wrap(apierr.CodeUpstreamUnavailable, "chunk fetch failed after retries", lastErr)
}
