package subscriber

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"caterva2/internal/b2"
	"caterva2/internal/config"
	"caterva2/internal/logging"
	"caterva2/internal/wire"
)

// rootState is the subscriber's view of one root: its cached catalog and
// subscription status.
type rootState struct {
	mu         sync.RWMutex
	info       wire.RootInfo
	subscribed bool
	degraded   bool
	catalog    []string
	client     *publisherClient

	watchCancel context.CancelFunc
}

// Subscriber is the client-facing cache: it discovers publishers via the
// broker, lazily materializes datasets chunk-by-chunk, and serves slice
// requests out of its shadow cache (spec.md §4.3).
type Subscriber struct {
	cfg    config.Subscriber
	broker *brokerClient
	logger *slog.Logger

	mu    sync.Mutex
	roots map[string]*rootState

	datasetsMu sync.Mutex
	datasets   map[string]*dataset // key: "root/path"

	sf *fetcher

	lru *lru
}

// New creates a Subscriber with the given configuration.
func New(cfg config.Subscriber, logger *slog.Logger) *Subscriber {
	logger = logging.Default(logger).With("component", logging.ComponentSubscriber)
	s := &Subscriber{
		cfg:      cfg,
		broker:   newBrokerClient(cfg.BrokerEndpoint),
		logger:   logger,
		roots:    make(map[string]*rootState),
		datasets: make(map[string]*dataset),
		lru:      newLRU(cfg.CacheQuotaBytes),
	}
	s.sf = newFetcher(s, cfg.ChunkFetchConcurrency)
	return s
}

func datasetKey(root, path string) string { return root + "/" + path }

// Close cancels every root's change-subscription watcher. It does not
// close shadow containers; those are opened per dataset on demand and
// closed on eviction.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.roots {
		rs.mu.Lock()
		if rs.watchCancel != nil {
			rs.watchCancel()
			rs.watchCancel = nil
		}
		rs.mu.Unlock()
	}
}

// Roots returns every root known to the broker, annotated with local
// subscription status (spec.md §4.3 GET /api/roots).
func (s *Subscriber) Roots() ([]wire.SubscriberRootStatus, error) {
	known, err := s.broker.roots()
	if err != nil {
		return nil, err
	}
	out := make([]wire.SubscriberRootStatus, 0, len(known))
	for name, info := range known {
		s.mu.Lock()
		rs, ok := s.roots[name]
		s.mu.Unlock()
		status := wire.SubscriberRootStatus{RootInfo: info}
		if ok {
			rs.mu.RLock()
			status.Subscribed = rs.subscribed
			status.Degraded = rs.degraded
			rs.mu.RUnlock()
		}
		out = append(out, status)
	}
	return out, nil
}

// Subscribe begins mirroring root locally: it locates the publisher via the
// broker and fetches its catalog. Idempotent (spec.md §8 invariant 6): a
// second call against an already-subscribed root just refreshes the catalog
// rather than duplicating state.
func (s *Subscriber) Subscribe(root string) error {
	endpoint, err := s.broker.locate(root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rs, ok := s.roots[root]
	if !ok {
		rs = &rootState{info: wire.RootInfo{Name: root, HTTP: endpoint}}
		s.roots[root] = rs
	}
	s.mu.Unlock()

	client := newPublisherClient(endpoint)
	catalog, err := client.list()
	if err != nil {
		rs.mu.Lock()
		rs.degraded = true
		rs.mu.Unlock()
		return err
	}

	rs.mu.Lock()
	rs.info.HTTP = endpoint
	rs.client = client
	rs.catalog = catalog
	rs.subscribed = true
	rs.degraded = false
	alreadyWatching := rs.watchCancel != nil
	rs.mu.Unlock()

	if s.cfg.ChangeSubscription && !alreadyWatching {
		ctx, cancel := context.WithCancel(context.Background())
		rs.mu.Lock()
		rs.watchCancel = cancel
		rs.mu.Unlock()
		go s.watchChanges(ctx, root, rs)
	}
	return nil
}

// watchChanges maintains a push channel to root's publisher for as long as
// the root stays subscribed, per spec.md §4.3 `change_subscription`.
// Reconnects with a fixed short backoff when the stream drops; a received
// batch only invalidates the cached metadata freshness of the named
// datasets (forcing the next Info/fetch to re-validate against the
// publisher) — it never fetches chunks itself, matching spec.md §4.1's
// "consumers must re-fetch metadata and compare ETags".
func (s *Subscriber) watchChanges(ctx context.Context, root string, rs *rootState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rs.mu.RLock()
		client := rs.client
		rs.mu.RUnlock()
		if client == nil {
			return
		}

		batches, err := client.watchChanges(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for batch := range batches {
			s.logger.Debug("change batch received", "root", root, "batch_id", batch.ID, "paths", len(batch.Paths))
			for _, path := range batch.Paths {
				key := datasetKey(root, path)
				s.datasetsMu.Lock()
				d, ok := s.datasets[key]
				s.datasetsMu.Unlock()
				if !ok {
					continue
				}
				d.mu.Lock()
				d.info.valid = false
				d.mu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// Catalog returns the cached file list for an already-subscribed root.
func (s *Subscriber) Catalog(root string) ([]string, error) {
	rs, err := s.rootState(root)
	if err != nil {
		return nil, err
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.catalog, nil
}

func (s *Subscriber) rootState(root string) (*rootState, error) {
	s.mu.Lock()
	rs, ok := s.roots[root]
	s.mu.Unlock()
	if !ok {
		return nil, notSubscribedErr(root)
	}
	return rs, nil
}

// Info returns cached metadata for (root, path), refreshing it from the
// publisher if stale (older than EtagRevalidationIntervalSeconds) or never
// fetched.
func (s *Subscriber) Info(root, path string) (wire.DatasetInfo, error) {
	rs, err := s.rootState(root)
	if err != nil {
		return wire.DatasetInfo{}, err
	}
	d := s.getOrCreateDataset(root, path)
	return s.refreshInfo(rs, d, false)
}

func (s *Subscriber) getOrCreateDataset(root, path string) *dataset {
	key := datasetKey(root, path)
	s.datasetsMu.Lock()
	defer s.datasetsMu.Unlock()
	if d, ok := s.datasets[key]; ok {
		return d
	}
	containerPath, sidecarPath := datasetPaths(s.cfg.CacheDir, root, path)
	d := &dataset{root: root, path: path, containerPath: containerPath, sidecarPath: sidecarPath}
	if m, ok := loadSidecar(sidecarPath); ok {
		d.etag = m.ETag
		d.present = make(map[int]bool, len(m.PresentChunks))
		for _, n := range m.PresentChunks {
			d.present[n] = true
		}
		if c, err := b2.Open(containerPath); err == nil {
			d.container = c
		}
	} else {
		d.present = make(map[int]bool)
	}
	s.datasets[key] = d
	return d
}

// refreshInfo fetches current metadata/ETag from the publisher and
// invalidates the dataset's chunk cache if the ETag changed. force skips the
// revalidation-interval freshness check.
func (s *Subscriber) refreshInfo(rs *rootState, d *dataset, force bool) (wire.DatasetInfo, error) {
	d.mu.RLock()
	fresh := !force && d.info.valid && time.Since(d.lastAccess) < s.revalidationInterval()
	cachedInfo := d.info
	cachedETag := d.etag
	d.mu.RUnlock()
	if fresh {
		return toWireInfo(cachedETag, cachedInfo), nil
	}

	rs.mu.RLock()
	client := rs.client
	rs.mu.RUnlock()
	if client == nil {
		return wire.DatasetInfo{}, notSubscribedErr(rs.info.Name)
	}

	remote, err := client.info(d.path)
	if err != nil {
		return wire.DatasetInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	newInfo := wireInfoCache{
		valid:      true,
		kind:       remote.Kind,
		shape:      remote.Shape,
		dtype:      remote.DType,
		chunkShape: remote.ChunkShape,
		chunkCount: remote.ChunkCount,
		chunkSizes: remote.ChunkSizes,
	}
	if remote.Kind == b2.KindFile {
		// spec.md §4.1 leaves shape/dtype empty on the wire for opaque
		// files; synthesize a degenerate 1-D byte container locally so the
		// shadow cache and slice engine can treat every dataset uniformly.
		size := remote.ChunkSizes[0]
		newInfo.shape = []int64{size}
		newInfo.chunkShape = []int64{size}
		newInfo.dtype = "uint8"
	}
	if d.etag != remote.ETag || d.container == nil {
		if err := d.invalidate(remote.ETag, newInfo); err != nil {
			return wire.DatasetInfo{}, err
		}
	} else {
		d.info = newInfo
	}
	d.lastAccess = time.Now()
	return remote, nil
}

// evictDatasets drops keys from the in-memory dataset table and removes
// their shadow container and sidecar from disk, per the lru's quota
// decision. Keys no longer tracked (already evicted concurrently) are
// skipped.
func (s *Subscriber) evictDatasets(keys []string) {
	s.datasetsMu.Lock()
	defer s.datasetsMu.Unlock()
	for _, key := range keys {
		d, ok := s.datasets[key]
		if !ok {
			continue
		}
		d.mu.Lock()
		if d.container != nil {
			d.container.Close()
			d.container = nil
		}
		evictDatasetFiles(d.containerPath, d.sidecarPath)
		d.mu.Unlock()
		delete(s.datasets, key)
	}
}

func (s *Subscriber) revalidationInterval() time.Duration {
	if s.cfg.EtagRevalidationIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(s.cfg.EtagRevalidationIntervalSeconds) * time.Second
}

func toWireInfo(etag string, c wireInfoCache) wire.DatasetInfo {
	return wire.DatasetInfo{
		ETag:       etag,
		Kind:       c.kind,
		Shape:      c.shape,
		DType:      c.dtype,
		ChunkShape: c.chunkShape,
		ChunkCount: c.chunkCount,
		ChunkSizes: c.chunkSizes,
	}
}

