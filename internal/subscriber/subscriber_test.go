package subscriber

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"caterva2/internal/b2"
	"caterva2/internal/config"
	"caterva2/internal/publisher"
	"caterva2/internal/wire"
)

// newTestPublisher starts a real publisher.Server over dir with no broker
// registration (BrokerEndpoint left empty), returning its base URL.
func newTestPublisher(t *testing.T, dir string) string {
	t.Helper()
	srv := publisher.New(publisher.Config{Name: "root1", RootDir: dir, Addr: "127.0.0.1:0", Debounce: 50 * time.Millisecond})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })
	return "http://" + srv.Addr()
}

// newTestBroker serves GET /api/roots and GET /api/locate/{root} over a
// fixed root-name -> publisher-endpoint mapping.
func newTestBroker(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/roots", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]wire.RootInfo, len(routes))
		for name, endpoint := range routes {
			out[name] = wire.RootInfo{Name: name, HTTP: endpoint}
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /api/locate/{root}", func(w http.ResponseWriter, r *http.Request) {
		endpoint, ok := routes[r.PathValue("root")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(wire.LocateResponse{Endpoint: endpoint})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestSubscriber(t *testing.T, brokerURL string) *Subscriber {
	t.Helper()
	cfg := config.DefaultSubscriber()
	cfg.BrokerEndpoint = brokerURL
	cfg.CacheDir = t.TempDir()
	return New(cfg, nil)
}

// writeFrameFixture builds a 1-D byte-stream container of the given content
// under dir/name, the way an offline import would populate one.
func writeFrameFixture(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	size := int64(len(content))
	c, err := b2.Create(path, b2.KindB2Frame, []int64{size}, []int64{size}, "uint8")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.WriteChunkRaw(0, content); err != nil {
		t.Fatal(err)
	}
}

// writeNDFixture builds a KindB2ND container of the given shape under
// dir/name, as a single chunk covering the whole shape so every row-major
// byte offset is its own chunk-relative index, filled with sequential byte
// values.
func writeNDFixture(t *testing.T, dir, name string, shape []int64) {
	t.Helper()
	path := filepath.Join(dir, name)
	c, err := b2.Create(path, b2.KindB2ND, shape, shape, "uint8")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i)
	}
	if err := c.WriteChunkRaw(0, content); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFrameFixture(t, dir, "ds.b2frame", []byte("abcde"))
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)

	if err := sub.Subscribe("root1"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	catalog, err := sub.Catalog("root1")
	if err != nil {
		t.Fatal(err)
	}
	if len(catalog) != 1 || catalog[0] != "ds.b2frame" {
		t.Fatalf("catalog = %v", catalog)
	}
}

func TestFetchSliceSingleByteFromFrame(t *testing.T) {
	dir := t.TempDir()
	writeFrameFixture(t, dir, "ds.b2frame", []byte("abcde"))
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	payload, enc, shape, err := sub.FetchSlice(t.Context(), "root1", "ds.b2frame", "1", false)
	if err != nil {
		t.Fatal(err)
	}
	if enc != wire.EncodingMsgpack {
		t.Fatalf("encoding = %q", enc)
	}
	if len(shape) != 1 || shape[0] != 1 {
		t.Fatalf("shape = %v", shape)
	}
	var decoded fetchPayload
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded.Data) != "b" {
		t.Fatalf("data = %q, want %q", decoded.Data, "b")
	}
}

// TestFetchSliceSqueezesIndexedDimOnND checks spec.md §9's Design Note: a
// bare integer index on a .b2nd dataset drops that dimension from the
// reported shape entirely, unlike an explicit one-element range.
func TestFetchSliceSqueezesIndexedDimOnND(t *testing.T) {
	dir := t.TempDir()
	writeNDFixture(t, dir, "grid.b2nd", []int64{3, 4})
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	_, _, shape, err := sub.FetchSlice(t.Context(), "root1", "grid.b2nd", "1,2", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(shape) != 0 {
		t.Fatalf("shape for a fully-indexed dataset = %v, want a 0-D (empty) shape", shape)
	}

	_, _, shape, err = sub.FetchSlice(t.Context(), "root1", "grid.b2nd", "1,2:3", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(shape) != 1 || shape[0] != 1 {
		t.Fatalf("shape for one indexed + one explicit one-element dim = %v, want [1]", shape)
	}
}

func TestFetchSliceOpaqueFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	payload, _, _, err := sub.FetchSlice(t.Context(), "root1", "notes.txt", "0:5", false)
	if err != nil {
		t.Fatal(err)
	}
	var decoded fetchPayload
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded.Data) != "hello" {
		t.Fatalf("data = %q, want %q", decoded.Data, "hello")
	}
}

func TestDownloadWholeAndSlicedFile(t *testing.T) {
	dir := t.TempDir()
	writeFrameFixture(t, dir, "ds.b2frame", []byte("abcdefghij"))
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	full, err := sub.Download(t.Context(), "root1", "ds.b2frame", "")
	if err != nil {
		t.Fatal(err)
	}
	frame, err := b2.DeserializeCFrame(filepath.Join(t.TempDir(), "round.b2frame"), full)
	if err != nil {
		t.Fatal(err)
	}
	defer frame.Close()
	data, _, err := frame.ReadSlice(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abcdefghij" {
		t.Fatalf("round-tripped whole download = %q", data)
	}

	sliced, err := sub.Download(t.Context(), "root1", "ds.b2frame", "2:5")
	if err != nil {
		t.Fatal(err)
	}
	slicedFrame, err := b2.DeserializeCFrame(filepath.Join(t.TempDir(), "sliced.b2frame"), sliced)
	if err != nil {
		t.Fatal(err)
	}
	defer slicedFrame.Close()
	slicedData, _, err := slicedFrame.ReadSlice(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(slicedData) != "cde" {
		t.Fatalf("sliced download = %q, want %q", slicedData, "cde")
	}
}

// countingProxy forwards every request to target and increments hits for
// any request path containing "/api/chunk/".
func countingProxy(t *testing.T, target string) (*httptest.Server, *int64) {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	var hits int64
	proxy := httputil.NewSingleHostReverseProxy(u)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/api/chunk/") {
			atomic.AddInt64(&hits, 1)
		}
		proxy.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func TestFetchSliceDedupesConcurrentChunkFetches(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	writeFrameFixture(t, dir, "ds.b2frame", content)
	pubURL := newTestPublisher(t, dir)
	proxy, hits := countingProxy(t, pubURL)
	broker := newTestBroker(t, map[string]string{"root1": proxy.URL})
	sub := newTestSubscriber(t, broker.URL)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	const concurrency = 10
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := sub.FetchSlice(t.Context(), "root1", "ds.b2frame", "0:100", false)
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent FetchSlice failed: %v", err)
	}

	// The container's single chunk spans the whole 100-byte frame, so every
	// concurrent request needs exactly chunk 0; singleflight coalescing
	// should produce exactly one outbound /api/chunk/ request regardless of
	// how many callers asked for an overlapping region concurrently.
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Fatalf("chunk fetch count = %d, want 1", got)
	}
}

func TestFetchSliceRefetchesAfterETagChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds.b2frame")
	writeFrameFixture(t, dir, "ds.b2frame", []byte("aaaaa"))
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})
	sub := newTestSubscriber(t, broker.URL)
	sub.cfg.EtagRevalidationIntervalSeconds = 0 // always revalidate, to observe the change immediately
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	payload1, _, _, err := sub.FetchSlice(t.Context(), "root1", "ds.b2frame", "0:5", false)
	if err != nil {
		t.Fatal(err)
	}
	var d1 fetchPayload
	msgpack.Unmarshal(payload1, &d1)
	if string(d1.Data) != "aaaaa" {
		t.Fatalf("initial data = %q", d1.Data)
	}

	// Ensure the mtime-based ETag actually advances, then rewrite the
	// dataset in place with different content.
	time.Sleep(10 * time.Millisecond)
	os.Remove(path)
	writeFrameFixture(t, dir, "ds.b2frame", []byte("bbbbb"))

	payload2, _, _, err := sub.FetchSlice(t.Context(), "root1", "ds.b2frame", "0:5", false)
	if err != nil {
		t.Fatal(err)
	}
	var d2 fetchPayload
	msgpack.Unmarshal(payload2, &d2)
	if string(d2.Data) != "bbbbb" {
		t.Fatalf("refetched data = %q, want %q", d2.Data, "bbbbb")
	}
}

func TestLRUEvictionReclaimsDiskSpace(t *testing.T) {
	dir := t.TempDir()
	// Pseudo-random, incompressible content: a constant or sequential
	// pattern would shrink to near-nothing under zstd, letting both
	// datasets fit well under quota and never trigger eviction.
	rng := rand.New(rand.NewSource(1))
	contentA := make([]byte, 50)
	contentB := make([]byte, 50)
	rng.Read(contentA)
	rng.Read(contentB)
	writeFrameFixture(t, dir, "a.b2frame", contentA)
	writeFrameFixture(t, dir, "b.b2frame", contentB)
	pubURL := newTestPublisher(t, dir)
	broker := newTestBroker(t, map[string]string{"root1": pubURL})

	cfg := config.DefaultSubscriber()
	cfg.BrokerEndpoint = broker.URL
	cfg.CacheDir = t.TempDir()
	cfg.CacheQuotaBytes = 60 // only one ~50-byte dataset fits at a time
	sub := New(cfg, nil)
	if err := sub.Subscribe("root1"); err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := sub.FetchSlice(t.Context(), "root1", "a.b2frame", "0:50", false); err != nil {
		t.Fatal(err)
	}
	aContainer, aSidecar := datasetPaths(cfg.CacheDir, "root1", "a.b2frame")
	if _, err := os.Stat(aContainer); err != nil {
		t.Fatalf("expected a's container on disk: %v", err)
	}

	if _, _, _, err := sub.FetchSlice(t.Context(), "root1", "b.b2frame", "0:50", false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(aContainer); !os.IsNotExist(err) {
		t.Fatalf("expected a's container evicted after quota exceeded, stat err = %v", err)
	}
	if _, err := os.Stat(aSidecar); !os.IsNotExist(err) {
		t.Fatalf("expected a's sidecar evicted, stat err = %v", err)
	}

	sub.datasetsMu.Lock()
	_, stillTracked := sub.datasets[datasetKey("root1", "a.b2frame")]
	sub.datasetsMu.Unlock()
	if stillTracked {
		t.Fatal("expected evicted dataset removed from in-memory table")
	}
}
