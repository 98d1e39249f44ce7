package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"caterva2/internal/apierr"
	"caterva2/internal/broker"
	"caterva2/internal/logging"
	"caterva2/internal/notify"
	"caterva2/internal/wire"
)

// Config holds publisher server configuration.
type Config struct {
	Name               string
	RootDir            string
	Addr               string
	BrokerEndpoint     string
	RegistrationSecret string
	IgnorePatterns     []string
	Debounce           time.Duration
	HeartbeatInterval  time.Duration
	Logger             *slog.Logger
}

// Server is the publisher's HTTP server: it exposes one Root over
// GET /api/list, GET /api/info/{path...}, GET /api/chunk/{path...}/{n}, and
// GET /api/changes, and keeps itself registered with the broker.
type Server struct {
	cfg    Config
	root   *DirRoot
	bus    *notify.ChangeBus
	watch  *watcher
	logger *slog.Logger

	httpClient *http.Client

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
}

// New creates a publisher Server over cfg.RootDir.
func New(cfg Config) *Server {
	logger := logging.Default(cfg.Logger).With("component", logging.ComponentPublisher, "root", cfg.Name)
	return &Server{
		cfg:        cfg,
		root:       &DirRoot{Dir: cfg.RootDir, IgnorePatterns: cfg.IgnorePatterns},
		bus:        notify.NewChangeBus(64),
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start binds the listener, starts the filesystem watcher, begins serving,
// and registers with the broker. It returns once the listener is bound.
func (s *Server) Start() error {
	w, err := newWatcher(s.root, s.bus, s.cfg.Debounce, s.logger)
	if err != nil {
		return fmt.Errorf("publisher: start watcher: %w", err)
	}
	s.watch = w
	go w.run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/list", s.handleList)
	mux.HandleFunc("GET /api/info/{path...}", s.handleInfo)
	mux.HandleFunc("GET /api/chunk/{path...}", s.handleChunk)
	mux.HandleFunc("GET /api/changes", s.handleChanges)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		w.stop()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.logger.Info("publisher starting", "addr", ln.Addr().String(), "root_dir", s.cfg.RootDir)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("publisher server error", "error", err)
		}
	}()

	if s.cfg.BrokerEndpoint != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.registrationLoop(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server and watcher down.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.watch != nil {
		s.watch.stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// registrationLoop registers with the broker immediately and then on every
// HeartbeatInterval tick, mirroring the tail ingester's ticker-driven poll
// loop for periodic upkeep.
func (s *Server) registrationLoop(ctx context.Context) {
	s.register()

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.register()
		}
	}
}

func (s *Server) register() {
	ownAddr := s.Addr()
	if ownAddr == "" {
		return
	}
	endpoint := "http://" + ownAddr

	token, err := broker.IssueToken(s.cfg.RegistrationSecret, s.cfg.Name, 5*time.Minute)
	if err != nil {
		s.logger.Warn("failed to issue registration token", "error", err)
		return
	}

	body, _ := json.Marshal(wire.RegisterRequest{Root: s.cfg.Name, Endpoint: endpoint, Token: token})
	resp, err := s.httpClient.Post(s.cfg.BrokerEndpoint+"/api/register", "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("broker registration failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("broker rejected registration", "status", resp.StatusCode)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	paths, err := s.root.Walk()
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeNotFound, "failed to list root", err))
		return
	}
	writeJSON(w, paths)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	meta, etag, err := s.root.Info(path)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, wire.DatasetInfo{
		ETag:       etag,
		Kind:       meta.Kind,
		Shape:      meta.Shape,
		DType:      meta.DType,
		ChunkShape: meta.ChunkShape,
		ChunkCount: meta.ChunkCount,
		ChunkSizes: meta.ChunkSizes,
		VLMeta:     meta.VLMeta,
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	full := r.PathValue("path")
	path, nStr, err := splitChunkPath(full)
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodePathInvalid, "malformed chunk path", err))
		return
	}
	n, err := strconv.Atoi(nStr)
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodePathInvalid, "malformed chunk index", err))
		return
	}
	data, etag, err := s.root.Chunk(path, n)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleChanges streams newline-delimited JSON ChangeBatches over a chunked
// HTTP response until the client disconnects, per spec.md §4.2.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case batch, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(wire.ChangeBatch{ID: batch.ID, Paths: batch.Paths}); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// splitChunkPath splits "<dataset path>/<chunk index>" on the final slash.
func splitChunkPath(full string) (path, n string, err error) {
	idx := -1
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(full)-1 {
		return "", "", fmt.Errorf("expected <path>/<chunk index>, got %q", full)
	}
	return full[:idx], full[idx+1:], nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
