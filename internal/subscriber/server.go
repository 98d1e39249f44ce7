package subscriber

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"caterva2/internal/apierr"
	"caterva2/internal/config"
	"caterva2/internal/logging"
)

// Server is the subscriber's client-facing HTTP server.
type Server struct {
	sub    *Subscriber
	cfg    config.Subscriber
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates a subscriber HTTP Server over sub.
func NewServer(sub *Subscriber, cfg config.Subscriber, logger *slog.Logger) *Server {
	return &Server{sub: sub, cfg: cfg, logger: logging.Default(logger).With("component", "subscriber.server")}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/roots", s.handleRoots)
	mux.HandleFunc("POST /api/subscribe/{root}", s.handleSubscribe)
	mux.HandleFunc("GET /api/list/{root}", s.handleList)
	mux.HandleFunc("GET /api/info/{root}/{path...}", s.handleInfo)
	mux.HandleFunc("GET /api/fetch/{root}/{path...}", s.handleFetch)
	mux.HandleFunc("GET /files/{root}/{path...}", s.handleFiles)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.logger.Info("subscriber starting", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("subscriber server error", "error", err)
		}
	}()
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

// Stop cancels any change-subscription watchers the subscriber holds open
// against publishers, then closes the listener and all open connections
// immediately.
func (s *Server) Stop() error {
	s.sub.Close()
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.sub.Roots()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, roots)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	if err := s.sub.Subscribe(root); err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, "Ok")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	catalog, err := s.sub.Catalog(root)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, catalog)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	path := r.PathValue("path")
	info, err := s.sub.Info(root, path)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	path := r.PathValue("path")
	sliceSpec := r.URL.Query().Get("slice_")
	preferSchunk, _ := strconv.ParseBool(r.URL.Query().Get("prefer_schunk"))

	data, encoding, _, err := s.sub.FetchSlice(r.Context(), root, path, sliceSpec, preferSchunk)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	w.Header().Set("X-Caterva2-Encoding", encoding)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleFiles downloads a whole dataset, or a sliced materialization of it
// when the path carries a "[slice]" suffix between stem and extension
// (spec.md §4.3, §6).
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	rawPath := r.PathValue("path")

	path, sliceSpec, _ := splitSliceSuffix(rawPath)

	frame, err := s.sub.Download(r.Context(), root, path, sliceSpec)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(frame)
}

// splitSliceSuffix extracts a "[slice]" suffix inserted between a path's
// stem and extension, e.g. "ds-1d[1:10].b2nd" -> ("ds-1d.b2nd", "1:10", true).
func splitSliceSuffix(path string) (clean, sliceSpec string, ok bool) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	open := strings.LastIndex(stem, "[")
	if open < 0 || !strings.HasSuffix(stem, "]") {
		return path, "", false
	}
	sliceSpec = stem[open+1 : len(stem)-1]
	clean = stem[:open] + ext
	return clean, sliceSpec, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
