package broker

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"caterva2/internal/apierr"
	"caterva2/internal/logging"
	"caterva2/internal/wire"
)

// Config holds broker server configuration.
type Config struct {
	Addr               string
	RegistrationSecret string
	HeartbeatTimeout   time.Duration
	Logger             *slog.Logger
}

// Server is the broker's HTTP(+WS) server. It is intentionally thin: all
// state lives in Registry, the way the teacher's internal/server delegates
// persistence to a separate Store.
type Server struct {
	cfg      Config
	registry *Registry
	bus      *Bus
	verifier *TokenVerifier
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a broker Server.
func New(cfg Config) *Server {
	logger := logging.Default(cfg.Logger).With("component", logging.ComponentBroker)
	bus := NewBus(logger)
	return &Server{
		cfg:      cfg,
		bus:      bus,
		registry: NewRegistry(bus, logger),
		verifier: NewTokenVerifier(cfg.RegistrationSecret),
		logger:   logger,
	}
}

// Start binds the listener and begins serving. It returns once the listener
// is bound; HTTP serving runs in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/roots", s.handleRoots)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /api/locate/{root}", s.handleLocate)
	mux.HandleFunc("GET /api/bus", s.bus.ServeHTTP)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	if s.cfg.HeartbeatTimeout > 0 {
		go s.expireLoop()
	}

	s.logger.Info("broker starting", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("broker server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) expireLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatTimeout / 2)
	defer ticker.Stop()
	for range ticker.C {
		s.registry.Expire(s.cfg.HeartbeatTimeout)
	}
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

// Stop closes the listener and all open connections immediately.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	roots := s.registry.Roots()
	out := make(map[string]wire.RootInfo, len(roots))
	for _, ri := range roots {
		out[ri.Name] = ri
	}
	writeJSON(w, out)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodePathInvalid, "invalid register body", err))
		return
	}
	if req.Root == "" || req.Endpoint == "" {
		apierr.Write(w, apierr.New(apierr.CodePathInvalid, "root and endpoint are required"))
		return
	}
	if err := s.verifier.Verify(req.Token, req.Root); err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeAuthRejected, "registration token rejected", err))
		return
	}

	prior := s.registry.Register(req.Root, req.Endpoint)
	writeJSON(w, wire.RegisterResponse{PriorEndpoint: prior})
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	root := r.PathValue("root")
	endpoint, ok := s.registry.Locate(root)
	if !ok {
		apierr.Write(w, apierr.New(apierr.CodeNotFound, "unknown root: "+root))
		return
	}
	writeJSON(w, wire.LocateResponse{Endpoint: endpoint})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
