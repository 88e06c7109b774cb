package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loopengine/loopagent/internal/catalog"
	"github.com/loopengine/loopagent/internal/media"
	"github.com/loopengine/loopagent/internal/playback"
)

// maxUploadBytes caps a multipart ingest request.
const maxUploadBytes = 4 << 30

// Server binds the API to loopback only.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

type ServerConfig struct {
	Port           int
	CatalogService catalog.CatalogService
	PlaybackServer playback.PlaybackService
	Repository     ConfigStore
	Runner         *catalog.Runner
	Doctor         *media.CachedDoctor
	Logger         *slog.Logger
	StartTime      time.Time
	DeviceID       string
	Version        string
	AllowedOrigins []string
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)),
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			// Uploads and media streams can be long; only idle keep-alives are bounded tightly.
			ReadTimeout:  15 * time.Minute,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Listen binds the socket without serving, so a port conflict surfaces
// before the caller moves on. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("starting HTTP server", "addr", s.Addr())
	err := s.httpServer.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)

	// A listener that never reached Serve is not tracked by http.Server.
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	return err
}

// Addr reports the bound address once listening, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
