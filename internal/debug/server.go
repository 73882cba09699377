// Package debug serves health, Prometheus metrics and store statistics on
// a local HTTP address.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	intsync "github.com/parkdog/msgsync/internal/sync"
)

// Engine is what the debug endpoints read.
type Engine interface {
	Stats(ctx context.Context) (*intsync.Stats, error)
	Online() bool
	Syncing() bool
}

// NewRouter builds the debug routes.
func NewRouter(engine Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{
			"ok":      true,
			"online":  engine.Online(),
			"syncing": engine.Syncing(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		st, err := engine.Stats(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server is the debug listener. A Server with an empty address does nothing.
type Server struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a debug server for addr, e.g. "127.0.0.1:9464".
func NewServer(addr string, engine Engine, logger *zap.Logger) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Handler:           NewRouter(engine),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("debug"),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	if s.addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug server", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.addr == "" {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
