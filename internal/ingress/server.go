// Package ingress exposes the monitor's intercept operations over HTTP.
// Log-tailing adapters and agent-host shims POST intercepted actions here;
// the response tells them whether the action may proceed.
package ingress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xkilldash9x/warden/internal/killswitch"
	"github.com/xkilldash9x/warden/internal/monitor"
	"go.uber.org/zap"
)

// Server is the admission API. It owns no policy state; every request is
// delegated straight to the monitor or the kill switch.
type Server struct {
	monitor *monitor.Monitor
	killer  *killswitch.Switch
	log     *zap.Logger
	http    *http.Server
}

// New builds the Server and its routes.
func New(addr string, mon *monitor.Monitor, killer *killswitch.Switch, logger *zap.Logger) *Server {
	s := &Server{
		monitor: mon,
		killer:  killer,
		log:     logger.Named("ingress"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/intercept/network", s.handleNetwork)
		r.Post("/intercept/file", s.handleFile)
		r.Post("/intercept/process", s.handleProcess)
		r.Post("/intercept/cost", s.handleCost)
		r.Post("/sessions/{sessionID}/evaluate", s.handleEvaluate)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Admission API listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
