// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the control surface as a JSON HTTP API with a
// Server-Sent-Events stream of change notifications.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ManuGH/mixlink/internal/api/middleware"
	"github.com/ManuGH/mixlink/internal/bus"
	"github.com/ManuGH/mixlink/internal/control"
	"github.com/ManuGH/mixlink/internal/health"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Controller is the command surface the API serves.
type Controller interface {
	Open(ctx context.Context, req control.OpenRequest) (mixer.Connection, mixer.StatusSnapshot, error)
	Close(ctx context.Context, host string) error
	Connections(ctx context.Context) ([]control.ConnectionInfo, error)
	Status(ctx context.Context, host string) (mixer.StatusSnapshot, error)
	AllStatus(ctx context.Context) (map[string]mixer.StatusSnapshot, error)
	Inputs(ctx context.Context, host string) ([]mixer.InputRecord, error)
	VideoLists(ctx context.Context, host string) ([]mixer.VideoListInput, error)
	Invoke(ctx context.Context, host, function string, params mixer.Params) error
	SelectListItem(ctx context.Context, host, inputKey string, index int) (mixer.VideoListInput, error)
	AutoRefresh(ctx context.Context, host string) (mixer.AutoRefresh, error)
	SetAutoRefresh(ctx context.Context, host string, cfg mixer.AutoRefresh) error
	SetLabel(ctx context.Context, host, label string) error
}

var _ Controller = (*control.Service)(nil)

// Config tunes the API server.
type Config struct {
	Listen          string
	RateLimit       int
	TracingService  string
	ShutdownTimeout time.Duration
	Heartbeat       time.Duration // SSE keep-alive interval
}

// Deps wires a Server.
type Deps struct {
	Control Controller
	Bus     bus.Bus
	Health  *health.Manager
	Logger  zerolog.Logger
}

type Server struct {
	cfg     Config
	ctl     Controller
	bus     bus.Bus
	health  *health.Manager
	logger  zerolog.Logger
	handler http.Handler
}

func New(cfg Config, d Deps) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		ctl:    d.Control,
		bus:    d.Bus,
		health: d.Health,
		logger: xglog.Component(d.Logger, "api"),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		Logger:         s.logger,
		TracingService: s.cfg.TracingService,
		RateLimit:      s.cfg.RateLimit,
	})

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/status", s.handleAllStatus)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleOpen)

			r.Route("/{host}", func(r chi.Router) {
				r.Use(hostScope)
				r.Delete("/", s.handleClose)
				r.Get("/status", s.handleStatus)
				r.Get("/inputs", s.handleInputs)
				r.Get("/videolists", s.handleVideoLists)
				r.Post("/videolists/{key}/select", s.handleSelect)
				r.Post("/functions/{name}", s.handleInvoke)
				r.Get("/autorefresh", s.handleGetAutoRefresh)
				r.Put("/autorefresh", s.handleSetAutoRefresh)
				r.Put("/label", s.handleSetLabel)
			})
		})
	})
	return r
}

// hostScope tags the request context with the addressed mixer host.
func hostScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := xglog.ContextWithHost(r.Context(), pathParam(r, "host"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str(xglog.FieldAddr, ln.Addr().String()).Str(xglog.FieldEvent, "api.listening").Msg("control API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, "api.shutdown_forced").Msg("graceful shutdown timed out")
		_ = srv.Close()
	}
	<-errCh
	s.logger.Info().Str(xglog.FieldEvent, "api.stopped").Msg("control API stopped")
	return nil
}
