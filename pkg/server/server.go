// Package server is the HTTP boundary of the relay: path and credential
// classification, the chat and model-list endpoints in all three
// dialects, the admin API, and error envelope rendering.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polyrelay/polyrelay/pkg/auth"
	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/config"
	"github.com/polyrelay/polyrelay/pkg/dispatch"
	"github.com/polyrelay/polyrelay/pkg/observability"
	"github.com/polyrelay/polyrelay/pkg/translate"
	"github.com/polyrelay/polyrelay/pkg/wire"
)

type Server struct {
	cfg        *config.Config
	store      *channels.Store
	resolver   *channels.Resolver
	auth       *auth.Manager
	registry   *translate.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, store *channels.Store, resolver *channels.Resolver, authMgr *auth.Manager, registry *translate.Registry, dispatcher *dispatch.Dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		auth:       authMgr,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Post("/v1/chat/completions", s.handleChat(wire.FamilyOpenAI))
	r.Post("/v1/messages", s.handleChat(wire.FamilyAnthropic))
	r.Get("/v1/models", s.handleModelList)

	r.Get("/v1beta/models", s.handleGeminiModelList)
	r.Post("/v1beta/models/*", s.handleGeminiModelRPC)

	s.mountAdmin(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the context cancels, then drains in-flight
// requests. Write timeouts stay unset because streaming responses are
// open-ended.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
