package api

import (
	"context"
	"fmt"
	"net/http"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the HTTP delivery layer: job submission and polling, the
// websocket progress feed, conversation history and the guarded admin
// surface.
type Server struct {
	queue    usecase.QueueUseCase
	history  usecase.HistoryUseCase
	hub      *Hub
	cfg      *config.Config
	log      *zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

func NewServer(
	queue usecase.QueueUseCase,
	history usecase.HistoryUseCase,
	hub *Hub,
	cfg *config.Config,
	logger *zerolog.Logger,
) *Server {
	lg := logger.With().Str("component", "api").Logger()
	return &Server{
		queue:   queue,
		history: history,
		hub:     hub,
		cfg:     cfg,
		log:     &lg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the router. Exposed separately from Start so tests can
// drive it with httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(TraceID(s.log), RequestLog(s.log), Recover(s.log), Timeout(s.cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/ws", s.handleJobSocket)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleTranscript)

		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.Server.APIKey, s.log))
			r.Post("/cleanup", s.handleCleanup)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.Routes(),
	}
	s.log.Info().Int("port", s.cfg.Server.Port).Msg("http server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
