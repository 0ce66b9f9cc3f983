// Package httpadmin serves the operator-facing HTTP endpoint: health, queue
// status and Prometheus metrics. It binds to a local address and carries no
// participant data beyond aggregate counts.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/store"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

// Server holds dependencies for the admin handlers.
type Server struct {
	Store     *store.Store
	Transport transport.Adapter
	Registry  *prometheus.Registry
}

type statusResponse struct {
	QueuePending          int64  `json:"queuePending"`
	SentToday             int64  `json:"sentToday"`
	TransportConnected    bool   `json:"transportConnected"`
	TimeCorrectionApplied bool   `json:"timeCorrectionApplied"`
	LastBroadcastDate     string `json:"lastBroadcastDate,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the admin router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", s.handleStatus)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := s.Store.TotalQueueSize(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue size query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	sentToday, err := s.Store.SentToday(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("sent today query failed")
	}
	corrected, err := s.Store.TimeCorrectionApplied(ctx)
	if err != nil {
		log.Error().Err(err).Msg("time correction flag query failed")
	}
	lastBroadcast, err := s.Store.LastBroadcastDate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("broadcast date query failed")
	}

	writeJSON(w, http.StatusOK, statusResponse{
		QueuePending:          pending,
		SentToday:             sentToday,
		TransportConnected:    s.Transport.IsConnected(),
		TimeCorrectionApplied: corrected,
		LastBroadcastDate:     lastBroadcast,
	})
}

// ListenAndServe runs the admin endpoint until ctx is cancelled. A failure to
// bind is logged, not fatal: the radio path keeps working without it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("starting admin endpoint")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin endpoint failed")
	}
}
