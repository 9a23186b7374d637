// Package http exposes the catalog API: session control, progress
// streaming, manual edits, and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cataloger/internal/catalog"
	"cataloger/pkg/text"
)

const (
	streamInterval     = time.Second
	streamWriteTimeout = 15 * time.Second
)

type Server struct {
	config   *catalog.ServerConfig
	sessions *catalog.SessionManager
	logger   *zap.Logger
	server   *http.Server
	metrics  *Metrics
}

type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	TracksTotal    prometheus.Gauge
	StreamClients  prometheus.Gauge
}

func NewServer(config *catalog.ServerConfig, sessions *catalog.SessionManager, logger *zap.Logger) *Server {
	return newServer(config, sessions, logger, prometheus.DefaultRegisterer)
}

func newServer(config *catalog.ServerConfig, sessions *catalog.SessionManager, logger *zap.Logger, reg prometheus.Registerer) *Server {
	metrics := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"endpoint", "status"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_sessions_active",
				Help: "Number of tracked catalog sessions",
			},
		),
		TracksTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_tracks_total",
				Help: "Total tracks across all session collections",
			},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_stream_clients",
				Help: "Number of connected progress stream clients",
			},
		),
	}

	reg.MustRegister(
		metrics.RequestsTotal,
		metrics.SessionsActive,
		metrics.TracksTotal,
		metrics.StreamClients,
	)

	s := &Server{
		config:   config,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cataloger"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "cataloger"})
	})
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/process-playlist", s.handleProcessPlaylist)
	mux.HandleFunc("GET /api/playlist/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/playlist/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/playlist/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/playlist/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /api/playlist/{id}/track/{trackID}/override", s.handleOverride)
	mux.HandleFunc("POST /api/playlist/{id}/track/{trackID}/reprocess", s.handleReprocess)
	mux.HandleFunc("DELETE /api/playlist/{id}/track/{trackID}", s.handleRemoveTrack)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Handler exposes the configured routes, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// UpdateGauges refreshes session metrics, called periodically from main.
func (s *Server) UpdateGauges() {
	s.metrics.SessionsActive.Set(float64(s.sessions.Len()))
	s.metrics.TracksTotal.Set(float64(s.sessions.TrackTotal()))
}

type entryRequest struct {
	SourceID        string  `json:"sourceId"`
	Title           string  `json:"title"`
	Channel         string  `json:"channel"`
	DurationSeconds float64 `json:"durationSeconds"`
	URL             string  `json:"url"`
	Position        int     `json:"position"`
}

type processRequest struct {
	PlaylistURL string         `json:"playlistUrl"`
	PlaylistID  string         `json:"playlistId"`
	Entries     []entryRequest `json:"entries"`
}

func (s *Server) handleProcessPlaylist(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "process", http.StatusBadRequest, "invalid request body")
		return
	}

	id := req.PlaylistID
	if id == "" {
		parsed, err := text.ExtractPlaylistID(req.PlaylistURL)
		if err != nil {
			s.writeError(w, "process", http.StatusBadRequest, "please provide a playlistUrl or playlistId")
			return
		}
		id = parsed
	}

	if len(req.Entries) == 0 {
		s.writeError(w, "process", http.StatusBadRequest, "no playlist entries provided")
		return
	}

	entries := make([]catalog.PlaylistEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, catalog.PlaylistEntry{
			SourceID: e.SourceID,
			Title:    e.Title,
			Channel:  e.Channel,
			Duration: time.Duration(e.DurationSeconds * float64(time.Second)),
			URL:      e.URL,
			Position: e.Position,
		})
	}

	session, started := s.sessions.Start(id, entries)
	s.metrics.RequestsTotal.WithLabelValues("process", "ok").Inc()

	if !started && !session.Running() {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"playlistId": id,
			"status":     "completed",
			"data":       session.Store.Snapshot(),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"playlistId": id,
		"status":     "processing",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "status", http.StatusNotFound, "playlist not found")
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("status", "ok").Inc()
	writeJSON(w, http.StatusOK, statusPayload(session))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "snapshot", http.StatusNotFound, "playlist not found")
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("snapshot", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"playlistId": session.ID,
		"status":     sessionStatus(session),
		"data":       session.Store.Snapshot(),
	})
}

// handleStream serves a server-sent-event feed of progress and collection
// snapshots until the run completes or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "stream", http.StatusNotFound, "playlist not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, "stream", http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	// A rate-limited run outlives the server-wide WriteTimeout; push the
	// deadline ahead of every event so the stream survives until the final
	// snapshot.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

	writeEvent := func(final bool) {
		_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

		payload := statusPayload(session)
		if final {
			payload["data"] = session.Store.Snapshot()
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Done():
			writeEvent(true)
			return
		case <-ticker.C:
			writeEvent(false)
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "cancel", http.StatusNotFound, "playlist not found")
		return
	}

	session.Cancel()
	s.metrics.RequestsTotal.WithLabelValues("cancel", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "processing canceled",
	})
}

type overrideRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "override", http.StatusNotFound, "playlist not found")
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "override", http.StatusBadRequest, "invalid request body")
		return
	}

	if err := session.Store.Override(r.PathValue("trackID"), req.Field, req.Value); err != nil {
		s.writeError(w, "override", http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("override", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "reprocess", http.StatusNotFound, "playlist not found")
		return
	}

	trackID := r.PathValue("trackID")
	if _, found := session.Store.Get(trackID); !found {
		s.writeError(w, "reprocess", http.StatusNotFound, "track not found")
		return
	}

	// Enrichment can wait on the provider rate limiter; run detached.
	go func() {
		if err := session.Pipeline.ReprocessTrack(context.Background(), trackID); err != nil {
			s.logger.Warn("Track reprocess failed",
				zap.String("trackID", trackID),
				zap.Error(err))
		}
	}()

	s.metrics.RequestsTotal.WithLabelValues("reprocess", "ok").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, "remove", http.StatusNotFound, "playlist not found")
		return
	}

	if err := session.Store.Remove(r.PathValue("trackID")); err != nil {
		s.writeError(w, "remove", http.StatusNotFound, err.Error())
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("remove", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, code int, message string) {
	s.metrics.RequestsTotal.WithLabelValues(endpoint, "error").Inc()
	writeJSON(w, code, map[string]string{"error": message})
}

func sessionStatus(session *catalog.Session) string {
	if session.Running() {
		return "processing"
	}
	if session.Err() != nil {
		return "failed"
	}
	return "completed"
}

func statusPayload(session *catalog.Session) map[string]any {
	progress := session.Pipeline.Progress()
	return map[string]any{
		"playlistId": session.ID,
		"status":     sessionStatus(session),
		"processed":  progress.Processed,
		"failed":     progress.Failed,
		"total":      progress.Total,
		"tracks":     session.Store.Len(),
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
