package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stellarvoice/voicegw/internal/call"
	"github.com/stellarvoice/voicegw/internal/journal"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

// maxBodyBytes caps webhook request bodies.
const maxBodyBytes = 1 << 20

// envelope is the standard response wrapper for operator endpoints.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// ackResponse is the intake reply shape, written bare (no envelope) so the
// media server sees exactly the fields it expects.
type ackResponse struct {
	Status         string `json:"status"`
	EventID        string `json:"event_id"`
	Timestamp      int64  `json:"timestamp"`
	ProcessingTime string `json:"processing_time"`
}

// AudioIngress receives caller audio relayed by the agent process and feeds
// it into the turn pipeline.
type AudioIngress interface {
	AudioIn(callID string, chunk []byte) error
	EndOfUtterance(callID string) error
}

// Server mounts the webhook intake, the agent audio ingress, and operator
// endpoints.
type Server struct {
	router   *chi.Mux
	ingestor *Ingestor
	verifier *Verifier
	audio    AudioIngress
	jrnl     *journal.Journal
	mets     *metrics.Metrics
	active   metrics.ActiveCallsProvider
	trunks   metrics.TrunkHealthProvider
	logger   *slog.Logger
	limiter  *ipRateLimiter
	started  time.Time
}

// NewServer creates the HTTP handler with all routes mounted. audio, jrnl,
// active and trunks may be nil; the corresponding routes and health payload
// degrade accordingly.
func NewServer(ing *Ingestor, verifier *Verifier, audio AudioIngress, jrnl *journal.Journal, mets *metrics.Metrics, active metrics.ActiveCallsProvider, trunks metrics.TrunkHealthProvider, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		ingestor: ing,
		verifier: verifier,
		audio:    audio,
		jrnl:     jrnl,
		mets:     mets,
		active:   active,
		trunks:   trunks,
		logger:   logger.With("component", "http"),
		limiter:  newIPRateLimiter(),
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the server's background helpers.
func (s *Server) Close() {
	s.limiter.stop()
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.mets.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.With(rateLimit(s.limiter)).Post("/livekit", s.handleIntake)
		r.Get("/health", s.handleWebhookHealth)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{call_id}", s.handleGetCall)
		r.Post("/cleanup", s.handleCleanup)
	})

	if s.audio != nil {
		r.Route("/agent/calls/{call_id}", func(r chi.Router) {
			r.Post("/audio", s.handleAgentAudio)
			r.Post("/utterance-end", s.handleUtteranceEnd)
		})
	}
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := r.Header.Get("x-livekit-signature")
	ts := r.Header.Get("x-livekit-timestamp")
	if err := s.verifier.Verify(body, sig, ts); err != nil {
		s.mets.WebhookAuthFailures.Inc()
		s.logger.Warn("webhook rejected", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if !ev.Known() {
		s.mets.WebhookUnknownEvents.Inc()
		s.logger.Info("ignoring unknown webhook event", "event", ev.Event, "event_id", ev.ID)
		s.writeAck(w, ev.ID, start)
		return
	}

	if err := s.ingestor.Enqueue(ev); err != nil {
		s.logger.Error("webhook queue full, dropping event", "event", ev.Event, "event_id", ev.ID)
		writeError(w, http.StatusServiceUnavailable, "event queue full")
		return
	}
	s.mets.WebhookEvents.WithLabelValues(ev.Event).Inc()
	s.writeAck(w, ev.ID, start)
}

func (s *Server) writeAck(w http.ResponseWriter, eventID string, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := ackResponse{
		Status:         "received",
		EventID:        eventID,
		Timestamp:      time.Now().Unix(),
		ProcessingTime: time.Since(start).String(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding ack response", "error", err)
	}
}

// agentAudioRequest carries one caller audio chunk, base64 in JSON.
type agentAudioRequest struct {
	Audio []byte `json:"audio"`
}

func (s *Server) handleAgentAudio(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedAgentBody(w, r)
	if !ok {
		return
	}
	var req agentAudioRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio chunk required")
		return
	}

	callID := chi.URLParam(r, "call_id")
	if err := s.audio.AudioIn(callID, req.Audio); err != nil {
		if errors.Is(err, call.ErrUnknownCall) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		s.logger.Error("buffering agent audio", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "audio ingress failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "buffered"})
}

func (s *Server) handleUtteranceEnd(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifiedAgentBody(w, r); !ok {
		return
	}

	callID := chi.URLParam(r, "call_id")
	if err := s.audio.EndOfUtterance(callID); err != nil {
		if errors.Is(err, call.ErrUnknownCall) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		s.logger.Error("flushing utterance", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "utterance flush failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "flushed"})
}

// verifiedAgentBody reads and authenticates an agent request. The agent
// signs with the shared webhook secret under its own header pair. A false
// return means the response has already been written.
func (s *Server) verifiedAgentBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}

	sig := r.Header.Get("x-voicegw-signature")
	ts := r.Header.Get("x-voicegw-timestamp")
	if err := s.verifier.Verify(body, sig, ts); err != nil {
		s.mets.WebhookAuthFailures.Inc()
		s.logger.Warn("agent request rejected", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return nil, false
	}
	return body, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"queue_depth":    s.ingestor.QueueDepth(),
	}
	if s.active != nil {
		payload["active_calls"] = s.active.ActiveCallCount()
	}
	if s.trunks != nil {
		entries := s.trunks.TrunkHealthSnapshot()
		trunks := make(map[string]bool, len(entries))
		for _, e := range entries {
			trunks[e.Name] = e.Connected
		}
		payload["trunks"] = trunks
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"queue_depth":      s.ingestor.QueueDepth(),
		"active_sessions":  s.ingestor.SessionCount(),
		"events_processed": s.ingestor.Processed(),
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ingestor.Sessions())
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")

	payload := map[string]any{}
	if sess, ok := s.ingestor.Session(callID); ok {
		payload["session"] = sess
	}
	if s.jrnl != nil {
		if call, err := s.jrnl.GetCall(r.Context(), callID); err != nil {
			s.logger.Error("loading call record", "call_id", callID, "error", err)
		} else if call != nil {
			payload["call"] = call
		}
	}
	if len(payload) == 0 {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := staleSessionMaxAge
	if raw := r.URL.Query().Get("max_age_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 {
			writeError(w, http.StatusBadRequest, "max_age_hours must be a positive integer")
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	removed := s.ingestor.ExpireSessions(maxAge)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}
