package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmarchetti/encore/internal/config"
	"github.com/dmarchetti/encore/internal/flow"
	"github.com/dmarchetti/encore/internal/observability"
	"github.com/dmarchetti/encore/internal/session"
	"github.com/dmarchetti/encore/internal/settle"
)

type Server struct {
	cfg       config.Config
	performer *flow.Performer
	sessions  *session.Manager
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, performer *flow.Performer, sessions *session.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		performer: performer,
		sessions:  sessions,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same origin.
				// This prevents other websites from driving the user's mic session
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/karaoke/session", s.handleCreateSession)
	r.Get("/v1/karaoke/session/{id}", s.handleGetSession)
	r.Post("/v1/karaoke/session/{id}/finalize", s.handleFinalizeSession)
	r.Post("/v1/karaoke/session/{id}/settle", s.handleSettleSession)
	r.Post("/v1/karaoke/session/{id}/abandon", s.handleAbandonSession)
	r.Get("/v1/karaoke/session/ws", s.handleSessionWS)
	r.Post("/v1/karaoke/resume", s.handleResume)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if strings.TrimSpace(req.SongID) == "" {
		respondError(w, http.StatusBadRequest, "missing_song_id", "song_id is required")
		return
	}

	sess := s.performer.Create(req)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Status:      sess.Status,
		SongID:      sess.SongID,
		SongTitle:   sess.SongTitle,
		ArtistName:  sess.ArtistName,
		Budget:      sess.Budget,
		StartedAtMS: sess.StartedAtMS,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.performer.Finalize(r.Context(), id)
	if err != nil {
		respondFlowError(w, err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("finalized").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type settleResponse struct {
	SessionID   string `json:"session_id"`
	Signature   []byte `json:"signature"`
	ScoreDigest string `json:"score_digest"`
	CreditsUsed int64  `json:"credits_used"`
	TxID        string `json:"tx_id,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	Balance     int64  `json:"balance"`
}

func (s *Server) handleSettleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	signed, receipt, err := s.performer.Settle(r.Context(), id)
	if err != nil {
		s.metrics.SessionEvents.WithLabelValues("settle_failed").Inc()
		respondFlowError(w, err)
		return
	}
	s.metrics.ObserveSettlementLatency(time.Since(start))
	s.metrics.ObserveStage("settle_total", time.Since(start))
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("settled").Inc()

	respondJSON(w, http.StatusOK, settleResponse{
		SessionID:   signed.SessionID,
		Signature:   signed.Signature,
		ScoreDigest: signed.ScoreDigest,
		CreditsUsed: signed.CreditsUsed,
		TxID:        receipt.TxID,
		Confirmed:   receipt.Confirmed,
		Balance:     receipt.Balance,
	})
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.performer.Fail(r.Context(), id); err != nil {
		respondFlowError(w, err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("abandoned").Inc()
	sess, err := s.performer.Get(id)
	if err != nil {
		respondFlowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type resumeRequest struct {
	UserID string `json:"user_id"`
}

type resumeResponse struct {
	Settled []string `json:"settled"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	settled, errs, err := s.performer.Resume(r.Context(), req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "resume_failed", err.Error())
		return
	}
	resp := resumeResponse{Settled: make([]string, 0, len(settled))}
	for _, rec := range settled {
		resp.Settled = append(resp.Settled, rec.SessionID)
		s.metrics.SessionEvents.WithLabelValues("resumed").Inc()
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, e.Error())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.performer.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, session.ErrBudgetExceeded):
		respondError(w, http.StatusPaymentRequired, "budget_exceeded", err.Error())
	case errors.Is(err, session.ErrEmptySession):
		respondError(w, http.StatusConflict, "empty_session", err.Error())
	case errors.Is(err, session.ErrOutOfOrderLine), errors.Is(err, session.ErrOverlappingLine), errors.Is(err, session.ErrInvalidScore):
		respondError(w, http.StatusBadRequest, "invalid_line", err.Error())
	case errors.Is(err, settle.ErrInsufficientBalance), errors.Is(err, settle.ErrUnknownUser):
		respondError(w, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.Is(err, settle.ErrAlreadySettled):
		respondError(w, http.StatusConflict, "already_settled", err.Error())
	case errors.Is(err, settle.ErrSigningUnavailable), errors.Is(err, settle.ErrUnconfirmed):
		respondError(w, http.StatusBadGateway, "settlement_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
