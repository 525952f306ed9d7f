// Package httpapi exposes the session lifecycle over HTTP: create a session,
// run the refinement exchange, and read status and the finished report.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/refine"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// HealthProbe is one dependency liveness check surfaced on /healthz.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionHandler serves the session API.
type SessionHandler struct {
	stores    store.Stores
	refiner   *refine.Service
	providers map[string]providers.Provider
	settings  *settings.Service
	probes    []HealthProbe
	authToken string
	logger    *zap.Logger
}

// NewSessionHandler creates the handler. authToken may be empty to disable
// bearer auth (local development).
func NewSessionHandler(stores store.Stores, refiner *refine.Service, provs map[string]providers.Provider, svc *settings.Service, probes []HealthProbe, authToken string, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		stores:    stores,
		refiner:   refiner,
		providers: provs,
		settings:  svc,
		probes:    probes,
		authToken: authToken,
		logger:    logger,
	}
}

// RegisterRoutes registers the session routes on the provided mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.auth(h.handleCreate))
	mux.HandleFunc("POST /v1/sessions/{id}/refine", h.auth(h.handleRefine))
	mux.HandleFunc("POST /v1/sessions/{id}/answers", h.auth(h.handleAnswers))
	mux.HandleFunc("GET /v1/sessions/{id}", h.auth(h.handleGet))
	mux.HandleFunc("GET /v1/sessions/{id}/report", h.auth(h.handleReport))
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *SessionHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

type createSessionRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Topic  string    `json:"topic"`
}

func (h *SessionHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil || strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "user_id and topic are required")
		return
	}

	sess := &models.Session{
		UserID: req.UserID,
		Topic:  strings.TrimSpace(req.Topic),
		State:  models.SessionDraft,
	}
	if err := h.stores.Sessions.CreateSession(r.Context(), sess); err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(sess, nil))
}

func (h *SessionHandler) handleRefine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.stores.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	provider, err := h.refineProvider(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	questions, err := h.refiner.Begin(r.Context(), id, provider)
	if errors.Is(err, store.ErrIllegalTransition) {
		writeError(w, http.StatusConflict, "session is not in draft")
		return
	}
	if err != nil {
		h.logger.Error("Refinement begin failed",
			zap.String("session_id", id.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "refinement failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"questions":  questions,
	})
}

type answersRequest struct {
	Answers map[string]string `json:"answers"`
}

func (h *SessionHandler) handleAnswers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req answersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.stores.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	provider, err := h.refineProvider(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refined, err := h.refiner.Answer(r.Context(), id, provider, req.Answers)
	if errors.Is(err, refine.ErrConversationExpired) {
		writeError(w, http.StatusGone, "refinement conversation expired")
		return
	}
	if err != nil {
		h.logger.Error("Refinement answer failed",
			zap.String("session_id", id.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "refinement failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     id,
		"refined_prompt": refined,
		"state":          models.SessionRunning,
	})
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.stores.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	results, err := h.stores.Results.ListResults(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list results", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess, results))
}

func (h *SessionHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rep, err := h.stores.Reports.LatestReport(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report_id":    rep.ID,
		"session_id":   rep.SessionID,
		"summary":      rep.SummaryText,
		"email_status": rep.EmailStatus,
		"sent_at":      rep.SentAt,
		"created_at":   rep.CreatedAt,
		"has_pdf":      len(rep.PDFBytes) > 0,
	})
}

func (h *SessionHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			checks[p.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[p.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

// refineProvider resolves the user's configured refinement provider.
func (h *SessionHandler) refineProvider(ctx context.Context, userID uuid.UUID) (providers.Provider, error) {
	name := h.settings.ForUser(ctx, userID).RefineProvider
	p, ok := h.providers[name]
	if !ok {
		return nil, fmt.Errorf("refine provider %q is not configured", name)
	}
	return p, nil
}

func sessionView(s *models.Session, results []*models.ProviderResult) map[string]any {
	view := map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"topic":      s.Topic,
		"state":      s.State,
		"created_at": s.CreatedAt,
	}
	if s.RefinedPrompt != nil {
		view["refined_prompt"] = *s.RefinedPrompt
	}
	if s.CompletedAt != nil {
		view["completed_at"] = *s.CompletedAt
	}
	if results != nil {
		rows := make([]map[string]any, 0, len(results))
		for _, r := range results {
			row := map[string]any{
				"provider": r.Provider,
				"status":   r.Status,
			}
			if r.ErrorCode != nil {
				row["error_code"] = *r.ErrorCode
			}
			rows = append(rows, row)
		}
		view["results"] = rows
	}
	return view
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// StartServer starts the session API on its own listener and returns the
// server for shutdown.
func StartServer(port int, h *SessionHandler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting session API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Session API server failed", zap.Error(err))
		}
	}()
	return srv
}
