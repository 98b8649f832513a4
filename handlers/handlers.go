// Package handlers exposes the commitment controllers over HTTP/JSON.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fineme/server/auth"
	"github.com/fineme/server/commitment"
	"github.com/fineme/server/dashboard"
	"github.com/fineme/server/models"
	"github.com/fineme/server/onboarding"
	"github.com/fineme/server/session"
	"github.com/fineme/server/store"
	"github.com/fineme/server/waitlist"
	"github.com/fineme/server/workout"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"
)

var errBadRequest = errors.New("malformed request body")

// History reads closed days.
type History interface {
	DailyLogs(ctx context.Context, userID string) ([]models.DailyLog, error)
}

type Handler struct {
	sessions *session.Manager
	history  History
	waitlist *waitlist.Service
	log      *zap.Logger
}

func New(sessions *session.Manager, history History, wl *waitlist.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if wl == nil {
		wl = &waitlist.Service{Log: log}
	}
	return &Handler{sessions: sessions, history: history, waitlist: wl, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps controller errors to status codes. Blocked transitions are
// conflicts; state is unchanged when they are returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		writeMessage(w, http.StatusUnauthorized, "Access denied")
	case errors.Is(err, session.ErrForbidden):
		writeMessage(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, commitment.ErrInvalid),
		errors.Is(err, dashboard.ErrUnknownTab):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, onboarding.ErrBlocked),
		errors.Is(err, onboarding.ErrFinished),
		errors.Is(err, onboarding.ErrNotAtSuccess),
		errors.Is(err, session.ErrWrongView),
		errors.Is(err, session.ErrNotTracking),
		errors.Is(err, dashboard.ErrTourActive),
		errors.Is(err, workout.ErrTargetNotReached),
		errors.Is(err, workout.ErrClosed):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errBadRequest
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) charities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Charities)
}

func (h *Handler) dailyHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.writeError(w, r, session.ErrUnauthenticated)
		return
	}

	logs, err := h.history.DailyLogs(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.DailyLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type waitlistRequest struct {
	Email string `json:"email"`
}

func (h *Handler) joinWaitlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req waitlistRequest
	if err := decode(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Valid email required")
		return
	}

	err := h.waitlist.Join(r.Context(), req.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, waitlist.ErrInvalidEmail):
		writeMessage(w, http.StatusBadRequest, "Valid email required")
	case errors.Is(err, waitlist.ErrMisconfigured):
		writeMessage(w, http.StatusInternalServerError, "Server misconfiguration")
	default:
		writeMessage(w, http.StatusInternalServerError, "Failed to send email")
	}
}
