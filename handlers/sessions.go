package handlers

import (
	"context"
	"net/http"

	"github.com/fineme/server/auth"
	"github.com/fineme/server/commitment"
	"github.com/fineme/server/dashboard"
	"github.com/fineme/server/models"
	"github.com/fineme/server/session"
	"github.com/go-chi/chi"
)

var sessionCtxKey = &contextKey{"session"}

type contextKey struct {
	name string
}

// sessionCtx loads the session named in the path and checks the caller may
// use it.
func (h *Handler) sessionCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.sessions.Authorize(s, auth.UserID(r.Context())); err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionCtxKey).(*session.Session)
	return s
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).Snapshot())
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Resume(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, nil)
}

// Configuration edits during onboarding.

func (h *Handler) patchConfig(w http.ResponseWriter, r *http.Request) {
	var p commitment.Patch
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		_, err = f.Update(p)
	}
	h.respond(w, r, err)
}

func (h *Handler) incrementReps(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		f.Config().IncrementReps()
	}
	h.respond(w, r, err)
}

func (h *Handler) decrementReps(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		f.Config().DecrementReps()
	}
	h.respond(w, r, err)
}

type stakeRequest struct {
	Amount int `json:"amount"`
}

func (h *Handler) setStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		_, err = f.Update(commitment.Patch{StakeAmount: &req.Amount})
	}
	h.respond(w, r, err)
}

// Onboarding steps.

func (h *Handler) onboardingNext(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		_, err = f.Next()
	}
	h.respond(w, r, err)
}

func (h *Handler) onboardingBack(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFrom(r.Context()).Flow()
	if err == nil {
		_, err = f.Back()
	}
	h.respond(w, r, err)
}

func (h *Handler) onboardingLogin(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.Login(sessionFrom(r.Context()), auth.UserID(r.Context()))
	h.respond(w, r, err)
}

type payment struct {
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	Amount          int    `json:"amount"`
	Status          string `json:"status,omitempty"`
}

type finishResponse struct {
	Session    session.Snapshot  `json:"session"`
	Commitment models.Commitment `json:"commitment"`
	Payment    payment           `json:"payment"`
}

func (h *Handler) onboardingFinish(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	c, dep, err := h.sessions.Finish(r.Context(), s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finishResponse{
		Session:    s.Snapshot(),
		Commitment: c,
		Payment: payment{
			PaymentIntentID: dep.PaymentIntentID,
			ClientSecret:    dep.ClientSecret,
			Amount:          dep.Amount,
			Status:          string(dep.Status),
		},
	})
}

// Dashboard.

type tabRequest struct {
	Tab dashboard.Tab `json:"tab"`
}

func (h *Handler) selectTab(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := sessionFrom(r.Context()).Dashboard()
	if err == nil {
		err = d.SelectTab(req.Tab)
	}
	h.respond(w, r, err)
}

func (h *Handler) tourNext(w http.ResponseWriter, r *http.Request) {
	d, err := sessionFrom(r.Context()).Dashboard()
	if err == nil {
		d.TourNext()
	}
	h.respond(w, r, err)
}

func (h *Handler) tourSkip(w http.ResponseWriter, r *http.Request) {
	d, err := sessionFrom(r.Context()).Dashboard()
	if err == nil {
		d.SkipTour()
	}
	h.respond(w, r, err)
}

// settingsResponse carries the new payment to confirm when the stake went up.
type settingsResponse struct {
	Session session.Snapshot `json:"session"`
	Payment *payment         `json:"payment,omitempty"`
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var p commitment.Patch
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	s := sessionFrom(r.Context())
	_, charge, err := h.sessions.UpdateSettings(r.Context(), s, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := settingsResponse{Session: s.Snapshot()}
	if charge != nil {
		resp.Payment = &payment{
			PaymentIntentID: charge.PaymentIntentID,
			ClientSecret:    charge.ClientSecret,
			Amount:          charge.Amount,
			Status:          string(charge.Status),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Workout.

func (h *Handler) startWorkout(w http.ResponseWriter, r *http.Request) {
	_, err := h.sessions.StartWorkout(r.Context(), sessionFrom(r.Context()))
	h.respond(w, r, err)
}

func (h *Handler) workoutState(w http.ResponseWriter, r *http.Request) {
	ws, err := sessionFrom(r.Context()).Workout()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.State())
}

func (h *Handler) simulateRep(w http.ResponseWriter, r *http.Request) {
	ws, err := sessionFrom(r.Context()).Workout()
	if err == nil {
		ws.SimulateRep()
	}
	h.respond(w, r, err)
}

type readingRequest struct {
	Count int `json:"count"`
}

func (h *Handler) reading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, sessionFrom(r.Context()).PushReading(req.Count))
}

func (h *Handler) toggleCamera(w http.ResponseWriter, r *http.Request) {
	ws, err := sessionFrom(r.Context()).Workout()
	if err == nil {
		err = ws.ToggleCamera(r.Context())
	}
	h.respond(w, r, err)
}

func (h *Handler) cameraError(w http.ResponseWriter, r *http.Request) {
	ws, err := sessionFrom(r.Context()).Workout()
	if err == nil {
		ws.ReportCaptureError()
	}
	h.respond(w, r, err)
}

func (h *Handler) completeWorkout(w http.ResponseWriter, r *http.Request) {
	_, err := h.sessions.CompleteWorkout(r.Context(), sessionFrom(r.Context()))
	h.respond(w, r, err)
}

func (h *Handler) closeWorkout(w http.ResponseWriter, r *http.Request) {
	_, err := h.sessions.CloseWorkout(sessionFrom(r.Context()))
	h.respond(w, r, err)
}
