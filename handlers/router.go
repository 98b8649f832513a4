package handlers

import (
	"net/http"
	"time"

	"github.com/fineme/server/auth"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
)

// credentialed reports whether origins name every allowed origin. An empty
// list or a wildcard admits any site.
func credentialed(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return false
		}
	}
	return len(origins) > 0
}

// NewRouter mounts the API on a chi router. Every request passes the token
// middleware; routes decide for themselves whether a user is required.
func NewRouter(h *Handler, verifier auth.TokenVerifier, origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: credentialed(origins),
		MaxAge:           300,
	}).Handler)
	r.Use(auth.Middleware(verifier, h.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/charities", h.charities)
		r.HandleFunc("/waitlist", h.joinWaitlist)
		r.Get("/history", h.dailyHistory)

		r.Post("/sessions", h.createSession)
		r.Post("/sessions/resume", h.resumeSession)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Use(h.sessionCtx)

			r.Get("/", h.snapshot)

			r.Patch("/config", h.patchConfig)
			r.Post("/reps/increment", h.incrementReps)
			r.Post("/reps/decrement", h.decrementReps)
			r.Post("/stake", h.setStake)

			r.Post("/onboarding/next", h.onboardingNext)
			r.Post("/onboarding/back", h.onboardingBack)
			r.Post("/onboarding/login", h.onboardingLogin)
			r.Post("/onboarding/finish", h.onboardingFinish)

			r.Post("/dashboard/tab", h.selectTab)
			r.Post("/dashboard/tour/next", h.tourNext)
			r.Post("/dashboard/tour/skip", h.tourSkip)
			r.Patch("/dashboard/settings", h.updateSettings)

			r.Post("/workout", h.startWorkout)
			r.Get("/workout", h.workoutState)
			r.Post("/workout/rep", h.simulateRep)
			r.Post("/workout/reading", h.reading)
			r.Post("/workout/camera", h.toggleCamera)
			r.Post("/workout/camera-error", h.cameraError)
			r.Post("/workout/complete", h.completeWorkout)
			r.Post("/workout/close", h.closeWorkout)
		})
	})

	return r
}
