package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ndiyarov/fastrack-ranking/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса Fastrack Ranking.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/me", h.Me)
			r.Post("/me/deliveries", h.LogDelivery)
			r.Get("/me/notifications", h.MyNotifications)
			r.Post("/me/notifications/{notificationID}/read", h.ReadNotification)

			r.Get("/leaderboard", h.Leaderboard)

			r.Post("/challenges", h.CreateChallenge)
			r.Get("/challenges", h.MyChallenges)
			r.Get("/challenges/{challengeID}", h.GetChallenge)
			r.Post("/challenges/{challengeID}/accept", h.AcceptChallenge)
			r.Post("/challenges/{challengeID}/decline", h.DeclineChallenge)
			r.Get("/challenges/{challengeID}/qr", h.ChallengeQR)

			r.Get("/competitions", h.ListCompetitions)
			r.Get("/competitions/{competitionID}", h.GetCompetition)
			r.Post("/competitions/{competitionID}/enroll", h.Enroll)
			r.Get("/competitions/{competitionID}/leaderboard", h.CompetitionLeaderboard)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireAdmin)

			r.Post("/teams", h.CreateTeam)
			r.Get("/teams", h.ListTeams)

			r.Post("/drivers", h.ProvisionDriver)
			r.Get("/drivers", h.ListAllDrivers)
			r.Delete("/drivers/{driverID}", h.RetireDriver)
			r.Put("/drivers/{driverID}/stats", h.SetDriverStats)
			r.Put("/drivers/{driverID}/team", h.AssignTeam)

			r.Post("/competitions", h.CreateCompetition)
			r.Post("/competitions/{competitionID}/payout", h.PayOut)

			r.Post("/challenges/{challengeID}/cancel", h.CancelChallenge)
		})
	})

	if h.ws != nil {
		r.Get("/ws", h.ws)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
