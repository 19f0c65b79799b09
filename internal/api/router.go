package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/metrics"
)

// NewRouter mounts the v1 API, /health and /metrics. limiter may be nil.
func NewRouter(h *Handler, limiter Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(Identify(h.users, logger))
		r.Use(RateLimitMiddleware(limiter, logger, UserKeyFunc))

		r.Get("/offers", h.ListOffers)
		r.Get("/offers/{slug}", h.GetOffer)
		r.Post("/offers/{slug}/registration", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Get("/me/registrations", h.MyRegistrations)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireStaff)
			r.Post("/offers", h.CreateOffer)
			r.Put("/offers/{slug}", h.UpdateOffer)
			r.Delete("/offers/{slug}", h.DeleteOffer)
			r.Get("/offers/{slug}/export.csv", h.ExportOffer)
			r.Post("/users/{id}/email-verification", h.VerifyEmail)
			r.Post("/users/{id}/email-verification-request", h.RequestVerification)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
