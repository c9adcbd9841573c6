package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"library_reservation/pkg/auth"
	"library_reservation/pkg/logging"
	"library_reservation/pkg/metrics"
)

type RouterConfig struct {
	Handler *Handler
	Auth    *auth.Authenticator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// Limiter applies to every /api route. CreateLimiter additionally
	// applies to reservation creation.
	Limiter       *RateLimiter
	CreateLimiter *RateLimiter
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(cfg.Logger), cfg.Metrics.Middleware())

	h := cfg.Handler
	r.GET("/health", h.health)
	r.GET("/metrics", cfg.Metrics.Handler())

	api := r.Group("/api/v1")
	if cfg.Limiter != nil {
		api.Use(cfg.Limiter.Middleware())
	}
	api.GET("/reservations/status", h.status)

	authed := api.Group("", cfg.Auth.Middleware())
	create := []gin.HandlerFunc{h.createReservation}
	if cfg.CreateLimiter != nil {
		create = append([]gin.HandlerFunc{cfg.CreateLimiter.Middleware()}, create...)
	}
	authed.POST("/reservations", create...)
	authed.GET("/reservations", h.listReservations)
	authed.GET("/reservations/overdue", h.overdueReservations)
	authed.GET("/reservations/user/:userId", h.userReservations)
	authed.GET("/reservations/:id", h.getReservation)
	authed.PUT("/reservations/:id/return", h.returnBook)
	authed.PUT("/reservations/:id/extend", h.extendDueDate)
	authed.GET("/reconciliations", h.listReconciliations)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "Route not found")
	})
	return r
}
