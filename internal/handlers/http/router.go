package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sfusignal/internal/core/services"
	"sfusignal/internal/infrastructure/middleware"
	"sfusignal/pkg/config"
)

// Routes bundles what NewRouter mounts. Auth and Gatherer may be nil.
type Routes struct {
	Signal   http.Handler
	Health   *HealthHandler
	Sessions *SessionHandler
	Auth     services.AuthService
	Gatherer prometheus.Gatherer
}

// NewRouter builds the HTTP surface: the signaling endpoint, health and
// metrics, and the /api/v1 admin API.
func NewRouter(cfg *config.Config, logger *zap.SugaredLogger, routes Routes) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))

	// Long-lived websocket connections stay out of the per-request
	// middleware chain.
	router.GET(cfg.Signal.Path, gin.WrapH(routes.Signal))

	base := router.Group("",
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(logger),
	)
	routes.Health.SetupRoutes(base)

	if cfg.Monitoring.PrometheusEnabled {
		gatherer := routes.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		base.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := base.Group("/api/v1",
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(routes.Auth),
	)
	routes.Sessions.SetupRoutes(api)
	if routes.Auth != nil {
		NewAuthHandler(routes.Auth).SetupRoutes(api)
	}

	return router
}
