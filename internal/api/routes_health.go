package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/accesscore/internal/handlers"
	"github.com/charlesng35/accesscore/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, health *monitoring.HealthManager) {
	r.GET("/health", handlers.Health())
	r.GET("/ready", handlers.Ready(health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
