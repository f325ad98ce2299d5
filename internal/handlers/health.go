package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/accesscore/internal/monitoring"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/response"
)

// Health returns a simple status payload useful for liveness checks.
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}

// Ready evaluates the readiness checks. Degraded dependencies still answer 200.
func Ready(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := manager.Evaluate(c.Request.Context())
		if !report.Ready {
			logger.WithModule("http").Warn("readiness check failed", zap.Any("checks", report.Checks))
			response.Error(c, errors.New("NOT_READY", "Service unavailable", http.StatusServiceUnavailable))
			return
		}
		response.Success(c, http.StatusOK, report)
	}
}
