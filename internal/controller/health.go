package controller

import (
	"context"
	"net/http"
	"time"

	"todo-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
)

const readyTimeout = 2 * time.Second

// Check is one dependency probed by Ready.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Health returns 200 while the process is alive. Used by load balancers.
func Health(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": service})
	}
}

// Ready probes every dependency and returns 503 if any is down.
func Ready(service string, checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		status, code := "ready", http.StatusOK
		results := make(map[string]string, len(checks))
		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				logger.Warn(ctx, "Readiness check failed", "dependency", chk.Name, "error", err)
				results[chk.Name] = "down"
				status, code = "not ready", http.StatusServiceUnavailable
				continue
			}
			results[chk.Name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "service": service, "checks": results})
	}
}
