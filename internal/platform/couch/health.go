package couch

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthStatus is the detailed health payload served at /health.
type HealthStatus struct {
	Status      string `json:"status"`
	CircuitOpen bool   `json:"circuit_open"`
	Connected   bool   `json:"connected"`
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
}

// RegisterHealthRoutes wires the operational health endpoints. Readiness
// reflects the circuit state so an upstream load balancer stops routing to an
// instance that cannot reach the database; liveness stays green as long as
// the process is responsive.
func RegisterHealthRoutes(e *echo.Echo, gw *Gateway, conn, version string) {
	started := time.Now()

	e.GET("/health/liveness", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
	})

	e.GET("/health/readiness", func(c echo.Context) error {
		if gw.Breaker().Open() || !gw.HasConnection(conn) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	e.GET("/health", func(c echo.Context) error {
		status := HealthStatus{
			Status:      "ok",
			CircuitOpen: gw.Breaker().Open(),
			Connected:   gw.HasConnection(conn),
			Uptime:      time.Since(started).Round(time.Second).String(),
			Version:     version,
		}
		code := http.StatusOK
		if status.CircuitOpen || !status.Connected {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})
}
