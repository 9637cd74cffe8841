package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const subjectContextKey = "auth.subject"

// RequireToken enforces a valid bearer token scoped to the request's bucket.
// When enabled is false the middleware passes everything through, which is
// the development default.
func RequireToken(svc *Service, enabled bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !enabled {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "bearer token required")
			}

			record, err := svc.Verify(c.Request().Context(), c.Param("bucket"), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or revoked token")
			}
			c.Set(subjectContextKey, record.Subject)
			return next(c)
		}
	}
}

// Subject returns the authenticated subject, or "" for unauthenticated
// requests.
func Subject(c echo.Context) string {
	subject, _ := c.Get(subjectContextKey).(string)
	return subject
}
