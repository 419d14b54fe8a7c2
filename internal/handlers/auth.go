package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tenantdomains/internal/auth"
)

const principalKey = "principal"

// RequireAdmin authenticates the caller from an "Authorization: Bearer" token.
// Which organizations the caller may touch is decided per operation.
func RequireAdmin(verifier *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			p, err := verifier.Parse(strings.TrimSpace(token))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

func principalFrom(c echo.Context) auth.Principal {
	p, _ := c.Get(principalKey).(auth.Principal)
	return p
}
