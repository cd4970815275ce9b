package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKeyClaims is the key for storing JWT claims in context
const ContextKeyClaims = "claims"

// Middleware is the authentication middleware. When disabled every request
// passes through unchecked.
type Middleware struct {
	jwtService *JWTService
	enabled    bool
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(enabled bool, secret string) *Middleware {
	return &Middleware{
		jwtService: NewJWTService(secret),
		enabled:    enabled,
	}
}

// RequireAuth is middleware that requires JWT authentication
func (m *Middleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !m.enabled {
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
		}

		claims, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has expired")
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		c.Set(ContextKeyClaims, claims)
		return next(c)
	}
}

// RequireRole is middleware that requires one of roles. It authenticates
// the request first.
func (m *Middleware) RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return m.RequireAuth(func(c echo.Context) error {
			if !m.enabled {
				return next(c)
			}
			claims, ok := GetClaims(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !claims.HasRole(roles...) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
			}
			return next(c)
		})
	}
}

// RequireRead accepts any authenticated caller
func (m *Middleware) RequireRead(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireAuth(next)
}

// RequireWrite requires the deployer or admin role
func (m *Middleware) RequireWrite(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireRole(RoleDeployer, RoleAdmin)(next)
}

// GetClaims extracts JWT claims from Echo context
func GetClaims(c echo.Context) (*Claims, bool) {
	claims, ok := c.Get(ContextKeyClaims).(*Claims)
	return claims, ok
}
