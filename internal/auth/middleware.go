package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/models"
)

const (
	// ContextKeyClaims is the key for storing JWT claims in context
	ContextKeyClaims = "claims"
	// ContextKeyRequester is the key for storing the requester in context
	ContextKeyRequester = "requester"
)

// Middleware is the authentication middleware
type Middleware struct {
	jwtService *JWTService
	config     config.SecurityConfig
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(cfg config.SecurityConfig) *Middleware {
	return &Middleware{
		jwtService: NewJWTService(cfg),
		config:     cfg,
	}
}

// JWT returns the token service the middleware validates with.
func (m *Middleware) JWT() *JWTService {
	return m.jwtService
}

// anonymous is who requests run as when authentication is disabled.
func (m *Middleware) anonymous() models.Requester {
	name := m.config.AnonymousUser
	if name == "" {
		name = "admin"
	}
	return models.Requester{Username: name, Roles: []models.Role{models.RoleAdmin}}
}

// RequireAuth is middleware that requires JWT authentication
func (m *Middleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !m.config.AuthEnabled {
			c.Set(ContextKeyRequester, m.anonymous())
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
		c.Set(ContextKeyRequester, claims.Requester())
		return next(c)
	}
}

// RequireRole is middleware that requires one of the given roles. It
// authenticates first.
func (m *Middleware) RequireRole(roles ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return m.RequireAuth(func(c echo.Context) error {
			requester := RequesterFrom(c)
			for _, role := range roles {
				if requester.HasRole(role) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
		})
	}
}

// RequireAdmin is middleware that requires admin role
func (m *Middleware) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireRole(models.RoleAdmin)(next)
}

// RequireWrite is middleware that requires write permissions (admin or user role)
func (m *Middleware) RequireWrite(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireRole(models.RoleAdmin, models.RoleUser)(next)
}

// RequireRead is middleware that requires read permissions (any authenticated user)
func (m *Middleware) RequireRead(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireAuth(next)
}

// RequireAgent admits rack controller agents and admins.
func (m *Middleware) RequireAgent(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireRole(models.RoleAgent, models.RoleAdmin)(next)
}

// GetClaims extracts JWT claims from Echo context
func GetClaims(c echo.Context) (*Claims, bool) {
	claims, ok := c.Get(ContextKeyClaims).(*Claims)
	return claims, ok
}

// RequesterFrom returns the identity the request runs as; the zero
// Requester when the request was not authenticated.
func RequesterFrom(c echo.Context) models.Requester {
	r, _ := c.Get(ContextKeyRequester).(models.Requester)
	return r
}
