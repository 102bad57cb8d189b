package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/metalpool/models"
)

// ValidateContentType middleware ensures that requests with a body have the correct Content-Type
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		method := c.Request().Method

		if method == "POST" || method == "PUT" || method == "PATCH" {
			contentType := c.Request().Header.Get("Content-Type")

			// Allow empty body for some requests
			if c.Request().ContentLength == 0 {
				return next(c)
			}

			// Form-encoded bodies carry allocation constraints
			if !strings.HasPrefix(contentType, "application/json") &&
				!strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
				return BadRequestError(
					"Invalid Content-Type",
					"Content-Type must be 'application/json'. Got: "+contentType,
				)
			}
		}

		return next(c)
	}
}

// ValidateAcceptHeader middleware ensures that clients can accept JSON responses
func ValidateAcceptHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accept := c.Request().Header.Get("Accept")

		// the swagger UI is served as HTML
		if accept == "" || c.IsWebSocket() || strings.HasPrefix(c.Request().URL.Path, "/docs/") {
			return next(c)
		}

		if !strings.Contains(accept, "application/json") &&
			!strings.Contains(accept, "*/*") &&
			!strings.Contains(accept, "application/*") &&
			!strings.Contains(accept, "text/plain") {
			return BadRequestError(
				"Invalid Accept header",
				"API only returns JSON. Accept header must include 'application/json' or '*/*'. Got: "+accept,
			)
		}

		return next(c)
	}
}

// ValidateSystemID rejects machine ids that cannot exist.
func ValidateSystemID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if id == "" {
			return next(c)
		}

		if strings.ContainsAny(id, " /") {
			return BadRequestError("Invalid ID format", "ID cannot contain spaces or slashes")
		}
		if len(id) > 64 {
			return BadRequestError("Invalid ID format", "ID must not exceed 64 characters")
		}

		return next(c)
	}
}

// ValidateQueryParams middleware validates the status filter of list operations
func ValidateQueryParams(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, status := range c.QueryParams()["status"] {
			if _, err := models.ParseNodeStatus(status); err != nil {
				return BadRequestError("Invalid status parameter", err.Error())
			}
		}
		return next(c)
	}
}

// SecurityHeaders middleware adds security headers to responses
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		return next(c)
	}
}
