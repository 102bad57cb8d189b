package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/internal/storage"
)

// APIError represents a structured API error with HTTP status code.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// Field names the request field at fault, if any
	Field string `json:"field,omitempty"`

	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(code int, message string, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

func NotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Context: map[string]interface{}{"id": id},
	}
}

// statusForKind maps a domain error kind to its HTTP status.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindBadRequest:
		return http.StatusBadRequest
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// toAPIError converts any handler error into the response body.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return &APIError{
			Code:    he.Code,
			Message: getHTTPMessage(he.Code),
			Details: fmt.Sprintf("%v", he.Message),
		}
	}

	var de *errs.Error
	if errors.As(err, &de) {
		return &APIError{
			Code:    statusForKind(de.Kind),
			Message: de.Message,
			Field:   de.Field,
		}
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &APIError{Code: http.StatusNotFound, Message: getHTTPMessage(http.StatusNotFound), Details: err.Error()}
	case errors.Is(err, storage.ErrAlreadyExists):
		return &APIError{Code: http.StatusConflict, Message: "Already exists", Details: err.Error()}
	case errors.Is(err, storage.ErrPreconditionFailed):
		return &APIError{Code: http.StatusConflict, Message: getHTTPMessage(http.StatusConflict), Details: err.Error()}
	}

	return &APIError{
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
		Details: err.Error(),
	}
}

// bulkError attaches the per-machine buckets of a bulk operation to its
// worst-status error.
func bulkError(result *lifecycle.BulkResult, err error) *APIError {
	apiErr := toAPIError(err)
	if result != nil {
		copied := *apiErr
		copied.Context = map[string]interface{}{"result": result}
		return &copied
	}
	return apiErr
}

// newErrorHandler returns the echo error handler. Server errors are logged.
func newErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		// Don't send response if already sent
		if c.Response().Committed {
			return
		}

		apiErr := toAPIError(err)
		if apiErr.Code >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", apiErr.Code),
				zap.Error(err))
		}

		// Don't expose internal errors in production
		if apiErr.Code == http.StatusInternalServerError && !c.Echo().Debug {
			copied := *apiErr
			copied.Details = "An internal error occurred. Please try again later."
			apiErr = &copied
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(apiErr.Code)
		} else {
			err = c.JSON(apiErr.Code, apiErr)
		}
		if err != nil {
			logger.Warn("failed to write error response", zap.Error(err))
		}
	}
}

// getHTTPMessage returns a user-friendly message for HTTP status codes.
func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusForbidden:           "Forbidden",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusConflict:            "Conflict",
		http.StatusUnprocessableEntity: "Unprocessable entity",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
