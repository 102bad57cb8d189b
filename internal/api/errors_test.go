package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/internal/storage"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		want     string
	}{
		{
			name:     "error with details",
			apiError: &APIError{Code: 400, Message: "Bad Request", Details: "Invalid JSON format"},
			want:     "Bad Request: Invalid JSON format",
		},
		{
			name:     "error without details",
			apiError: &APIError{Code: 404, Message: "Not Found"},
			want:     "Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.apiError.Error())
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("Machine", "abc123")
	assert.Equal(t, http.StatusNotFound, err.Code)
	assert.Equal(t, "Machine not found", err.Message)
	assert.Equal(t, "abc123", err.Context["id"])
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantMsg   string
		wantField string
	}{
		{
			name:     "api error passes through",
			err:      BadRequestError("Invalid request body", "eof"),
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid request body",
		},
		{
			name:      "bad request kind",
			err:       errs.Invalid("zone", "No such zone: %s.", "z9"),
			wantCode:  http.StatusBadRequest,
			wantMsg:   "No such zone: z9.",
			wantField: "zone",
		},
		{
			name:     "forbidden kind",
			err:      errs.Forbidden("nope"),
			wantCode: http.StatusForbidden,
			wantMsg:  "nope",
		},
		{
			name:     "not found kind",
			err:      errs.NotFound("gone"),
			wantCode: http.StatusNotFound,
			wantMsg:  "gone",
		},
		{
			name:     "conflict kind",
			err:      errs.Conflict("No machine available."),
			wantCode: http.StatusConflict,
			wantMsg:  "No machine available.",
		},
		{
			name:     "unavailable kind",
			err:      errs.Unavailable("rack down"),
			wantCode: http.StatusServiceUnavailable,
			wantMsg:  "rack down",
		},
		{
			name:     "wrapped domain error",
			err:      fmt.Errorf("deploy: %w", errs.Conflict("busy")),
			wantCode: http.StatusConflict,
			wantMsg:  "busy",
		},
		{
			name:     "storage not found",
			err:      fmt.Errorf("machine x: %w", storage.ErrNotFound),
			wantCode: http.StatusNotFound,
			wantMsg:  "Resource not found",
		},
		{
			name:     "storage already exists",
			err:      storage.ErrAlreadyExists,
			wantCode: http.StatusConflict,
			wantMsg:  "Already exists",
		},
		{
			name:     "storage precondition",
			err:      storage.ErrPreconditionFailed,
			wantCode: http.StatusConflict,
			wantMsg:  "Conflict",
		},
		{
			name:     "echo http error",
			err:      echo.NewHTTPError(http.StatusUnauthorized, "invalid token"),
			wantCode: http.StatusUnauthorized,
			wantMsg:  "Unauthorized",
		},
		{
			name:     "anything else",
			err:      errors.New("disk on fire"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toAPIError(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantMsg, got.Message)
			assert.Equal(t, tt.wantField, got.Field)
		})
	}
}

func TestBulkError(t *testing.T) {
	result := &lifecycle.BulkResult{Unknown: []string{"zzz"}}
	err := errs.BadRequest("Unknown machine(s): zzz.")

	got := bulkError(result, err)
	assert.Equal(t, http.StatusBadRequest, got.Code)
	assert.Same(t, result, got.Context["result"])

	t.Run("nil result", func(t *testing.T) {
		got := bulkError(nil, err)
		assert.Nil(t, got.Context)
	})

	t.Run("does not mutate shared errors", func(t *testing.T) {
		shared := BadRequestError("x", "")
		got := bulkError(result, shared)
		assert.NotNil(t, got.Context)
		assert.Nil(t, shared.Context)
	})
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		debug       bool
		err         error
		wantStatus  int
		wantDetails string
		wantBody    bool
	}{
		{
			name:       "domain error",
			method:     http.MethodGet,
			err:        errs.Conflict("busy"),
			wantStatus: http.StatusConflict,
			wantBody:   true,
		},
		{
			name:        "internal error hidden",
			method:      http.MethodGet,
			err:         errors.New("badger: txn too big"),
			wantStatus:  http.StatusInternalServerError,
			wantDetails: "An internal error occurred. Please try again later.",
			wantBody:    true,
		},
		{
			name:        "internal error shown in debug",
			method:      http.MethodGet,
			debug:       true,
			err:         errors.New("badger: txn too big"),
			wantStatus:  http.StatusInternalServerError,
			wantDetails: "badger: txn too big",
			wantBody:    true,
		},
		{
			name:       "head has no body",
			method:     http.MethodHead,
			err:        NotFoundError("Machine", "x"),
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Debug = tt.debug
			req := httptest.NewRequest(tt.method, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			newErrorHandler(zap.NewNop())(tt.err, c)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if !tt.wantBody {
				assert.Empty(t, rec.Body.String())
				return
			}
			var body APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Code)
			if tt.wantDetails != "" {
				assert.Equal(t, tt.wantDetails, body.Details)
			}
		})
	}
}

func TestGetHTTPMessage(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{http.StatusBadRequest, "Bad request"},
		{http.StatusNotFound, "Resource not found"},
		{http.StatusServiceUnavailable, "Service unavailable"},
		{http.StatusTeapot, http.StatusText(http.StatusTeapot)},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, getHTTPMessage(tt.code))
		})
	}
}
