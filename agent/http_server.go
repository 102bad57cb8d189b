package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/models"
)

// Handler returns the agent's HTTP handler.
func (a *Agent) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc(rackrpc.PathHealth, a.handleHealth).Methods(http.MethodGet)

	rpc := router.PathPrefix("/rpc").Subrouter()
	rpc.Use(a.requireToken)
	rpc.HandleFunc("/power/{action:query|on|off}", a.handlePower).Methods(http.MethodPost)
	rpc.HandleFunc("/disks/erase", a.handleErase).Methods(http.MethodPost)

	return router
}

// requireToken rejects RPCs without the agent's bearer token.
func (a *Agent) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, rackrpc.CodeUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports agent status.
func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rackrpc.HealthResponse{
		Status:  "healthy",
		ID:      a.id,
		Drivers: a.Drivers(),
		Uptime:  time.Since(a.startTime).Seconds(),
	})
}

func (a *Agent) handlePower(w http.ResponseWriter, r *http.Request) {
	var req rackrpc.PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rackrpc.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	driver, ok := a.driver(w, req.Machine)
	if !ok {
		return
	}

	action := mux.Vars(r)["action"]
	var (
		state models.PowerState
		err   error
	)
	switch action {
	case "on":
		state, err = driver.On(r.Context(), req.Machine)
	case "off":
		state, err = driver.Off(r.Context(), req.Machine)
	default:
		state, err = driver.Query(r.Context(), req.Machine)
	}
	if err != nil {
		a.logger.Info("power action failed",
			zap.String("system_id", req.Machine.SystemID),
			zap.String("action", action),
			zap.Error(err))
		a.writeDriverError(w, err)
		return
	}

	a.logger.Debug("power action",
		zap.String("system_id", req.Machine.SystemID),
		zap.String("action", action),
		zap.String("power_state", string(state)))
	writeJSON(w, http.StatusOK, rackrpc.PowerResponse{State: state})
}

func (a *Agent) handleErase(w http.ResponseWriter, r *http.Request) {
	var req rackrpc.EraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rackrpc.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	driver, ok := a.driver(w, req.Machine)
	if !ok {
		return
	}

	a.logger.Info("erasing disks",
		zap.String("system_id", req.Machine.SystemID),
		zap.Bool("secure", req.Secure))
	if err := driver.EraseDisks(r.Context(), req.Machine, req.Secure); err != nil {
		a.writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rackrpc.EraseResponse{Erased: true})
}

func (a *Agent) driver(w http.ResponseWriter, m models.PowerDescriptor) (Driver, bool) {
	if m.SystemID == "" {
		writeError(w, http.StatusBadRequest, rackrpc.CodeBadRequest, "machine.system_id is required")
		return nil, false
	}
	d, ok := a.drivers[m.PowerType]
	if !ok {
		writeError(w, http.StatusNotImplemented, rackrpc.CodeNotImplemented, "Unknown power type: "+m.PowerType)
		return nil, false
	}
	return d, true
}

func (a *Agent) writeDriverError(w http.ResponseWriter, err error) {
	var (
		fail *rackrpc.PowerActionFail
		ni   *rackrpc.NotImplementedError
	)
	switch {
	case errors.As(err, &ni):
		writeError(w, http.StatusNotImplemented, rackrpc.CodeNotImplemented, ni.Reason)
	case errors.As(err, &fail):
		writeError(w, http.StatusBadGateway, rackrpc.CodePowerActionFail, fail.Reason)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, rackrpc.CodePowerActionFail, err.Error())
	default:
		writeError(w, http.StatusBadGateway, rackrpc.CodePowerActionFail, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, rackrpc.ErrorResponse{Code: code, Message: message})
}
