package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/storage"
)

// queryPowerState asks the machine's rack controller for its power state
// and returns the persisted result.
func (s *Server) queryPowerState(c echo.Context) error {
	id := c.Param("id")
	state, err := s.power.Query(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PowerStateResponse{SystemID: id, State: state})
}

func (s *Server) powerOn(c echo.Context) error {
	return s.powerCommand(c, "on")
}

func (s *Server) powerOff(c echo.Context) error {
	return s.powerCommand(c, "off")
}

// powerCommand queues a power change and answers 202. The outcome arrives
// as a power_changed or power_failed event.
func (s *Server) powerCommand(c echo.Context, action string) error {
	id := c.Param("id")
	m, err := s.storage.GetMachine(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return NotFoundError("Machine", id)
	}
	if err != nil {
		return err
	}

	requester := auth.RequesterFrom(c)
	if !requester.CanEdit(m) {
		return errs.Forbidden("You don't have the required permission to power %s machine %s.", action, id)
	}
	if m.PowerType == "" {
		return errs.Invalid("power_type", "Machine %s has no power type configured.", id)
	}

	if action == "on" {
		s.power.Start(m)
	} else {
		s.power.Stop(m)
	}

	s.logger.Info("power command queued",
		zap.String("system_id", id),
		zap.String("action", action),
		zap.String("requester", requester.Username))
	return c.JSON(http.StatusAccepted, PowerStateResponse{
		SystemID: id,
		State:    m.PowerState,
		Message:  "Power " + action + " requested.",
	})
}
