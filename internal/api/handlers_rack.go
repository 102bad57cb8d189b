package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/models"
)

// listRackControllers returns every rack controller the region can reach,
// without their RPC tokens.
func (s *Server) listRackControllers(c echo.Context) error {
	racks := s.racks.RackControllers()
	for i := range racks {
		racks[i].Token = ""
	}
	return c.JSON(http.StatusOK, racks)
}

// registerRackController is called by an agent on start. The shared
// secret is checked against the configured bcrypt hash.
func (s *Server) registerRackController(c echo.Context) error {
	var req rackrpc.RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := auth.CompareSecret(req.Secret, s.config.Rack.SecretHash); err != nil {
		if errors.Is(err, auth.ErrInvalidSecret) {
			s.logger.Warn("rack controller registration refused",
				zap.String("id", req.ID),
				zap.String("remote", c.RealIP()))
			return errs.Forbidden("Invalid rack controller secret.")
		}
		return err
	}

	existing := s.racks.HasRackController(req.ID)
	if err := s.racks.AddRackController(req.ID, req.URL, req.Token); err != nil {
		return errs.Invalid("url", "%s", err.Error())
	}

	rc := &models.RackController{
		ID:        req.ID,
		URL:       req.URL,
		Connected: true,
		LastSeen:  time.Now().UTC(),
		Token:     req.Token,
	}
	if err := s.storage.SaveRackController(c.Request().Context(), rc); err != nil {
		return err
	}

	s.logger.Info("rack controller registered",
		zap.String("id", req.ID),
		zap.String("url", req.URL),
		zap.Bool("reregistered", existing))
	s.emitter.Emit(c.Request().Context(), events.Event{
		Type:      events.RackControllerJoined,
		Message:   req.ID,
		Timestamp: rc.LastSeen,
	})

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	rc.Token = ""
	return c.JSON(status, rc)
}

func (s *Server) getDiskErasing(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"value": s.lifecycle.DiskErasingEnabled()})
}

// setDiskErasing flips whether release goes through DISK_ERASING.
func (s *Server) setDiskErasing(c echo.Context) error {
	var req SettingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s.lifecycle.SetDiskErasing(*req.Value)
	return c.JSON(http.StatusOK, map[string]bool{"value": *req.Value})
}

// whoami returns the identity the request was authenticated as.
func (s *Server) whoami(c echo.Context) error {
	return c.JSON(http.StatusOK, auth.RequesterFrom(c))
}
