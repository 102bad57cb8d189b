package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// bind decodes and validates a request body.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	return c.Validate(req)
}

// machineFilter builds a registry filter from the list query parameters:
// status, zone, owner, hostname, id, mac_address and agent_name. A present
// but empty agent_name selects machines without one.
func (s *Server) machineFilter(c echo.Context) (storage.MachineFilter, error) {
	query := c.QueryParams()
	filter := storage.MachineFilter{
		Zone:      c.QueryParam("zone"),
		Owner:     c.QueryParam("owner"),
		Hostnames: query["hostname"],
		SystemIDs: query["id"],
	}
	for _, value := range query["status"] {
		status, err := models.ParseNodeStatus(value)
		if err != nil {
			return filter, errs.Invalid("status", "%s", err.Error())
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if macs := query["mac_address"]; len(macs) > 0 {
		if result := s.validator.Check(&MACFilter{MACAddresses: macs}); !result.Valid {
			invalid := make([]string, 0, len(result.Errors))
			for _, e := range result.Errors {
				invalid = append(invalid, fmt.Sprint(e.Value))
			}
			return filter, errs.Invalid("mac_address", "Invalid MAC address(es): %s", strings.Join(invalid, ", "))
		}
		filter.MACAddresses = macs
	}
	if values, ok := query["agent_name"]; ok {
		name := ""
		if len(values) > 0 {
			name = values[0]
		}
		filter.AgentName = &name
	}
	return filter, nil
}

// listMachines handles GET /api/v1/machines
// @Summary List machines
// @Description List machines matching the filters. Power parameters are omitted for non-admins.
// @Tags Machines
// @Produce json
// @Security BearerAuth
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Param id query []string false "System id filter" collectionFormat(multi)
// @Param mac_address query []string false "Interface MAC address filter" collectionFormat(multi)
// @Param agent_name query string false "Agent name filter; empty selects machines without one"
// @Success 200 {object} MachinesResponse "Page of machines"
// @Failure 400 {object} APIError "Invalid filter"
// @Router /machines [get]
func (s *Server) listMachines(c echo.Context) error {
	filter, err := s.machineFilter(c)
	if err != nil {
		return err
	}
	return s.machinePage(c, filter)
}

// listAllocated handles GET /api/v1/machines/allocated
// @Summary List allocated machines
// @Description List the machines held by the caller.
// @Tags Machines
// @Produce json
// @Security BearerAuth
// @Success 200 {object} MachinesResponse "Page of machines"
// @Router /machines/allocated [get]
func (s *Server) listAllocated(c echo.Context) error {
	filter, err := s.machineFilter(c)
	if err != nil {
		return err
	}
	filter.Owner = auth.RequesterFrom(c).Username
	if len(filter.Statuses) == 0 {
		filter.Statuses = append(filter.Statuses, models.OwnedStatuses...)
	}
	return s.machinePage(c, filter)
}

func (s *Server) machinePage(c echo.Context, filter storage.MachineFilter) error {
	machines, err := s.storage.ListMachines(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	limit, offset := parsePagination(c)
	page := paginate(machines, limit, offset)
	redactPowerParameters(auth.RequesterFrom(c), page...)
	return c.JSON(http.StatusOK, MachinesResponse{
		Count:    len(page),
		Total:    len(machines),
		Machines: page,
	})
}

// listPowerParameters returns the power parameters of the machines named
// by id, or of every machine when no id is given.
// @Summary Get power parameters
// @Description Power parameters keyed by system id (admin only).
// @Tags Machines
// @Produce json
// @Security BearerAuth
// @Param id query []string false "System id" collectionFormat(multi)
// @Success 200 {object} map[string]map[string]string "Power parameters"
// @Failure 403 {object} APIError "Forbidden - Admin access required"
// @Router /machines/power-parameters [get]
func (s *Server) listPowerParameters(c echo.Context) error {
	machines, err := s.storage.ListMachines(c.Request().Context(), storage.MachineFilter{
		SystemIDs: c.QueryParams()["id"],
	})
	if err != nil {
		return err
	}
	out := make(map[string]map[string]string, len(machines))
	for _, m := range machines {
		params := m.PowerParameters
		if params == nil {
			params = map[string]string{}
		}
		out[m.SystemID] = params
	}
	return c.JSON(http.StatusOK, out)
}

// redactPowerParameters hides BMC and webhook details from non-admins.
// The machines must be private copies.
func redactPowerParameters(requester models.Requester, machines ...*models.Machine) {
	if requester.IsAdmin() {
		return
	}
	for _, m := range machines {
		m.PowerParameters = nil
	}
}

func (s *Server) getMachine(c echo.Context) error {
	id := c.Param("id")
	m, err := s.storage.GetMachine(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return NotFoundError("Machine", id)
	}
	if err != nil {
		return err
	}
	redactPowerParameters(auth.RequesterFrom(c), m)
	return c.JSON(http.StatusOK, m)
}

// enlistMachine adds a machine in NEW.
func (s *Server) enlistMachine(c echo.Context) error {
	var req EnlistRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	m := req.machine()
	if result := s.validator.ValidateMachine(m); !result.Valid {
		first := result.Errors[0]
		return &APIError{
			Code:    http.StatusBadRequest,
			Message: first.Message,
			Field:   first.Field,
			Context: map[string]interface{}{"errors": result.Errors},
		}
	}

	ctx := c.Request().Context()
	if m.Zone != "" {
		if missing, err := s.storage.MissingZones(ctx, []string{m.Zone}); err != nil {
			return err
		} else if len(missing) > 0 {
			return errs.Invalid("zone", "No such zone: %s.", m.Zone)
		}
	}
	if len(m.Tags) > 0 {
		if missing, err := s.storage.MissingTags(ctx, m.Tags); err != nil {
			return err
		} else if len(missing) > 0 {
			return errs.Invalid("tags", "No such tag(s): %v.", missing)
		}
	}

	if err := s.storage.CreateMachine(ctx, m); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Conflict("Machine %s already exists.", req.Hostname)
		}
		return err
	}

	s.logger.Info("machine enlisted",
		zap.String("system_id", m.SystemID),
		zap.String("hostname", m.Hostname),
		zap.String("requester", auth.RequesterFrom(c).Username))
	s.emitter.Emit(ctx, events.ForMachine(events.MachineEnlisted, m))

	return c.JSON(http.StatusCreated, m)
}

func (s *Server) bulkResponse(c echo.Context, result *lifecycle.BulkResult, err error) error {
	if err != nil {
		return bulkError(result, err)
	}
	return c.JSON(http.StatusOK, BulkResponse{SystemIDs: result.SystemIDs(), BulkResult: result})
}

// acceptMachines moves NEW machines into commissioning.
func (s *Server) acceptMachines(c echo.Context) error {
	var req MachinesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := s.lifecycle.Accept(c.Request().Context(), req.Machines, auth.RequesterFrom(c))
	return s.bulkResponse(c, result, err)
}

// releaseMachines returns machines to the pool.
func (s *Server) releaseMachines(c echo.Context) error {
	var req MachinesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := s.lifecycle.Release(c.Request().Context(), req.Machines, auth.RequesterFrom(c))
	return s.bulkResponse(c, result, err)
}

func (s *Server) setZone(c echo.Context) error {
	var req SetZoneRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := s.lifecycle.SetZone(c.Request().Context(), req.Machines, req.Zone, auth.RequesterFrom(c))
	return s.bulkResponse(c, result, err)
}

func (s *Server) deployMachine(c echo.Context) error {
	m, err := s.lifecycle.Deploy(c.Request().Context(), c.Param("id"), auth.RequesterFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) markDeployed(c echo.Context) error {
	m, err := s.lifecycle.MarkDeployed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) markFailed(c echo.Context) error {
	var req MarkFailedRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	m, err := s.lifecycle.MarkFailed(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// commissioningResult records the script results reported for a machine.
func (s *Server) commissioningResult(c echo.Context) error {
	var req CommissioningResultRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	m, err := s.lifecycle.CompleteCommissioning(c.Request().Context(), c.Param("id"), req.Results)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// listScriptSets returns the script sets of one machine, newest first.
// The type query parameter selects commissioning, testing or installation.
func (s *Server) listScriptSets(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.storage.GetMachine(ctx, id); errors.Is(err, storage.ErrNotFound) {
		return NotFoundError("Machine", id)
	} else if err != nil {
		return err
	}

	var resultType models.ResultType
	if t := c.QueryParam("type"); t != "" {
		switch rt := models.ResultType(t); rt {
		case models.ResultCommissioning, models.ResultTesting, models.ResultInstallation:
			resultType = rt
		default:
			return errs.Invalid("type", "Unknown result type: %s.", t)
		}
	}

	out, err := s.storage.ListScriptSets(ctx, id, resultType)
	if err != nil {
		return err
	}
	if out == nil {
		out = []*models.ScriptSet{}
	}
	return c.JSON(http.StatusOK, out)
}
