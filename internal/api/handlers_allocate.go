package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/allocation"
	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/constraints"
	"evalgo.org/metalpool/internal/errs"
)

// allocateParams collects allocation parameters from the query string and
// from a form or JSON body. Body values are appended after query values.
func allocateParams(c echo.Context) (map[string][]string, error) {
	params := make(map[string][]string)
	for k, v := range c.QueryParams() {
		params[k] = append(params[k], v...)
	}

	req := c.Request()
	if req.ContentLength == 0 {
		return params, nil
	}

	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
		// Form would repeat the query values
		if err := req.ParseForm(); err != nil {
			return nil, BadRequestError("Invalid request body", err.Error())
		}
		for k, v := range req.PostForm {
			params[k] = append(params[k], v...)
		}
		return params, nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, BadRequestError("Invalid request body", err.Error())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, BadRequestError("Invalid request body", err.Error())
	}
	for k, v := range body {
		values, err := stringValues(v)
		if err != nil {
			return nil, errs.Invalid(k, "Invalid value for %s: %s", k, err.Error())
		}
		params[k] = append(params[k], values...)
	}
	return params, nil
}

// stringValues flattens a JSON value into request parameter strings.
func stringValues(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case bool:
		return []string{strconv.FormatBool(val)}, nil
	case float64:
		return []string{strconv.FormatFloat(val, 'f', -1, 64)}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			values, err := stringValues(item)
			if err != nil {
				return nil, err
			}
			out = append(out, values...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func boolParam(params map[string][]string, key string) (bool, error) {
	values := params[key]
	if len(values) == 0 || values[0] == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(values[0])
	if err != nil {
		return false, errs.Invalid(key, "Invalid boolean value for %s: %s", key, values[0])
	}
	return b, nil
}

func firstParam(params map[string][]string, key string) string {
	if values := params[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// allocateMachine picks a READY machine matching the supplied constraints
// and allocates it to the requester.
func (s *Server) allocateMachine(c echo.Context) error {
	params, err := allocateParams(c)
	if err != nil {
		return err
	}

	set, err := constraints.Parse(params)
	if err != nil {
		return err
	}

	var opts allocation.Options
	if opts.Verbose, err = boolParam(params, "verbose"); err != nil {
		return err
	}
	if opts.DryRun, err = boolParam(params, "dry_run"); err != nil {
		return err
	}
	opts.AgentName = firstParam(params, "agent_name")

	requester := auth.RequesterFrom(c)
	result, err := s.allocator.Allocate(c.Request().Context(), set, requester, opts)
	if err != nil {
		return err
	}

	if comment := firstParam(params, "comment"); comment != "" && !opts.DryRun {
		s.logger.Info("allocation comment",
			zap.String("system_id", result.Machine.SystemID),
			zap.String("requester", requester.Username),
			zap.String("comment", comment))
	}

	resp := allocationResponse(result)
	resp.Machine = result.Machine.Clone()
	redactPowerParameters(requester, resp.Machine)
	return c.JSON(http.StatusOK, resp)
}

func allocationResponse(result *allocation.Result) AllocationResponse {
	report := result.Report
	resp := AllocationResponse{
		Machine:       result.Machine,
		ConstraintMap: report.ConstraintMap,
		ConstraintsByType: ConstraintsByType{
			Storage:    report.Storage,
			Interfaces: report.Interfaces,
		},
		VerboseStorage:    report.VerboseStorage,
		VerboseInterfaces: report.VerboseInterfaces,
		DryRun:            result.DryRun,
	}
	return resp
}
