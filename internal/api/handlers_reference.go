package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// createdOrConflict turns a duplicate key into a 409 naming the record.
func createdOrConflict(c echo.Context, kind, name string, err error, v interface{}) error {
	if errors.Is(err, storage.ErrAlreadyExists) {
		return errs.Conflict("%s %s already exists.", kind, name)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

// deleted maps the outcome of a delete onto the response.
func deleted(c echo.Context, kind, name string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NotFoundError(kind, name)
	case errors.Is(err, storage.ErrPreconditionFailed):
		return &APIError{Code: http.StatusConflict, Message: "Cannot delete " + kind + " " + name, Details: err.Error()}
	case err != nil:
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listZones(c echo.Context) error {
	zones, err := s.storage.ListZones(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, zones)
}

func (s *Server) getZone(c echo.Context) error {
	name := c.Param("name")
	z, err := s.storage.GetZone(c.Request().Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		return NotFoundError("Zone", name)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, z)
}

func (s *Server) createZone(c echo.Context) error {
	var req ZoneRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	z := &models.Zone{Name: req.Name, Description: req.Description}
	return createdOrConflict(c, "Zone", req.Name, s.storage.CreateZone(c.Request().Context(), z), z)
}

func (s *Server) deleteZone(c echo.Context) error {
	name := c.Param("name")
	return deleted(c, "Zone", name, s.storage.DeleteZone(c.Request().Context(), name))
}

func (s *Server) listTags(c echo.Context) error {
	tags, err := s.storage.ListTags(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tags)
}

func (s *Server) createTag(c echo.Context) error {
	var req TagRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	t := &models.Tag{Name: req.Name, Comment: req.Comment}
	return createdOrConflict(c, "Tag", req.Name, s.storage.CreateTag(c.Request().Context(), t), t)
}

func (s *Server) deleteTag(c echo.Context) error {
	name := c.Param("name")
	return deleted(c, "Tag", name, s.storage.DeleteTag(c.Request().Context(), name))
}

func (s *Server) listFabrics(c echo.Context) error {
	fabrics, err := s.storage.ListFabrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fabrics)
}

func (s *Server) createFabric(c echo.Context) error {
	var req FabricRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	f := &models.Fabric{Name: req.Name, Description: req.Description}
	return createdOrConflict(c, "Fabric", req.Name, s.storage.CreateFabric(c.Request().Context(), f), f)
}

func (s *Server) deleteFabric(c echo.Context) error {
	name := c.Param("name")
	return deleted(c, "Fabric", name, s.storage.DeleteFabric(c.Request().Context(), name))
}

func (s *Server) listSubnets(c echo.Context) error {
	subnets, err := s.storage.ListSubnets(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subnets)
}

func (s *Server) createSubnet(c echo.Context) error {
	var req SubnetRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if req.Fabric != "" {
		fabrics, err := s.storage.ListFabrics(ctx)
		if err != nil {
			return err
		}
		known := false
		for _, f := range fabrics {
			if f.Name == req.Fabric {
				known = true
				break
			}
		}
		if !known {
			return errs.Invalid("fabric", "No such fabric: %s.", req.Fabric)
		}
	}
	sn := &models.Subnet{Name: req.Name, CIDR: req.CIDR, Fabric: req.Fabric, VID: req.VID}
	return createdOrConflict(c, "Subnet", req.Name, s.storage.CreateSubnet(ctx, sn), sn)
}

func (s *Server) deleteSubnet(c echo.Context) error {
	name := c.Param("name")
	return deleted(c, "Subnet", name, s.storage.DeleteSubnet(c.Request().Context(), name))
}
