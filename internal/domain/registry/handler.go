package registry

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/auth"
	"github.com/ehr/carecore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/registry", auth.RequireRole(auth.RoleCoordinator, auth.RoleViewer))
	read.GET("/:entity", h.List)
	read.GET("/:entity/next", h.PeekNext)
	read.GET("/:entity/:id", h.Get)

	write := api.Group("/registry", auth.RequireRole(auth.RoleCoordinator))
	write.POST("/:entity", h.Register)
	write.DELETE("/:entity/:id", h.Delete)
}

type registerRequest struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}

func entityParam(c echo.Context) coding.EntityType {
	return coding.EntityType(c.Param("entity"))
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Register(c.Request().Context(), entityParam(c), req.Name, req.Attributes)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), entityParam(c), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	recs, total, err := h.svc.List(c.Request().Context(), entityParam(c), p.Limit, p.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, p, c.Request().URL.Path))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), entityParam(c), c.Param("id")); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PeekNext(c echo.Context) error {
	code, err := h.svc.PeekNext(c.Request().Context(), entityParam(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"entity": c.Param("entity"), "next_code": code})
}
