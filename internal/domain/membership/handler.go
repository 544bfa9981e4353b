package membership

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/auth"
	"github.com/ehr/carecore/internal/platform/lease"
	"github.com/ehr/carecore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleViewer))
	read.GET("/members", h.ListMembers)
	read.GET("/members/:id", h.GetMember)
	read.GET("/staff/:role", h.ListStaff)
	read.GET("/staff/:role/:id", h.GetStaff)
	read.GET("/staff/:role/:id/assignments", h.StaffAssignment)

	write := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	write.POST("/members", h.CreateMember)
	write.DELETE("/members/:id", h.DeleteMember)
	write.POST("/members/:id/subprofiles", h.LinkSubprofile)
	write.PUT("/members/:id/primary", h.ReparentSubprofile)
	write.DELETE("/members/:id/primary", h.UnlinkSubprofile)
	write.PUT("/members/:id/team/:role", h.AssignStaff)
	write.POST("/staff/:role", h.CreateStaff)
	write.POST("/staff/:role/bulk-assign", h.BulkAssignStaff)
	write.DELETE("/staff/:role/:id", h.DeleteStaff)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/reconcile", h.Reconcile)
}

type createMemberRequest struct {
	Name            string  `json:"name"`
	PrimaryMemberID *string `json:"primary_member_id"`
}

type linkRequest struct {
	SubID string `json:"sub_id"`
}

type reparentRequest struct {
	PrimaryID string `json:"primary_id"`
}

type assignRequest struct {
	StaffID string `json:"staff_id"`
}

type bulkAssignRequest struct {
	StaffID   string   `json:"staff_id"`
	MemberIDs []string `json:"member_ids"`
}

type createStaffRequest struct {
	Name string `json:"name"`
}

func roleParam(c echo.Context) (Role, error) {
	role, err := ParseRole(c.Param("role"))
	if err != nil {
		return "", apperr.HTTPError(err)
	}
	return role, nil
}

// -- Members --

func (h *Handler) CreateMember(c echo.Context) error {
	var req createMemberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := &Member{Name: req.Name, PrimaryMemberID: req.PrimaryMemberID}
	if err := h.svc.CreateMember(c.Request().Context(), m); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMember(c echo.Context) error {
	m, err := h.svc.GetMember(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMembers(c echo.Context) error {
	p := pagination.FromContext(c)
	members, total, err := h.svc.ListMembers(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(members, total, p, c.Request().URL.Path))
}

func (h *Handler) DeleteMember(c echo.Context) error {
	if err := h.svc.DeleteMember(c.Request().Context(), c.Param("id")); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LinkSubprofile(c echo.Context) error {
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SubID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sub_id is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.LinkSubprofile(ctx, c.Param("id"), req.SubID); err != nil {
		return apperr.HTTPError(err)
	}
	m, err := h.svc.GetMember(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ReparentSubprofile(c echo.Context) error {
	var req reparentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PrimaryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "primary_id is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.ReparentSubprofile(ctx, c.Param("id"), req.PrimaryID); err != nil {
		return apperr.HTTPError(err)
	}
	m, err := h.svc.GetMember(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) UnlinkSubprofile(c echo.Context) error {
	if err := h.svc.UnlinkSubprofile(c.Request().Context(), c.Param("id")); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AssignStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StaffID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "staff_id is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.AssignStaff(ctx, c.Param("id"), role, req.StaffID); err != nil {
		return apperr.HTTPError(err)
	}
	m, err := h.svc.GetMember(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Staff --

func (h *Handler) CreateStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	var req createStaffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st := &Staff{Role: role, Name: req.Name}
	if err := h.svc.CreateStaff(c.Request().Context(), st); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetStaff(c.Request().Context(), role, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	staff, total, err := h.svc.ListStaff(c.Request().Context(), role, p.Limit, p.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(staff, total, p, c.Request().URL.Path))
}

func (h *Handler) DeleteStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteStaff(c.Request().Context(), role, c.Param("id")); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) StaffAssignment(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	status, err := h.svc.StaffAssignment(c.Request().Context(), role, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) BulkAssignStaff(c echo.Context) error {
	role, err := roleParam(c)
	if err != nil {
		return err
	}
	var req bulkAssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StaffID == "" || len(req.MemberIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "staff_id and member_ids are required")
	}
	res, err := h.svc.BulkAssignStaff(c.Request().Context(), req.MemberIDs, role, req.StaffID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reconcile(c echo.Context) error {
	report, err := h.svc.Reconcile(c.Request().Context())
	if errors.Is(err, lease.ErrNotAcquired) {
		return echo.NewHTTPError(http.StatusConflict, "reconciliation already running")
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}
