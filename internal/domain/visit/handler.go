package visit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/pharmacy/internal/domain/prescription"
	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/visits", auth.RequireRole(auth.RolePhysician, auth.RolePharmacist))
	read.GET("", h.ListVisits)
	read.GET("/:id", h.GetVisit)

	write := api.Group("/visits", auth.RequireRole(auth.RolePhysician))
	write.POST("", h.CreateVisit)
}

type createVisitRequest struct {
	PatientID  string              `json:"patient_id"`
	DoctorType string              `json:"doctor_type"`
	VisitDate  *time.Time          `json:"visit_date"`
	Medicines  string              `json:"medicines"`
	Lines      []prescription.Line `json:"lines"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req createVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v := &Visit{PatientID: req.PatientID, DoctorType: req.DoctorType, Medicines: req.Medicines}
	if req.VisitDate != nil {
		v.VisitDate = req.VisitDate.UTC()
	}
	if err := h.svc.Create(c.Request().Context(), v, req.Lines); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, visitView{Visit: v, Lines: v.Lines()})
}

// visitView adds the parsed prescription to a visit.
type visitView struct {
	*Visit
	Lines []prescription.Line `json:"lines"`
}

// ListVisits supports ?status=pending|dispensed|all and ?patient_id=.
func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := ListParams{Status: c.QueryParam("status"), PatientID: c.QueryParam("patient_id")}

	items, total, err := h.svc.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*Visit{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
