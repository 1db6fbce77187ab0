package dispensing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/pharmacy/internal/domain/stock"
	"github.com/clinic/pharmacy/internal/domain/visit"
	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/internal/platform/db"
)

// VisitSource loads the visit a session is opened for.
type VisitSource interface {
	Get(ctx context.Context, id uuid.UUID) (*visit.Visit, error)
}

type Handler struct {
	engine *Engine
	store  *Store
	visits VisitSource
}

func NewHandler(engine *Engine, store *Store, visits VisitSource) *Handler {
	return &Handler{engine: engine, store: store, visits: visits}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	pharmacist := auth.RequireRole(auth.RolePharmacist)
	api.POST("/visits/:id/dispensations", h.OpenSession, pharmacist)

	g := api.Group("/dispensations", pharmacist)
	g.GET("/:sid", h.GetSession)
	g.PUT("/:sid/lines/:index/brand", h.SelectBrand)
	g.PUT("/:sid/lines/:index/quantity", h.SetQuantity)
	g.POST("/:sid/commit", h.Commit)
	g.DELETE("/:sid", h.Abandon)
}

func (h *Handler) OpenSession(c echo.Context) error {
	ctx := c.Request().Context()
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	v, err := h.visits.Get(ctx, visitID)
	if err != nil {
		return mapError(err)
	}

	s, err := h.engine.Open(ctx, v.ID, v.Medicines)
	if err != nil {
		return mapError(err)
	}
	if err := h.store.Put(s); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, s.Clone())
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var snap *Session
	err = h.withSession(c, id, func(s *Session) error {
		snap = s.Clone()
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

type selectBrandRequest struct {
	Brand string `json:"brand"`
}

func (h *Handler) SelectBrand(c echo.Context) error {
	id, index, err := lineParams(c)
	if err != nil {
		return err
	}
	var req selectBrandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var snap *Session
	err = h.withSession(c, id, func(s *Session) error {
		if err := h.engine.SelectBrand(c.Request().Context(), s, index, req.Brand); err != nil {
			return err
		}
		snap = s.Clone()
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *Handler) SetQuantity(c echo.Context) error {
	id, index, err := lineParams(c)
	if err != nil {
		return err
	}
	var req setQuantityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Quantity == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "quantity is required")
	}

	var snap *Session
	err = h.withSession(c, id, func(s *Session) error {
		if err := h.engine.SetQuantity(s, index, *req.Quantity); err != nil {
			return err
		}
		snap = s.Clone()
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

type commitResponse struct {
	State  State   `json:"state"`
	Result *Result `json:"result"`
	Error  string  `json:"error,omitempty"`
}

// Commit returns 200 when at least one line was dispensed, 422 with the
// per-line failures when nothing was, and 500 if stock moved but the visit
// record could not be written.
func (h *Handler) Commit(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}

	var (
		res   *Result
		state State
	)
	err = h.withSession(c, id, func(s *Session) error {
		var commitErr error
		res, commitErr = h.engine.Commit(c.Request().Context(), s)
		state = s.State
		return commitErr
	})

	switch {
	case err == nil:
		return c.JSON(http.StatusOK, commitResponse{State: state, Result: res})
	case res == nil:
		return mapError(err)
	case errors.Is(err, ErrNoOpDispensation):
		return c.JSON(http.StatusUnprocessableEntity, commitResponse{State: state, Result: res, Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, commitResponse{State: state, Result: res, Error: err.Error()})
	}
}

func (h *Handler) Abandon(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	if err := h.withSession(c, id, h.engine.Abandon); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// withSession runs fn on the session only when the request resolves to the
// clinic the session was opened in. Sessions of other clinics are reported as
// missing.
func (h *Handler) withSession(c echo.Context, id uuid.UUID, fn func(*Session) error) error {
	clinicID := db.ClinicFromContext(c.Request().Context())
	return h.store.Do(id, func(s *Session) error {
		if s.ClinicID != clinicID {
			return ErrSessionNotFound
		}
		return fn(s)
	})
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("sid"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

func lineParams(c echo.Context) (uuid.UUID, int, error) {
	id, err := sessionID(c)
	if err != nil {
		return uuid.Nil, 0, err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return uuid.Nil, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid line index")
	}
	return id, index, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, visit.ErrNotFound), errors.Is(err, ErrLineIndex), errors.Is(err, stock.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionExists), errors.Is(err, ErrAmbiguousBrand), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrUnmatchedMedicine), errors.Is(err, ErrUnknownBrand):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
