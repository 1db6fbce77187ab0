package stock

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/internal/platform/telemetry"
	"github.com/clinic/pharmacy/pkg/pagination"
)

// AdvisoryDefaults are used when the advisory endpoint gets no overrides.
type AdvisoryDefaults struct {
	LowStockThreshold int
	ExpiryWindow      time.Duration
}

type Handler struct {
	svc      *Service
	metrics  *telemetry.Metrics
	advisory AdvisoryDefaults
	now      func() time.Time
}

func NewHandler(svc *Service, metrics *telemetry.Metrics, advisory AdvisoryDefaults) *Handler {
	return &Handler{svc: svc, metrics: metrics, advisory: advisory, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/stock", auth.RequireRole(auth.RolePharmacist, auth.RolePhysician))
	read.GET("", h.ListStock)
	read.GET("/lookup", h.Lookup)
	read.GET("/advisory", h.Advisory)

	write := api.Group("/stock", auth.RequireRole(auth.RolePharmacist))
	write.PUT("/adjust", h.Adjust)
	write.POST("/import", h.Import)
}

func (h *Handler) ListStock(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := ListParams{Generic: strings.TrimSpace(c.QueryParam("generic"))}
	if v := c.QueryParam("in_stock"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "in_stock must be true or false")
		}
		params.InStock = &b
	}
	if v := c.QueryParam("max_qty"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "max_qty must be a non-negative integer")
		}
		params.MaxQty = &n
	}

	items, total, err := h.svc.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*StockItem{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// Lookup finds stock by key, by generic and brand, or by generic alone.
// The generic-only form returns every brand on file.
func (h *Handler) Lookup(c echo.Context) error {
	ctx := c.Request().Context()

	if key := c.QueryParam("key"); key != "" {
		item, err := h.svc.LookupByKey(ctx, key)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, item)
	}

	generic := strings.TrimSpace(c.QueryParam("generic"))
	if generic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key or generic is required")
	}
	if brand := strings.TrimSpace(c.QueryParam("brand")); brand != "" {
		item, err := h.svc.LookupByGenericAndBrand(ctx, generic, brand)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, item)
	}

	items, err := h.svc.LookupByGenericOnly(ctx, generic)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*StockItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Advisory(c echo.Context) error {
	low := h.advisory.LowStockThreshold
	if v := c.QueryParam("low_threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "low_threshold must be a non-negative integer")
		}
		low = n
	}
	window := h.advisory.ExpiryWindow
	if v := c.QueryParam("window_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window_days must be a non-negative integer")
		}
		window = time.Duration(n) * 24 * time.Hour
	}

	adv, err := h.svc.Advisory(c.Request().Context(), low, window, h.now().UTC())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, adv)
}

type adjustRequest struct {
	Key      string `json:"key"`
	Quantity *int   `json:"quantity"`
}

func (h *Handler) Adjust(c echo.Context) error {
	var req adjustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Key == "" || req.Quantity == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "key and quantity are required")
	}
	item, err := h.svc.Adjust(c.Request().Context(), req.Key, *req.Quantity)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// Import accepts a reference list as text/csv, as a multipart "file" field, or
// as a JSON array of rows. The encoding query parameter selects the CSV
// character set. With replace=true items missing from the list are deleted.
func (h *Handler) Import(c echo.Context) error {
	replace := false
	if v := c.QueryParam("replace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "replace must be a boolean")
		}
		replace = b
	}
	rows, err := h.readImport(c)
	if err != nil {
		return err
	}
	importFn := h.svc.ImportBulk
	if replace {
		importFn = h.svc.ReplaceCatalog
	}
	res, err := importFn(c.Request().Context(), rows)
	if err != nil {
		return mapError(err)
	}
	h.metrics.RowsImported(res.RowsRead)
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) readImport(c echo.Context) ([]ImportRow, error) {
	encoding := c.QueryParam("encoding")
	ctype := c.Request().Header.Get(echo.HeaderContentType)

	switch {
	case strings.HasPrefix(ctype, echo.MIMEMultipartForm):
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "multipart upload needs a file field")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		defer f.Close()
		return csvRows(f, encoding)
	case strings.HasPrefix(ctype, "text/csv"), strings.HasPrefix(ctype, echo.MIMETextPlain):
		return csvRows(c.Request().Body, encoding)
	default:
		var rows []ImportRow
		if err := c.Bind(&rows); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return rows, nil
	}
}

func csvRows(r io.Reader, encoding string) ([]ImportRow, error) {
	rows, err := ReadCSV(r, encoding)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return rows, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInsufficientStock):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrEmptyImport):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
