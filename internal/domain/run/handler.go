package run

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/migrate/internal/domain/ledger"
	"github.com/ehr/migrate/internal/platform/auth"
	"github.com/ehr/migrate/internal/platform/source"
	"github.com/ehr/migrate/pkg/pagination"
)

// maxArtifactBytes caps one uploaded source file.
const maxArtifactBytes = 64 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	operator := auth.RequireRole("admin", "operator")

	runs := api.Group("/runs", operator)
	runs.POST("", h.CreateRun)
	runs.GET("", h.ListRuns)
	runs.GET("/:id", h.GetRun)
	runs.GET("/:id/report", h.GetReport)
	runs.GET("/:id/mapping", h.GetMapping)
	runs.POST("/:id/mapping/approve", h.ApproveMapping)
	runs.POST("/:id/artifacts", h.UploadArtifact)
	runs.POST("/:id/start", h.StartRun)
	runs.POST("/:id/phases/:phase", h.AdvancePhase)
}

type createRunRequest struct {
	Vendor     string `json:"vendor"`
	SourceKind string `json:"sourceKind"`
	Start      bool   `json:"start"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SourceKind == "" {
		req.SourceKind = string(source.KindFlatFile)
	}
	if !auth.VendorAllowed(c.Request().Context(), req.Vendor) {
		return echo.NewHTTPError(http.StatusForbidden, "token does not cover vendor "+req.Vendor)
	}

	rn, err := h.svc.CreateRun(c.Request().Context(), req.Vendor, source.Kind(req.SourceKind))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Start {
		h.svc.ExecuteAsync(rn.ID)
	}
	return c.JSON(http.StatusCreated, rn)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	rn, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, rn)
}

type reportResponse struct {
	Report        *Reconciliation `json:"report"`
	FailedRecords []*ledger.Entry `json:"failedRecords"`
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	report, failed, err := h.svc.Report(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, reportResponse{Report: report, FailedRecords: failed})
}

func (h *Handler) GetMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	rn, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	if rn.MappingSpec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run has no mapping spec yet")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"spec":               rn.MappingSpec,
		"approved":           rn.MappingApproved,
		"correctionAttempts": rn.CorrectionAttempts,
	})
}

func (h *Handler) ApproveMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	if err := h.vendorGuard(c, id); err != nil {
		return err
	}
	rn, err := h.svc.ApproveMapping(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, rn)
}

func (h *Handler) UploadArtifact(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	if err := h.vendorGuard(c, id); err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if file.Size > maxArtifactBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds upload limit")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxArtifactBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read uploaded file")
	}

	ref, err := h.svc.UploadArtifact(c.Request().Context(), id, file.Filename, data)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusCreated, ref)
}

func (h *Handler) StartRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	rn, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	if !auth.VendorAllowed(c.Request().Context(), rn.Vendor) {
		return echo.NewHTTPError(http.StatusForbidden, "token does not cover vendor "+rn.Vendor)
	}
	if rn.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "run already finished")
	}
	h.svc.ExecuteAsync(id)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) AdvancePhase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	if err := h.vendorGuard(c, id); err != nil {
		return err
	}
	rn, err := h.svc.AdvancePhase(c.Request().Context(), id, c.Param("phase"))
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, rn)
}

// vendorGuard rejects callers whose token does not cover the run's vendor.
// Mutating routes call it before touching the run.
func (h *Handler) vendorGuard(c echo.Context, id uuid.UUID) error {
	rn, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	if !auth.VendorAllowed(c.Request().Context(), rn.Vendor) {
		return echo.NewHTTPError(http.StatusForbidden, "token does not cover vendor "+rn.Vendor)
	}
	return nil
}

// runError maps service errors onto HTTP statuses.
func runError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, ErrUnknownPhase):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPhaseOrder),
		errors.Is(err, ErrMappingNotApproved),
		errors.Is(err, ErrNoMappingSpec):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoReport):
		return echo.NewHTTPError(http.StatusNotFound, "reconciliation report not ready")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
