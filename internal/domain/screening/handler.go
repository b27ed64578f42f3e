package screening

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skids/eyear/internal/domain/identity"
	"github.com/skids/eyear/internal/errs"
	"github.com/skids/eyear/internal/platform/auth"
	"github.com/skids/eyear/internal/platform/syncqueue"
)

type Handler struct {
	svc    *Service
	policy auth.Capability
}

func NewHandler(svc *Service, policy auth.Capability) *Handler {
	return &Handler{svc: svc, policy: policy}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	resultRead := api.Group("", auth.RequireRead(h.policy, auth.ResourceScreeningResult))
	resultRead.GET("/results/:id", h.GetResult)
	resultRead.GET("/results/pending", h.ListPending)
	resultRead.GET("/children/:childId/results", h.ListByChild)

	resultWrite := api.Group("", auth.RequireWrite(h.policy, auth.ResourceScreeningResult))
	resultWrite.POST("/results", h.CreateResult)

	profileRead := api.Group("", auth.RequireRead(h.policy, auth.ResourceChildProfile))
	profileRead.GET("/children/:childId/qr", h.ChildQR)

	profileWrite := api.Group("", auth.RequireWrite(h.policy, auth.ResourceChildProfile))
	profileWrite.POST("/children/enroll", h.EnrollChild)
	profileWrite.PUT("/children/:childId/roster", h.UpdateRoster)

	queueRead := api.Group("", auth.RequireRead(h.policy, auth.ResourceSyncQueue))
	queueRead.GET("/sync/failed", h.ListFailedSync)

	queueWrite := api.Group("", auth.RequireWrite(h.policy, auth.ResourceSyncQueue))
	queueWrite.POST("/sync/failed/:id/retry", h.RetryFailed)

	export := api.Group("", auth.RequireRead(h.policy, auth.ResourceExport))
	export.GET("/results/:id/export/fhir", h.ExportFHIR)
	export.GET("/results/:id/export/hl7", h.ExportHL7)
}

func (h *Handler) CreateResult(c echo.Context) error {
	var in CreateResultInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.CreateResult(c.Request().Context(), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	result, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListPending(c echo.Context) error {
	results, err := h.svc.ListPending(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, results)
}

func (h *Handler) ListByChild(c echo.Context) error {
	results, err := h.svc.ListByChild(c.Request().Context(), c.Param("childId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// EnrollChild accepts a raw scanned QR payload as the request body.
func (h *Handler) EnrollChild(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	profile, err := h.svc.EnrollChild(c.Request().Context(), raw)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, profile)
}

func (h *Handler) ChildQR(c echo.Context) error {
	payload, err := h.svc.ChildQR(c.Request().Context(), c.Param("childId"))
	if err != nil {
		return mapError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, payload)
}

func (h *Handler) UpdateRoster(c echo.Context) error {
	var update identity.RosterUpdate
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	update.ChildID = c.Param("childId")
	if err := h.svc.UpdateRoster(c.Request().Context(), update); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListFailedSync(c echo.Context) error {
	items, err := h.svc.ListFailedSync(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*syncqueue.Item{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RetryFailed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	if err := h.svc.RetryFailed(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ExportFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	doc, err := h.svc.ExportFHIR(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.Blob(http.StatusOK, "application/fhir+json", doc)
}

func (h *Handler) ExportHL7(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	msg, err := h.svc.ExportHL7(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.Blob(http.StatusOK, "x-application/hl7-v2+er7", msg)
}

func mapError(err error) error {
	switch {
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errs.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
