package pharmacy

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicbase/clinicbase/internal/platform/auth"
	"github.com/clinicbase/clinicbase/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := auth.RequireRole("physician", "pharmacist")
	pharmacist := auth.RequireRole("pharmacist")
	staff := auth.RequireRole("physician", "pharmacist", "nurse")

	rx := api.Group("/prescriptions")
	rx.POST("", h.IssuePrescription, clinical)
	rx.GET("", h.ListPrescriptions, staff)
	rx.GET("/:id", h.GetPrescription, staff)
	rx.POST("/:id/dispense", h.Dispense, pharmacist)
	rx.POST("/:id/complete", h.Complete, pharmacist)
	rx.POST("/:id/cancel", h.Cancel, clinical)
	rx.POST("/:id/refill", h.Refill, clinical)
	rx.GET("/:id/transactions", h.PrescriptionTransactions, staff)

	inv := api.Group("/inventory-items")
	inv.POST("", h.CreateInventoryItem, pharmacist)
	inv.GET("", h.ListInventoryItems, staff)
	inv.GET("/:id", h.GetInventoryItem, staff)
	inv.POST("/:id/receive", h.ReceiveStock, pharmacist)
	inv.POST("/:id/adjust", h.AdjustStock, pharmacist)
	inv.POST("/:id/return", h.ReturnStock, pharmacist)
	inv.GET("/:id/transactions", h.ItemTransactions, staff)

	di := api.Group("/drug-interactions")
	di.POST("", h.CreateInteraction, clinical)
	di.GET("", h.ListInteractions, staff)
	di.GET("/check", h.CheckInteractions, staff)
	di.DELETE("/:id", h.DeleteInteraction, clinical)
}

// statusForCode maps each stable error code to one HTTP status.
var statusForCode = map[string]int{
	CodeNotFound:                   http.StatusNotFound,
	CodeInvalidState:               http.StatusConflict,
	CodeInvalidTransition:          http.StatusConflict,
	CodeRefillLimitExceeded:        http.StatusConflict,
	CodeRefillNotAllowed:           http.StatusConflict,
	CodeConcurrentConflict:         http.StatusConflict,
	CodeInsufficientStock:          http.StatusUnprocessableEntity,
	CodeSevereInteraction:          http.StatusUnprocessableEntity,
	CodeModerateInteractionBlocked: http.StatusUnprocessableEntity,
	CodeInvariantViolation:         http.StatusInternalServerError,
}

func respondError(c echo.Context, err error) error {
	var e *Error
	if errors.As(err, &e) {
		status, ok := statusForCode[e.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		return c.JSON(status, e)
	}
	return c.JSON(http.StatusBadRequest, &Error{Code: "VALIDATION", Message: err.Error()})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Prescriptions --

func (h *Handler) IssuePrescription(c echo.Context) error {
	var p Prescription
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if p.PrescriberID == nil && actor != "" {
		p.PrescriberID = &actor
	}
	if err := h.svc.IssuePrescription(c.Request().Context(), &p); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f PrescriptionFilter
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		f.Status = &st
	}
	items, total, err := h.svc.ListPrescriptions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	result, err := h.svc.Dispense(c.Request().Context(), id, actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	p, err := h.svc.Cancel(c.Request().Context(), id, actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Refill(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	p, err := h.svc.Refill(c.Request().Context(), id, actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) PrescriptionTransactions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	txns, err := h.svc.PrescriptionTransactions(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, txns)
}

// -- Inventory --

type stockMutationRequest struct {
	Quantity int     `json:"quantity"`
	Note     *string `json:"note,omitempty"`
}

func (h *Handler) CreateInventoryItem(c echo.Context) error {
	var item InventoryItem
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateInventoryItem(c.Request().Context(), &item); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetInventoryItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	item, err := h.svc.GetInventoryItem(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) ListInventoryItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInventoryItems(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ReceiveStock(c echo.Context) error {
	return h.stockMutation(c, h.svc.ReceiveStock)
}

func (h *Handler) AdjustStock(c echo.Context) error {
	return h.stockMutation(c, h.svc.AdjustStock)
}

func (h *Handler) ReturnStock(c echo.Context) error {
	return h.stockMutation(c, h.svc.ReturnStock)
}

func (h *Handler) stockMutation(c echo.Context, fn func(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req stockMutationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	t, err := fn(c.Request().Context(), id, req.Quantity, actor, req.Note)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ItemTransactions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	txns, total, err := h.svc.ItemTransactions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(txns, total, pg.Limit, pg.Offset))
}

// -- Interactions --

func (h *Handler) CreateInteraction(c echo.Context) error {
	var di DrugInteraction
	if err := c.Bind(&di); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Gate().RecordInteraction(c.Request().Context(), &di); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, di)
}

func (h *Handler) ListInteractions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Gate().ListInteractions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteInteraction(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Gate().DeleteInteraction(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckInteractions(c echo.Context) error {
	params := c.QueryParams()["item"]
	if len(params) < 2 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least two item parameters are required")
	}
	ids := make([]uuid.UUID, 0, len(params))
	for _, p := range params {
		id, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid item id: "+p)
		}
		ids = append(ids, id)
	}
	matches, err := h.svc.CheckInteractions(c.Request().Context(), ids)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, matches)
}
