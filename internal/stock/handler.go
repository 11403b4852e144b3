package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stocklane/stocklane/internal/platform/httpx"
	"github.com/stocklane/stocklane/internal/shared"
)

// Handler wires the JSON endpoints of the stock engine.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/commits", h.handleCommit)
	r.Get("/ledger", h.handleLedger)
	r.Get("/pick-plan", h.handlePickPlan)
	r.Post("/batches", h.handleEnsureBatch)
	r.Put("/batches/expiry", h.handleCorrectExpiry)
}

type adjustRequest struct {
	ItemID         int64  `json:"item_id" validate:"required"`
	WarehouseID    int64  `json:"warehouse_id" validate:"required"`
	Lot            string `json:"lot"`
	Delta          int64  `json:"delta" validate:"required"`
	Reason         string `json:"reason" validate:"required"`
	Ref            string `json:"ref" validate:"required"`
	RefLine        int32  `json:"ref_line"`
	OccurredAt     string `json:"occurred_at"`
	TraceID        string `json:"trace_id"`
	ProductionDate string `json:"production_date"`
	ExpiryDate     string `json:"expiry_date"`
}

type adjustResponse struct {
	AfterQty int64  `json:"after_qty"`
	Applied  bool   `json:"applied"`
	TraceID  string `json:"trace_id"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	input, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if input.TraceID == "" {
		input.TraceID = shared.TraceIDFromContext(r.Context())
	}

	result, err := h.service.Adjust(r.Context(), input)
	if err != nil {
		h.respondStockError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Applied {
		status = http.StatusOK
	}
	httpx.JSON(w, status, adjustResponse{AfterQty: result.AfterQty, Applied: result.Applied, TraceID: result.TraceID})
}

func (req adjustRequest) toInput() (AdjustInput, error) {
	reason, err := ParseReason(req.Reason)
	if err != nil {
		return AdjustInput{}, err
	}
	input := AdjustInput{
		ItemID:      req.ItemID,
		WarehouseID: req.WarehouseID,
		Lot:         NewLotCode(req.Lot),
		Delta:       req.Delta,
		Reason:      reason,
		Ref:         req.Ref,
		RefLine:     req.RefLine,
		TraceID:     req.TraceID,
	}
	if req.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			return AdjustInput{}, errors.New("occurred_at must be RFC3339")
		}
		input.OccurredAt = at
	}
	if input.ProductionDate, err = parseDate(req.ProductionDate); err != nil {
		return AdjustInput{}, errors.New("production_date must be YYYY-MM-DD")
	}
	if input.ExpiryDate, err = parseDate(req.ExpiryDate); err != nil {
		return AdjustInput{}, errors.New("expiry_date must be YYYY-MM-DD")
	}
	return input, nil
}

type commitLineRequest struct {
	ItemID         int64  `json:"item_id" validate:"required"`
	WarehouseID    int64  `json:"warehouse_id" validate:"required"`
	Lot            string `json:"lot"`
	Delta          int64  `json:"delta" validate:"required"`
	Reason         string `json:"reason" validate:"required"`
	ProductionDate string `json:"production_date"`
	ExpiryDate     string `json:"expiry_date"`
}

type commitRequest struct {
	Ref        string              `json:"ref" validate:"required"`
	Atomic     bool                `json:"atomic"`
	OccurredAt string              `json:"occurred_at"`
	TraceID    string              `json:"trace_id"`
	Lines      []commitLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type commitLineResponse struct {
	RefLine  int32  `json:"ref_line"`
	AfterQty int64  `json:"after_qty"`
	Applied  bool   `json:"applied"`
	Error    string `json:"error,omitempty"`
}

type commitResponse struct {
	Ref   string               `json:"ref"`
	Lines []commitLineResponse `json:"lines"`
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	input := CommitInput{Ref: req.Ref, Atomic: req.Atomic, TraceID: req.TraceID}
	if input.TraceID == "" {
		input.TraceID = shared.TraceIDFromContext(r.Context())
	}
	if req.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "occurred_at must be RFC3339")
			return
		}
		input.OccurredAt = at
	}
	for _, line := range req.Lines {
		reason, err := ParseReason(line.Reason)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
			return
		}
		production, err := parseDate(line.ProductionDate)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "production_date must be YYYY-MM-DD")
			return
		}
		expiry, err := parseDate(line.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "expiry_date must be YYYY-MM-DD")
			return
		}
		input.Lines = append(input.Lines, CommitLine{
			ItemID:         line.ItemID,
			WarehouseID:    line.WarehouseID,
			Lot:            NewLotCode(line.Lot),
			Delta:          line.Delta,
			Reason:         reason,
			ProductionDate: production,
			ExpiryDate:     expiry,
		})
	}

	result, err := h.service.Commit(r.Context(), input)
	if err != nil {
		h.respondStockError(w, r, err)
		return
	}
	resp := commitResponse{Ref: result.Ref}
	status := http.StatusCreated
	for _, line := range result.Lines {
		out := commitLineResponse{RefLine: line.RefLine, AfterQty: line.AfterQty, Applied: line.Applied}
		if line.Err != nil {
			out.Error = line.Err.Error()
			status = http.StatusMultiStatus
		}
		resp.Lines = append(resp.Lines, out)
	}
	httpx.JSON(w, status, resp)
}

type ledgerEntryResponse struct {
	ID          int64  `json:"id"`
	ItemID      int64  `json:"item_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Lot         string `json:"lot,omitempty"`
	Reason      string `json:"reason"`
	Delta       int64  `json:"delta"`
	AfterQty    int64  `json:"after_qty"`
	Ref         string `json:"ref"`
	RefLine     int32  `json:"ref_line"`
	OccurredAt  string `json:"occurred_at"`
	TraceID     string `json:"trace_id,omitempty"`
}

type ledgerResponse struct {
	Entries    []ledgerEntryResponse `json:"entries"`
	Pagination shared.Pagination     `json:"pagination"`
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LedgerFilter{
		ItemID:      queryInt64(q.Get("item_id")),
		WarehouseID: queryInt64(q.Get("warehouse_id")),
		Ref:         q.Get("ref"),
		Page:        int(queryInt64(q.Get("page"))),
		PerPage:     int(queryInt64(q.Get("per_page"))),
	}
	if raw := q.Get("reason"); raw != "" {
		reason, err := ParseReason(raw)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
			return
		}
		filter.Reason = reason
	}
	for _, bound := range []struct {
		raw  string
		dest *time.Time
	}{{q.Get("from"), &filter.From}, {q.Get("to"), &filter.To}} {
		if bound.raw == "" {
			continue
		}
		at, err := time.Parse("2006-01-02", bound.raw)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "from/to must be YYYY-MM-DD")
			return
		}
		*bound.dest = at
	}

	entries, pagination, err := h.service.QueryLedger(r.Context(), filter)
	if err != nil {
		h.respondStockError(w, r, err)
		return
	}
	resp := ledgerResponse{Entries: []ledgerEntryResponse{}, Pagination: pagination}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, ledgerEntryResponse{
			ID:          e.ID,
			ItemID:      e.ItemID,
			WarehouseID: e.WarehouseID,
			Lot:         LotCodeFromBatchKey(e.BatchKey).String(),
			Reason:      string(e.Reason),
			Delta:       e.Delta,
			AfterQty:    e.AfterQty,
			Ref:         e.Ref,
			RefLine:     e.RefLine,
			OccurredAt:  e.OccurredAt.Format(time.RFC3339),
			TraceID:     e.TraceID,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type allocationResponse struct {
	Lot string `json:"lot,omitempty"`
	Qty int64  `json:"qty"`
}

func (h *Handler) handlePickPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID := queryInt64(q.Get("item_id"))
	warehouseID := queryInt64(q.Get("warehouse_id"))
	need := queryInt64(q.Get("qty"))
	if itemID == 0 || warehouseID == 0 || need <= 0 {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "item_id, warehouse_id and positive qty required")
		return
	}
	allocations, err := h.service.PlanPick(r.Context(), itemID, warehouseID, need)
	if err != nil {
		h.respondStockError(w, r, err)
		return
	}
	resp := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		resp = append(resp, allocationResponse{Lot: LotCodeFromBatchKey(a.BatchKey).String(), Qty: a.Qty})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": resp})
}

type batchRequest struct {
	ItemID         int64  `json:"item_id" validate:"required"`
	WarehouseID    int64  `json:"warehouse_id" validate:"required"`
	Lot            string `json:"lot"`
	ProductionDate string `json:"production_date"`
	ExpiryDate     string `json:"expiry_date"`
}

type batchResponse struct {
	ItemID         int64  `json:"item_id"`
	WarehouseID    int64  `json:"warehouse_id"`
	Lot            string `json:"lot,omitempty"`
	ProductionDate string `json:"production_date,omitempty"`
	ExpiryDate     string `json:"expiry_date,omitempty"`
}

func (h *Handler) handleEnsureBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	production, err := parseDate(req.ProductionDate)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "production_date must be YYYY-MM-DD")
		return
	}
	expiry, err := parseDate(req.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "expiry_date must be YYYY-MM-DD")
		return
	}

	batch, err := h.service.GetOrCreateBatch(r.Context(), req.ItemID, req.WarehouseID, NewLotCode(req.Lot), production, expiry)
	if err != nil {
		h.respondStockError(w, r, err)
		return
	}
	resp := batchResponse{
		ItemID:      batch.ItemID,
		WarehouseID: batch.WarehouseID,
		Lot:         LotCodeFromBatchKey(batch.BatchKey).String(),
	}
	if batch.ProductionDate != nil {
		resp.ProductionDate = batch.ProductionDate.Format("2006-01-02")
	}
	if batch.ExpiryDate != nil {
		resp.ExpiryDate = batch.ExpiryDate.Format("2006-01-02")
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type correctExpiryRequest struct {
	ItemID      int64  `json:"item_id" validate:"required"`
	WarehouseID int64  `json:"warehouse_id" validate:"required"`
	Lot         string `json:"lot"`
	ExpiryDate  string `json:"expiry_date" validate:"required"`
}

func (h *Handler) handleCorrectExpiry(w http.ResponseWriter, r *http.Request) {
	var req correctExpiryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "expiry_date must be YYYY-MM-DD")
		return
	}
	if err := h.service.CorrectBatchExpiry(r.Context(), req.ItemID, req.WarehouseID, NewLotCode(req.Lot), expiry); err != nil {
		h.respondStockError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondStockError maps domain errors onto problem responses. Rejections
// carry the authoritative state so callers can decide without a re-query.
func (h *Handler) respondStockError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		httpx.ProblemWithState(w, http.StatusConflict, "insufficient_stock", err.Error(), map[string]any{
			"item_id":      insufficient.ItemID,
			"warehouse_id": insufficient.WarehouseID,
			"lot":          LotCodeFromBatchKey(insufficient.BatchKey).String(),
			"on_hand":      insufficient.OnHand,
			"delta":        insufficient.Delta,
		})
		return
	}
	var shortage *InsufficientAvailableError
	if errors.As(err, &shortage) {
		httpx.ProblemWithState(w, http.StatusConflict, "insufficient_available", err.Error(), map[string]any{
			"item_id":      shortage.Shortage.ItemID,
			"warehouse_id": shortage.Shortage.WarehouseID,
			"required":     shortage.Shortage.Required,
			"available":    shortage.Shortage.Available,
			"short":        shortage.Shortage.Short,
		})
		return
	}
	switch {
	case errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrZeroDelta),
		errors.Is(err, ErrRefRequired),
		errors.Is(err, ErrInvalidBatchDates):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	at, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func queryInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
