package reserve

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stocklane/stocklane/internal/platform/httpx"
	"github.com/stocklane/stocklane/internal/shared"
	"github.com/stocklane/stocklane/internal/stock"
)

// Handler wires the JSON endpoints of the reservation engine.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs reserve handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers reservation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handlePersist)
	r.Get("/", h.handleGet)
	r.Post("/pick", h.handlePick)
	r.Post("/release", h.handleRelease)
	r.Get("/availability", h.handleAvailability)
}

type keyRequest struct {
	Platform    string `json:"platform" validate:"required"`
	Shop        string `json:"shop" validate:"required"`
	WarehouseID int64  `json:"warehouse_id" validate:"required"`
	Ref         string `json:"ref" validate:"required"`
}

func (k keyRequest) toKey() Key {
	return Key{Platform: k.Platform, Shop: k.Shop, WarehouseID: k.WarehouseID, Ref: k.Ref}
}

type lineRequest struct {
	ItemID int64 `json:"item_id" validate:"required"`
	Qty    int64 `json:"qty" validate:"required,gt=0"`
}

type persistRequest struct {
	keyRequest
	Lines      []lineRequest `json:"lines" validate:"required,min=1,dive"`
	TTLMinutes *int          `json:"ttl_minutes" validate:"omitempty,gte=0"`
	TraceID    string        `json:"trace_id"`
}

type lineResponse struct {
	RefLine     int32 `json:"ref_line"`
	ItemID      int64 `json:"item_id"`
	Qty         int64 `json:"qty"`
	ConsumedQty int64 `json:"consumed_qty"`
}

type reservationResponse struct {
	ID          int64          `json:"id"`
	Platform    string         `json:"platform"`
	Shop        string         `json:"shop"`
	WarehouseID int64          `json:"warehouse_id"`
	Ref         string         `json:"ref"`
	Status      string         `json:"status"`
	TraceID     string         `json:"trace_id,omitempty"`
	ExpireAt    string         `json:"expire_at,omitempty"`
	Lines       []lineResponse `json:"lines"`
}

func toReservationResponse(res Reservation, lines []Line) reservationResponse {
	resp := reservationResponse{
		ID:          res.ID,
		Platform:    res.Key.Platform,
		Shop:        res.Key.Shop,
		WarehouseID: res.Key.WarehouseID,
		Ref:         res.Key.Ref,
		Status:      string(res.Status),
		TraceID:     res.TraceID,
		Lines:       []lineResponse{},
	}
	if res.ExpireAt != nil {
		resp.ExpireAt = res.ExpireAt.Format(time.RFC3339)
	}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, lineResponse{
			RefLine:     l.RefLine,
			ItemID:      l.ItemID,
			Qty:         l.Qty,
			ConsumedQty: l.ConsumedQty,
		})
	}
	return resp
}

func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req persistRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	input := PersistInput{Key: req.toKey(), TTLMinutes: req.TTLMinutes, TraceID: req.TraceID}
	if input.TraceID == "" {
		input.TraceID = shared.TraceIDFromContext(r.Context())
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{ItemID: line.ItemID, Qty: line.Qty})
	}

	res, lines, err := h.service.Persist(r.Context(), input)
	if err != nil {
		h.respondReserveError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReservationResponse(res, lines))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	res, lines, err := h.service.Get(r.Context(), key)
	if err != nil {
		h.respondReserveError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReservationResponse(res, lines))
}

type pickRequest struct {
	keyRequest
	TraceID string `json:"trace_id"`
}

type pickLineResponse struct {
	RefLine     int32                `json:"ref_line"`
	ItemID      int64                `json:"item_id"`
	Consumed    int64                `json:"consumed"`
	Allocations []allocationResponse `json:"allocations"`
}

type allocationResponse struct {
	Lot string `json:"lot,omitempty"`
	Qty int64  `json:"qty"`
}

type pickResponse struct {
	ReservationID int64              `json:"reservation_id"`
	Status        string             `json:"status"`
	NoOp          bool               `json:"no_op"`
	Lines         []pickLineResponse `json:"lines"`
}

func (h *Handler) handlePick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = shared.TraceIDFromContext(r.Context())
	}
	outcome, err := h.service.Pick(r.Context(), req.toKey(), traceID)
	if err != nil {
		h.respondReserveError(w, r, err)
		return
	}
	resp := pickResponse{
		ReservationID: outcome.ReservationID,
		Status:        string(outcome.Status),
		NoOp:          outcome.NoOp,
		Lines:         []pickLineResponse{},
	}
	for _, line := range outcome.Lines {
		out := pickLineResponse{
			RefLine:     line.RefLine,
			ItemID:      line.ItemID,
			Consumed:    line.Consumed,
			Allocations: []allocationResponse{},
		}
		for _, alloc := range line.Allocations {
			out.Allocations = append(out.Allocations, allocationResponse{
				Lot: stock.LotCodeFromBatchKey(alloc.BatchKey).String(),
				Qty: alloc.Qty,
			})
		}
		resp.Lines = append(resp.Lines, out)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type releaseRequest struct {
	keyRequest
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	status, err := h.service.Release(r.Context(), req.toKey())
	if err != nil {
		h.respondReserveError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

type availabilityResponse struct {
	ItemID       int64 `json:"item_id"`
	WarehouseID  int64 `json:"warehouse_id"`
	OnHand       int64 `json:"on_hand"`
	ReservedOpen int64 `json:"reserved_open"`
	Available    int64 `json:"available"`
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if warehouseID == 0 {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "warehouse_id required")
		return
	}

	// item_ids is the bulk path; item_id serves single lookups cache-aside.
	if rawIDs := q.Get("item_ids"); rawIDs != "" {
		ids := []int64{}
		for _, part := range strings.Split(rawIDs, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "item_ids must be a comma separated list of ids")
				return
			}
			ids = append(ids, id)
		}
		bulk, err := h.service.ItemAvailabilityBulk(r.Context(), warehouseID, ids)
		if err != nil {
			h.respondReserveError(w, r, err)
			return
		}
		items := make([]availabilityResponse, 0, len(ids))
		for _, id := range ids {
			av := bulk[id]
			items = append(items, availabilityResponse{
				ItemID:       id,
				WarehouseID:  warehouseID,
				OnHand:       av.OnHand,
				ReservedOpen: av.ReservedOpen,
				Available:    av.Available,
			})
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	itemID, _ := strconv.ParseInt(q.Get("item_id"), 10, 64)
	if itemID == 0 {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "item_id or item_ids required")
		return
	}
	av, err := h.service.ItemAvailability(r.Context(), itemID, warehouseID)
	if err != nil {
		h.respondReserveError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, availabilityResponse{
		ItemID:       av.ItemID,
		WarehouseID:  av.WarehouseID,
		OnHand:       av.OnHand,
		ReservedOpen: av.ReservedOpen,
		Available:    av.Available,
	})
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (Key, bool) {
	q := r.URL.Query()
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	key := Key{
		Platform:    q.Get("platform"),
		Shop:        q.Get("shop"),
		WarehouseID: warehouseID,
		Ref:         q.Get("ref"),
	}
	if key.Platform == "" || key.Shop == "" || key.WarehouseID == 0 || key.Ref == "" {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "platform, shop, warehouse_id and ref required")
		return Key{}, false
	}
	return key, true
}

func (h *Handler) respondReserveError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *stock.InsufficientAvailableError
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
	var insufficient *stock.InsufficientStockError
	if errors.As(err, &insufficient) {
		httpx.ProblemWithState(w, http.StatusConflict, "insufficient_stock", err.Error(), map[string]any{
			"item_id":      insufficient.ItemID,
			"warehouse_id": insufficient.WarehouseID,
			"on_hand":      insufficient.OnHand,
			"delta":        insufficient.Delta,
		})
		return
	}
	switch {
	case errors.Is(err, ErrReservationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrReservationNotOpen):
		httpx.ProblemWithState(w, http.StatusConflict, "reservation_not_open", err.Error(), nil)
	case errors.Is(err, ErrLineBelowConsumed):
		httpx.ProblemWithState(w, http.StatusConflict, "line_below_consumed", err.Error(), nil)
	case errors.Is(err, ErrNoLines), errors.Is(err, ErrInvalidLine):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("reservation request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
