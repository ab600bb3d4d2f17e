package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
)

const (
	serviceName  = "reservation-service"
	tenantHeader = "X-Tenant-ID"
)

// ReservationHandler 封装了预占服务的 HTTP 处理器
type ReservationHandler struct {
	service *application.ReservationService
	hub     *EventHub
	metrics http.Handler
}

// NewReservationHandler 创建一个新的 HTTP 处理器实例。hub 为 nil 时不注册 websocket 路由。
func NewReservationHandler(service *application.ReservationService, hub *EventHub) *ReservationHandler {
	return &ReservationHandler{service: service, hub: hub, metrics: promhttp.Handler()}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *ReservationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", h.metrics)
	if h.hub != nil {
		mux.HandleFunc("GET /ws/reservations", h.hub.ServeWS)
	}

	mux.HandleFunc("POST /reservations", h.traced(h.handleCreate))
	mux.HandleFunc("POST /reservations/batch", h.traced(h.handleCreateBatch))
	mux.HandleFunc("GET /reservations", h.traced(h.handleList))
	mux.HandleFunc("GET /reservations/summary", h.traced(h.handleSummary))
	mux.HandleFunc("GET /reservations/{id}", h.traced(h.handleGet))
	mux.HandleFunc("POST /reservations/confirm", h.traced(h.handleConfirmMany))
	mux.HandleFunc("POST /reservations/{id}/confirm", h.traced(h.handleConfirm))
	mux.HandleFunc("POST /reservations/{id}/release", h.traced(h.handleRelease(domain.StateReleased)))
	mux.HandleFunc("POST /reservations/{id}/cancel", h.traced(h.handleRelease(domain.StateCancelled)))
	mux.HandleFunc("POST /reservations/{id}/extend", h.traced(h.handleExtend))
	mux.HandleFunc("POST /origins/{type}/{id}/release", h.traced(h.handleReleaseByOrigin))
	mux.HandleFunc("POST /origins/{type}/{id}/confirm", h.traced(h.handleConfirmByOrigin))

	mux.HandleFunc("GET /stock", h.traced(h.handleStockInfo))
	mux.HandleFunc("POST /stock/batch", h.traced(h.handleStockBatch))
	mux.HandleFunc("GET /stock/sufficiency", h.traced(h.handleSufficiency))

	mux.HandleFunc("POST /admin/sweep", h.traced(h.handleSweep))
}

type tenantHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64)

// traced 恢复上游链路、开启 span 并解析租户
func (h *ReservationHandler) traced(next tenantHandler) http.HandlerFunc {
	tracer := otel.Tracer(serviceName)
	return func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "http "+r.Pattern)
		defer span.End()

		tenantID, err := strconv.ParseInt(r.Header.Get(tenantHeader), 10, 64)
		if err != nil || tenantID <= 0 {
			writeError(ctx, w, &domain.ValidationError{Field: tenantHeader, Err: domain.ErrInvalidTenant})
			return
		}
		span.SetAttributes(attribute.Int64("tenant.id", tenantID))
		next(ctx, w, r, tenantID)
	}
}

func (h *ReservationHandler) handleCreate(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	var req application.CreateReservationRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.TenantID = tenantID

	res, err := h.service.CreateReservation(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocationView{
		Reservation:     toView(res.Reservation),
		AvailableBefore: res.AvailableBefore,
		AvailableAfter:  res.AvailableAfter,
	})
}

func (h *ReservationHandler) handleCreateBatch(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	var req application.CreateBatchRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.TenantID = tenantID

	rs, err := h.service.CreateReservationBatch(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reservations": toViews(rs)})
}

func (h *ReservationHandler) handleGet(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	id, ok := pathID(ctx, w, r)
	if !ok {
		return
	}
	res, err := h.service.GetReservation(ctx, tenantID, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(res))
}

func (h *ReservationHandler) handleList(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	res, err := h.service.ListReservations(ctx, tenantID, filter)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  toViews(res.Items),
		"total":  res.Total,
		"limit":  res.Limit,
		"offset": res.Offset,
	})
}

func (h *ReservationHandler) handleSummary(ctx context.Context, w http.ResponseWriter, _ *http.Request, tenantID int64) {
	out, err := h.service.SummarizeActive(ctx, tenantID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origins": out})
}

type actorBody struct {
	Actor string `json:"actor"`
}

func (h *ReservationHandler) handleConfirm(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	id, ok := pathID(ctx, w, r)
	if !ok {
		return
	}
	var body actorBody
	if !decodeOptional(ctx, w, r, &body) {
		return
	}
	res, err := h.service.ConfirmReservation(ctx, tenantID, id, body.Actor)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(res))
}

func (h *ReservationHandler) handleConfirmMany(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	var body struct {
		IDs   []uint64 `json:"ids"`
		Actor string   `json:"actor"`
	}
	if !decode(ctx, w, r, &body) {
		return
	}
	res := h.service.ConfirmReservations(ctx, tenantID, body.IDs, body.Actor)

	failed := make([]map[string]any, 0, len(res.Failed))
	for _, f := range res.Failed {
		code := errorCode(f.Err)
		msg := f.Err.Error()
		// 内部错误不向调用方暴露存储细节
		if code == "internal" {
			logger.Ctx(ctx).Error().Err(f.Err).Uint64("reservation_id", f.ID).Msg("confirm failed")
			msg = "internal error"
		}
		failed = append(failed, map[string]any{"id": f.ID, "error": msg, "code": code})
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": toViews(res.Confirmed), "failed": failed})
}

func (h *ReservationHandler) handleRelease(to domain.State) tenantHandler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
		id, ok := pathID(ctx, w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeOptional(ctx, w, r, &body) {
			return
		}

		var (
			released bool
			err      error
		)
		if to == domain.StateCancelled {
			released, err = h.service.CancelReservation(ctx, tenantID, id, body.Reason)
		} else {
			released, err = h.service.ReleaseReservation(ctx, tenantID, id, body.Reason)
		}
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": released})
	}
}

func (h *ReservationHandler) handleExtend(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	id, ok := pathID(ctx, w, r)
	if !ok {
		return
	}
	var body struct {
		Minutes int `json:"minutes"`
	}
	if !decode(ctx, w, r, &body) {
		return
	}
	res, err := h.service.ExtendReservation(ctx, tenantID, id, body.Minutes)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	// 不是 active 的记录保持原样，返回 extended=false
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"extended": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extended": true, "reservation": toView(res)})
}

func (h *ReservationHandler) handleReleaseByOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	originType, originID, ok := pathOrigin(ctx, w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(ctx, w, r, &body) {
		return
	}
	n, err := h.service.ReleaseByOrigin(ctx, tenantID, originType, originID, body.Reason)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": n})
}

func (h *ReservationHandler) handleConfirmByOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	originType, originID, ok := pathOrigin(ctx, w, r)
	if !ok {
		return
	}
	var body actorBody
	if !decodeOptional(ctx, w, r, &body) {
		return
	}
	n, err := h.service.ConfirmByOrigin(ctx, tenantID, originType, originID, body.Actor)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": n})
}

func (h *ReservationHandler) handleStockInfo(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	target, branch, err := parseScope(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	info, err := h.service.GetStockInfo(ctx, tenantID, target, branch)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type scopeBody struct {
	ProductID *int64 `json:"productId,omitempty"`
	VariantID *int64 `json:"variantId,omitempty"`
	BranchID  *int64 `json:"branchId,omitempty"`
}

func (h *ReservationHandler) handleStockBatch(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	var body struct {
		Items []scopeBody `json:"items"`
	}
	if !decode(ctx, w, r, &body) {
		return
	}
	keys := make([]domain.StockKey, len(body.Items))
	for i, it := range body.Items {
		target := domain.Target{ProductID: it.ProductID, VariantID: it.VariantID}
		if err := target.Validate(); err != nil {
			writeError(ctx, w, err)
			return
		}
		// branchId 为 0 会被当成全组织口径，必须显式拒绝
		if it.BranchID != nil && *it.BranchID <= 0 {
			writeError(ctx, w, &domain.ValidationError{
				Field: fmt.Sprintf("items[%d].branchId", i), Err: domain.ErrInvalidTarget, Detail: "must be positive",
			})
			return
		}
		keys[i] = domain.NewStockKey(target, it.BranchID)
	}

	levels, err := h.service.GetAvailabilityBatch(ctx, tenantID, keys)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	out := make([]application.StockInfo, len(keys))
	for i, k := range keys {
		out[i] = application.StockInfo{Target: k.Target(), BranchID: k.Branch(), StockLevel: levels[k]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *ReservationHandler) handleSufficiency(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID int64) {
	target, branch, err := parseScope(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	quantity, err := queryInt(r, "quantity")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	var qty int64
	if quantity != nil {
		qty = *quantity
	}
	res, err := h.service.CheckSufficiency(ctx, tenantID, target, qty, branch)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSweep 手动触发一轮过期清理，租户头只用于鉴别调用方
func (h *ReservationHandler) handleSweep(ctx context.Context, w http.ResponseWriter, _ *http.Request, _ int64) {
	n, err := h.service.SweepExpired(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}

// ---- 请求解析 ----

func decode(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(ctx, w, &domain.ValidationError{Field: "body", Err: errInvalidBody, Detail: err.Error()})
		return false
	}
	return true
}

// decodeOptional 允许空请求体
func decodeOptional(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(ctx, w, r, v)
}

var errInvalidBody = errors.New("invalid request body")

func pathID(ctx context.Context, w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(ctx, w, &domain.ValidationError{Field: "id", Err: domain.ErrNotFound, Detail: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func pathOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.OriginType, int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(ctx, w, &domain.ValidationError{Field: "origin.id", Err: domain.ErrInvalidOrigin, Detail: "must be an integer"})
		return "", 0, false
	}
	return domain.OriginType(r.PathValue("type")), id, true
}

func queryInt(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &domain.ValidationError{Field: name, Err: errInvalidBody, Detail: "must be an integer"}
	}
	return &v, nil
}

func parseScope(r *http.Request) (domain.Target, *int64, error) {
	var target domain.Target
	var err error
	if target.ProductID, err = queryInt(r, "product_id"); err != nil {
		return target, nil, err
	}
	if target.VariantID, err = queryInt(r, "variant_id"); err != nil {
		return target, nil, err
	}
	branch, err := queryInt(r, "branch_id")
	return target, branch, err
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	var f domain.ListFilter

	if s := q.Get("state"); s != "" {
		st := domain.State(s)
		f.State = &st
	}
	target, branch, err := parseScope(r)
	if err != nil {
		return f, err
	}
	if target.ProductID != nil || target.VariantID != nil {
		f.Target = &target
	}
	f.BranchID = branch

	if s := q.Get("origin_type"); s != "" {
		ot := domain.OriginType(s)
		f.OriginType = &ot
	}
	if f.OriginID, err = queryInt(r, "origin_id"); err != nil {
		return f, err
	}
	f.ActiveOnly = q.Get("active_only") == "true"

	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v, err := queryInt(r, name)
		if err != nil {
			return f, err
		}
		if v != nil {
			*dst = int(*v)
		}
	}
	return f, nil
}

// ---- 响应 ----

// ReservationView 是预占的 JSON 表示，客户端包复用它解析响应
type ReservationView struct {
	ID            uint64        `json:"id"`
	ProductID     *int64        `json:"productId,omitempty"`
	VariantID     *int64        `json:"variantId,omitempty"`
	BranchID      *int64        `json:"branchId,omitempty"`
	Quantity      int64         `json:"quantity"`
	Origin        domain.Origin `json:"origin"`
	State         domain.State  `json:"state"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ConfirmedAt   *time.Time    `json:"confirmedAt,omitempty"`
	ConfirmedBy   string        `json:"confirmedBy,omitempty"`
	ReleasedAt    *time.Time    `json:"releasedAt,omitempty"`
	ReleaseReason string        `json:"releaseReason,omitempty"`
}

type AllocationView struct {
	Reservation     ReservationView `json:"reservation"`
	AvailableBefore int64           `json:"availableBefore"`
	AvailableAfter  int64           `json:"availableAfter"`
}

func toView(r *domain.Reservation) ReservationView {
	return ReservationView{
		ID:            r.ID,
		ProductID:     r.ProductID,
		VariantID:     r.VariantID,
		BranchID:      r.BranchID,
		Quantity:      r.Quantity,
		Origin:        r.Origin(),
		State:         r.State,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		UpdatedAt:     r.UpdatedAt,
		ConfirmedAt:   r.ConfirmedAt,
		ConfirmedBy:   r.ConfirmedBy,
		ReleasedAt:    r.ReleasedAt,
		ReleaseReason: r.ReleaseReason,
	}
}

func toViews(rs []*domain.Reservation) []ReservationView {
	out := make([]ReservationView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toView(r))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string                  `json:"error"`
	Code      string                  `json:"code"`
	Field     string                  `json:"field,omitempty"`
	Requested int64                   `json:"requested,omitempty"`
	Available *int64                  `json:"available,omitempty"`
	Lines     []domain.BatchLineError `json:"lines,omitempty"`
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: errorCode(err)}

	var (
		validation   *domain.ValidationError
		insufficient *domain.InsufficientStockError
		batch        *domain.BatchAllocationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Field = validation.Field
	case errors.As(err, &batch):
		status = http.StatusConflict
		body.Lines = batch.Lines
	case errors.As(err, &insufficient):
		status = http.StatusConflict
		body.Requested = insufficient.Requested
		body.Available = &insufficient.Available
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrLockContended):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Msg("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func errorCode(err error) string {
	switch {
	case domain.IsValidation(err):
		return "invalid_request"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNotConfirmable):
		return "not_confirmable"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrLockContended):
		return "lock_contended"
	default:
		return "internal"
	}
}
