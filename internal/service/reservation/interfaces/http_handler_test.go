package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
)

func newTestServer(t *testing.T) (*application.ReservationService, http.Handler) {
	t.Helper()
	store := infrastructure.NewMemoryStore()
	store.SetOnHand(1, domain.ProductTarget(100), 1, 10)
	store.SetOnHand(1, domain.ProductTarget(200), 1, 3)

	svc := application.NewReservationService(store, noop.NewTracerProvider().Tracer("test"), application.Config{})
	mux := http.NewServeMux()
	NewReservationHandler(svc, nil).RegisterRoutes(mux)
	return svc, mux
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(tenantHeader, "1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

const createBody = `{"target":{"productId":100},"branchId":1,"quantity":%d,"origin":{"type":"sale","id":%d}}`

func createVia(t *testing.T, h http.Handler, qty, origin int) uint64 {
	t.Helper()
	rec, out := do(t, h, http.MethodPost, "/reservations", fmt.Sprintf(createBody, qty, origin))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := out["reservation"].(map[string]any)
	return uint64(res["id"].(float64))
}

func TestCreateReservationEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	rec, out := do(t, h, http.MethodPost, "/reservations", fmt.Sprintf(createBody, 4, 1))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(10), out["availableBefore"])
	assert.Equal(t, float64(6), out["availableAfter"])

	res := out["reservation"].(map[string]any)
	assert.Equal(t, "active", res["state"])
	assert.Equal(t, "sale", res["origin"].(map[string]any)["type"])

	rec, out = do(t, h, http.MethodGet, "/stock?product_id=100&branch_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), out["available"])
	assert.Equal(t, float64(1), out["activeCount"])
}

func TestMissingTenantIsRejected(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/reservations", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_request"`)
}

func TestErrorStatusMapping(t *testing.T) {
	_, h := newTestServer(t)

	rec, out := do(t, h, http.MethodPost, "/reservations", fmt.Sprintf(createBody, 11, 1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", out["code"])
	assert.Equal(t, float64(10), out["available"])

	rec, out = do(t, h, http.MethodPost, "/reservations", `{"target":{"productId":100,"variantId":5},"quantity":1,"origin":{"type":"sale","id":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "target", out["field"])

	rec, _ = do(t, h, http.MethodPost, "/reservations", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = do(t, h, http.MethodGet, "/reservations/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", out["code"])
}

func TestBatchEndpointReportsFailedLines(t *testing.T) {
	_, h := newTestServer(t)
	body := `{"branchId":1,"origin":{"type":"order","id":3},"items":[
		{"target":{"productId":100},"quantity":2},
		{"target":{"productId":200},"quantity":5}]}`

	rec, out := do(t, h, http.MethodPost, "/reservations/batch", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	lines := out["lines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(1), lines[0].(map[string]any)["index"])

	_, out = do(t, h, http.MethodGet, "/reservations", "")
	assert.Equal(t, float64(0), out["total"])
}

func TestLifecycleEndpoints(t *testing.T) {
	_, h := newTestServer(t)
	id := createVia(t, h, 2, 1)

	rec, out := do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/extend", id), `{"minutes":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["extended"])

	rec, out = do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/confirm", id), `{"actor":"pos-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", out["state"])
	assert.Equal(t, "pos-1", out["confirmedBy"])

	rec, out = do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/confirm", id), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_confirmable", out["code"])

	_, out = do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/extend", id), `{"minutes":5}`)
	assert.Equal(t, false, out["extended"])

	_, out = do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/release", id), "")
	assert.Equal(t, false, out["released"])
}

func TestReleaseIsIdempotentOverHTTP(t *testing.T) {
	_, h := newTestServer(t)
	id := createVia(t, h, 2, 1)

	_, out := do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/release", id), `{"reason":"changed mind"}`)
	assert.Equal(t, true, out["released"])
	_, out = do(t, h, http.MethodPost, fmt.Sprintf("/reservations/%d/release", id), `{"reason":"changed mind"}`)
	assert.Equal(t, false, out["released"])

	_, out = do(t, h, http.MethodGet, fmt.Sprintf("/reservations/%d", id), "")
	assert.Equal(t, "released", out["state"])
	assert.Equal(t, "changed mind", out["releaseReason"])
}

func TestOriginEndpointsAndSummary(t *testing.T) {
	_, h := newTestServer(t)
	createVia(t, h, 1, 42)
	createVia(t, h, 1, 42)
	other := createVia(t, h, 1, 43)

	_, out := do(t, h, http.MethodGet, "/reservations/summary", "")
	origins := out["origins"].([]any)
	require.Len(t, origins, 1)
	assert.Equal(t, float64(3), origins[0].(map[string]any)["reservations"])
	assert.Equal(t, float64(2), origins[0].(map[string]any)["origins"])

	rec, out := do(t, h, http.MethodPost, "/origins/sale/42/release", `{"reason":"void"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["released"])

	_, out = do(t, h, http.MethodPost, "/origins/sale/43/confirm", "")
	assert.Equal(t, float64(1), out["confirmed"])

	_, out = do(t, h, http.MethodGet, fmt.Sprintf("/reservations/%d", other), "")
	assert.Equal(t, "confirmed", out["state"])

	rec, _ = do(t, h, http.MethodPost, "/origins/venta/1/release", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmManyEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	id := createVia(t, h, 1, 1)

	rec, out := do(t, h, http.MethodPost, "/reservations/confirm", fmt.Sprintf(`{"ids":[%d,777],"actor":"u"}`, id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["confirmed"], 1)
	failed := out["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "not_found", failed[0].(map[string]any)["code"])
}

func TestListAndStockQueries(t *testing.T) {
	_, h := newTestServer(t)
	createVia(t, h, 3, 1)
	createVia(t, h, 1, 2)

	_, out := do(t, h, http.MethodGet, "/reservations?state=active&product_id=100&limit=1", "")
	assert.Equal(t, float64(2), out["total"])
	assert.Len(t, out["items"], 1)

	rec, _ := do(t, h, http.MethodGet, "/reservations?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, out = do(t, h, http.MethodPost, "/stock/batch", `{"items":[{"productId":100,"branchId":1},{"productId":200}]}`)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, float64(6), items[0].(map[string]any)["available"])
	assert.Equal(t, float64(3), items[1].(map[string]any)["available"])

	_, out = do(t, h, http.MethodGet, "/stock/sufficiency?product_id=100&quantity=8", "")
	assert.Equal(t, false, out["sufficient"])
	assert.Equal(t, float64(2), out["shortfall"])

	_, out = do(t, h, http.MethodPost, "/admin/sweep", "")
	assert.Equal(t, float64(0), out["expired"])
}

func TestLockContentionMapsToServiceUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(context.Background(), rec, fmt.Errorf("create: %w", domain.ErrLockContended))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"lock_contended"`)

	rec = httptest.NewRecorder()
	writeError(context.Background(), rec, fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// unreachableStore 模拟数据库不可用，错误信息里带着连接细节
type unreachableStore struct {
	*infrastructure.MemoryStore
}

func (unreachableStore) WithinTx(context.Context, int64, func(domain.Tx) error) error {
	return errors.New("dial tcp 10.0.3.7:3306: connect: connection refused (user=stock_rw)")
}

func TestConfirmManyHidesStorageErrors(t *testing.T) {
	svc := application.NewReservationService(unreachableStore{infrastructure.NewMemoryStore()},
		noop.NewTracerProvider().Tracer("test"), application.Config{MaxAttempts: 1})
	mux := http.NewServeMux()
	NewReservationHandler(svc, nil).RegisterRoutes(mux)

	rec, out := do(t, mux, http.MethodPost, "/reservations/confirm", `{"ids":[1],"actor":"pos"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.3.7")

	failed := out["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "internal error", failed[0].(map[string]any)["error"])
	assert.Equal(t, "internal", failed[0].(map[string]any)["code"])

	// 单条确认走同样的屏蔽规则
	rec, out = do(t, mux, http.MethodPost, "/reservations/1/confirm", `{"actor":"pos"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", out["error"])
}

func TestStockBatchRejectsNonPositiveBranch(t *testing.T) {
	_, h := newTestServer(t)

	rec, out := do(t, h, http.MethodPost, "/stock/batch", `{"items":[{"productId":100,"branchId":1},{"productId":100,"branchId":0}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "items[1].branchId", out["field"])
	assert.Equal(t, "invalid_request", out["code"])
}
