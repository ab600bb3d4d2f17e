// Package client 是预占服务的 Go 客户端，供订单、收银等上游服务调用。
// 服务端返回的错误码被还原为 domain 包里的错误，调用方可以直接 errors.Is / errors.As。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/httpclient"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/interfaces"
)

// ReservationClient 以固定租户身份调用预占服务
type ReservationClient struct {
	http    *httpclient.Client
	baseURL string
}

func NewReservationClient(baseURL string, tenantID int64, tracer trace.Tracer) *ReservationClient {
	c := httpclient.NewClient(tracer)
	c.Header.Set("X-Tenant-ID", strconv.FormatInt(tenantID, 10))
	return &ReservationClient{http: c, baseURL: baseURL}
}

func (c *ReservationClient) call(ctx context.Context, method, path string, in, out any) error {
	err := c.http.Do(ctx, method, c.baseURL+path, in, out)
	var status *httpclient.StatusError
	if errors.As(err, &status) {
		return decodeError(status)
	}
	return err
}

func (c *ReservationClient) Create(ctx context.Context, req *application.CreateReservationRequest) (*interfaces.AllocationView, error) {
	var out interfaces.AllocationView
	if err := c.call(ctx, http.MethodPost, "/reservations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ReservationClient) CreateBatch(ctx context.Context, req *application.CreateBatchRequest) ([]interfaces.ReservationView, error) {
	var out struct {
		Reservations []interfaces.ReservationView `json:"reservations"`
	}
	if err := c.call(ctx, http.MethodPost, "/reservations/batch", req, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

func (c *ReservationClient) Get(ctx context.Context, id uint64) (*interfaces.ReservationView, error) {
	var out interfaces.ReservationView
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/reservations/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ReservationClient) Confirm(ctx context.Context, id uint64, actor string) (*interfaces.ReservationView, error) {
	var out interfaces.ReservationView
	body := map[string]string{"actor": actor}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/reservations/%d/confirm", id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release 返回 false 表示记录已不是 active，本次调用没有产生变化
func (c *ReservationClient) Release(ctx context.Context, id uint64, reason string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	body := map[string]string{"reason": reason}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/reservations/%d/release", id), body, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

func (c *ReservationClient) ReleaseByOrigin(ctx context.Context, originType domain.OriginType, originID int64, reason string) (int, error) {
	var out struct {
		Released int `json:"released"`
	}
	path := fmt.Sprintf("/origins/%s/%d/release", url.PathEscape(string(originType)), originID)
	if err := c.call(ctx, http.MethodPost, path, map[string]string{"reason": reason}, &out); err != nil {
		return 0, err
	}
	return out.Released, nil
}

func (c *ReservationClient) StockInfo(ctx context.Context, target domain.Target, branch *int64) (*application.StockInfo, error) {
	q := url.Values{}
	if target.ProductID != nil {
		q.Set("product_id", strconv.FormatInt(*target.ProductID, 10))
	}
	if target.VariantID != nil {
		q.Set("variant_id", strconv.FormatInt(*target.VariantID, 10))
	}
	if branch != nil {
		q.Set("branch_id", strconv.FormatInt(*branch, 10))
	}
	var out application.StockInfo
	if err := c.call(ctx, http.MethodGet, "/stock?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error     string                  `json:"error"`
	Code      string                  `json:"code"`
	Field     string                  `json:"field"`
	Requested int64                   `json:"requested"`
	Available *int64                  `json:"available"`
	Lines     []domain.BatchLineError `json:"lines"`
}

// decodeError 把服务端错误码还原为 domain 错误，无法识别时原样返回 StatusError
func decodeError(status *httpclient.StatusError) error {
	var body errorBody
	if err := json.Unmarshal(status.Body, &body); err != nil || body.Code == "" {
		return status
	}
	switch body.Code {
	case "invalid_request":
		return &domain.ValidationError{Field: body.Field, Err: errRejected, Detail: body.Error}
	case "insufficient_stock":
		if len(body.Lines) > 0 {
			return &domain.BatchAllocationError{Lines: body.Lines}
		}
		e := &domain.InsufficientStockError{Requested: body.Requested}
		if body.Available != nil {
			e.Available = *body.Available
		}
		return e
	case "not_found":
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body.Error)
	case "not_confirmable":
		return fmt.Errorf("%w: %s", domain.ErrNotConfirmable, body.Error)
	case "invalid_state":
		return fmt.Errorf("%w: %s", domain.ErrInvalidState, body.Error)
	case "lock_contended":
		return fmt.Errorf("%w: %s", domain.ErrLockContended, body.Error)
	}
	return status
}

var errRejected = errors.New("request rejected by reservation service")
