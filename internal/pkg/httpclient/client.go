// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client 是一个可追踪的、可注入的 JSON HTTP 客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	// Header 会附加到每个请求上，例如租户头
	Header http.Header
}

// NewClient 创建一个新的客户端实例。
// http.Client 不设置 Timeout，超时完全受控于每次请求传入的 context。
func NewClient(tracer trace.Tracer) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:     tracer,
		HTTPClient: httpClient,
		Header:     http.Header{},
	}
}

// StatusError 是非 2xx 响应，Body 保留原始响应体供调用方解析
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// Do 发送 JSON 请求。in 为 nil 时不带请求体，out 为 nil 时丢弃响应体。
func (c *Client) Do(ctx context.Context, method, serviceURL string, in, out any) error {
	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return err
	}
	// 从 URL 中解析出服务名用于 Span
	spanName := fmt.Sprintf("call-%s", strings.Split(parsedURL.Host, ":")[0])

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			span.RecordError(err)
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	span.SetAttributes(
		attribute.String("http.url", parsedURL.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{Method: method, URL: parsedURL.String(), Status: resp.StatusCode, Body: raw}
		span.RecordError(err)
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
