package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxUpstreamBody = 10 << 20

// HTTPBackend проксирует запросы во внешний сервис
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend создает прокси к baseURL. Таймаут задает шлюз через ctx.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (b *HTTPBackend) Serve(ctx context.Context, req *Request) (*Response, error) {
	target := b.baseURL + "/" + req.SubPath
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	contentType := "application/json"
	if req.Header != nil && req.Header.Get("Content-Type") != "" {
		contentType = req.Header.Get("Content-Type")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Forwarded-For", req.ClientKey)
	httpReq.Header.Set("X-Gateway-Request-ID", req.RequestID)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
