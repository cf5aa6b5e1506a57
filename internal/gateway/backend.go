package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var (
	// ErrNotFound нет сервиса или маршрута для пути
	ErrNotFound = errors.New("route not found")
	// ErrUpstreamFailure бэкенд недоступен, вернул ошибку или не ответил вовремя
	ErrUpstreamFailure = errors.New("upstream failure")
)

// UpstreamError подробности отказа бэкенда
type UpstreamError struct {
	Service string
	// Status код ответа бэкенда, 0 если ответа не было
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s responded with status %d", e.Service, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is позволяет проверять errors.Is(err, ErrUpstreamFailure)
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamFailure }

// Request запрос к сервису за шлюзом
type Request struct {
	Method string
	// Path полный путь вида /api/v1/{service}/{path...}
	Path string
	// SubPath часть пути после имени сервиса, заполняется в Route
	SubPath   string
	Query     url.Values
	Header    http.Header
	Body      []byte
	ClientKey string
	RequestID string
}

// Response ответ бэкенда
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// JSON собирает JSON ответ
func JSON(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			Status:      http.StatusInternalServerError,
			ContentType: "application/json",
			Body:        []byte(`{"error":"failed to encode response"}`),
		}
	}
	return &Response{Status: status, ContentType: "application/json", Body: body}
}

// Error ответ с сообщением об ошибке
func Error(status int, msg string) *Response {
	return JSON(status, map[string]string{"error": msg})
}

// Backend сервис, в который шлюз направляет запросы.
// Неизвестный подпуть сообщается ошибкой ErrNotFound.
type Backend interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// BackendFunc адаптер функции к Backend
type BackendFunc func(ctx context.Context, req *Request) (*Response, error)

func (f BackendFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
