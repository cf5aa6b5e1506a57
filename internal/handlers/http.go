package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"iot-telemetry/internal/alerting"
	"iot-telemetry/internal/analytics"
	"iot-telemetry/internal/cache"
	"iot-telemetry/internal/gateway"
	"iot-telemetry/internal/logger"
	"iot-telemetry/internal/middleware"
	"iot-telemetry/internal/models"
)

const maxBodySize = 1 << 20

// Handler обработчик HTTP запросов шлюза
type Handler struct {
	gateway    *gateway.Gateway
	aggregator *analytics.Aggregator
	evaluator  *alerting.Evaluator
	cache      *cache.RedisCache
}

// NewHandler создает новый обработчик. cache может быть nil.
func NewHandler(gw *gateway.Gateway, aggregator *analytics.Aggregator, evaluator *alerting.Evaluator, cache *cache.RedisCache) *Handler {
	return &Handler{
		gateway:    gw,
		aggregator: aggregator,
		evaluator:  evaluator,
		cache:      cache,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ClientKey адрес клиента без порта
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// Proxy обрабатывает /api/v1/{service}/*: лимит клиента, затем маршрутизация
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	req := &gateway.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Header:    r.Header,
		ClientKey: ClientKey(r),
		RequestID: middleware.RequestID(r.Context()),
	}

	admitted := h.gateway.Admit(req)
	if remaining, ok := h.gateway.Remaining(req.ClientKey); ok {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(remaining))))
	}
	if !admitted {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded, try again later",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	req.Body = body

	resp, err := h.gateway.Route(r.Context(), req)

	var upErr *gateway.UpstreamError
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":    "not found",
			"services": h.gateway.Services(),
		})
		return
	case errors.As(err, &upErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "service '" + upErr.Service + "' is unavailable",
			"service": upErr.Service,
		})
		return
	case err != nil:
		clog := logger.WithComponent("handlers")
		clog.Error().Err(err).Str("path", r.URL.Path).Msg("routing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "gateway error"})
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	redisState := "disabled"

	if h.cache != nil {
		redisState = "ok"
		// Проверяем Redis
		if err := h.cache.Ping(r.Context()); err != nil {
			redisState = "unavailable"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":    status,
		"service":   "edge-gateway",
		"redis":     redisState,
		"timestamp": time.Now(),
	})
}

// GatewayStatus обрабатывает GET /status?recent=N (0 = весь журнал)
func (h *Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := queryLimit(w, r, "recent", 20)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		gateway.Status
		Requests []gateway.RequestLogEntry `json:"requests"`
	}{h.gateway.Status(), h.gateway.RecentRequests(n)})
}

func queryLimit(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (h *Handler) mirrorEnabled(w http.ResponseWriter) bool {
	if h.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert mirror is disabled"})
		return false
	}
	return true
}

// CachedAlerts обрабатывает GET /cache/alerts/{deviceID}: алерты из Redis
func (h *Handler) CachedAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.mirrorEnabled(w) {
		return
	}
	limit, ok := queryLimit(w, r, "limit", 10)
	if !ok {
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	alerts, err := h.cache.GetRecentAlerts(r.Context(), deviceID, limit)
	if err != nil {
		clog := logger.WithComponent("handlers")
		clog.Error().Err(err).Str("device_id", deviceID).Msg("failed to read cached alerts")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert mirror unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"alerts":    alerts,
		"total":     len(alerts),
	})
}

// CachedAggregate обрабатывает GET /cache/aggregates/{deviceID}/{metric}
func (h *Handler) CachedAggregate(w http.ResponseWriter, r *http.Request) {
	if !h.mirrorEnabled(w) {
		return
	}

	key := models.WindowKey{DeviceID: chi.URLParam(r, "deviceID"), Metric: chi.URLParam(r, "metric")}
	stats, found, err := h.cache.GetAggregate(r.Context(), key)
	switch {
	case err != nil:
		clog := logger.WithComponent("handlers")
		clog.Error().Err(err).Str("key", key.String()).Msg("failed to read cached aggregate")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert mirror unavailable"})
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot for " + key.String()})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_id":  key.DeviceID,
			"metric":     key.Metric,
			"aggregates": stats,
		})
	}
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"aggregator": h.aggregator.GetStats(),
		"alerts": map[string]interface{}{
			"active": h.evaluator.ActiveCount(),
			"rules":  len(h.evaluator.Rules()),
		},
		"timestamp": time.Now(),
	}
	if h.cache != nil {
		stats["redis"] = h.cache.GetStats()
	}
	writeJSON(w, http.StatusOK, stats)
}
