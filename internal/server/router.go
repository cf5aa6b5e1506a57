package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-telemetry/internal/handlers"
	"iot-telemetry/internal/middleware"
)

// NewRouter собирает маршруты шлюза
func NewRouter(h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.WithRequestID, middleware.Logging, middleware.Recovery)

	r.Get("/health", h.HealthCheck)
	r.Get("/status", h.GatewayStatus)
	r.Get("/stats", h.GetStats)
	r.Handle("/metrics", promhttp.Handler())

	// Чтение зеркала алертов в Redis
	r.Get("/cache/alerts/{deviceID}", h.CachedAlerts)
	r.Get("/cache/aggregates/{deviceID}/{metric}", h.CachedAggregate)

	// Все методы /api/v1/{service}/... маршрутизирует шлюз
	r.HandleFunc("/api/v1/*", h.Proxy)

	return r
}

// New создает HTTP сервер
func New(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
