package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество HTTP запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность HTTP запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// ReadingsIngested показания, принятые или отклоненные агрегатором
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readings_ingested_total",
			Help: "Total number of readings offered to the aggregator",
		},
		[]string{"status"},
	)

	// WindowsActive количество окон агрегации в памяти
	WindowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregation_windows_active",
			Help: "Number of sliding windows currently held in memory",
		},
	)

	// WindowEvictions вытесненные записи и окна
	WindowEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregation_evictions_total",
			Help: "Total number of evicted window entries and idle windows",
		},
		[]string{"reason"},
	)

	// RollingAverage текущее скользящее среднее
	RollingAverage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rolling_average",
			Help: "Current rolling average for device metrics",
		},
		[]string{"device_id", "metric"},
	)

	// ProcessingLatency задержка обработки показания
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reading_processing_latency_seconds",
			Help:    "Reading processing latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// AlertTransitions переходы состояний алертов
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Total number of alert state transitions",
		},
		[]string{"kind", "severity"},
	)

	// ActiveAlerts активные алерты
	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_active",
			Help: "Number of currently active alerts",
		},
	)

	// RulesLoaded количество правил
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_rules_loaded",
			Help: "Number of alert rules in the rule table",
		},
	)

	// GatewayRequests запросы шлюза по сервисам
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of routed gateway requests per service",
		},
		[]string{"service"},
	)

	// GatewayOutcomes результаты маршрутизации
	GatewayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_outcomes_total",
			Help: "Total number of gateway routing outcomes",
		},
		[]string{"outcome"},
	)

	// GatewayRateLimited отклоненные лимитером запросы
	GatewayRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// UpstreamDuration время ответа бэкендов
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	// LimiterBuckets количество бакетов лимитера
	LimiterBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_buckets",
			Help: "Number of client token buckets held in memory",
		},
	)

	// QueueSize размер очереди обработки
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processing_queue_size",
			Help: "Current size of the processing queue",
		},
	)

	// QueueDropped показания, отброшенные из-за переполнения очереди
	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processing_queue_dropped_total",
			Help: "Total number of readings dropped because the queue was full",
		},
	)

	// IntakeMessages сообщения из MQTT/Kafka
	IntakeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_total",
			Help: "Total number of messages received from intake sources",
		},
		[]string{"source", "status"},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	// PanicsRecovered перехваченные паники
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
