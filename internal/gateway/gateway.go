package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-telemetry/internal/logger"
	"iot-telemetry/internal/metrics"
)

const (
	// PathPrefix префикс маршрутизируемых путей
	PathPrefix = "/api/v1/"

	DefaultTimeout = 10 * time.Second
	maxRequestLog  = 1000

	// unknownRoute метка запросов к незарегистрированным путям
	unknownRoute = "unknown"
)

// Outcome результат маршрутизации
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeUpstreamFailure Outcome = "upstream_failure"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeRateLimited     Outcome = "rate_limited"
)

// Admitter решает, пропускать ли запрос клиента
type Admitter interface {
	Admit(key string) bool
}

// budgetReporter лимитер, который сообщает остаток токенов клиента
type budgetReporter interface {
	Available(key string) float64
}

// RequestLogEntry запись журнала запросов
type RequestLogEntry struct {
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	ClientKey  string    `json:"client_key"`
	Status     int       `json:"status_code"`
	Outcome    Outcome   `json:"outcome"`
	DurationMs float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config параметры шлюза
type Config struct {
	Timeout time.Duration
	Now     func() time.Time
}

// Gateway маршрутизатор запросов к сервисам с ограничением частоты
type Gateway struct {
	limiter Admitter
	timeout time.Duration
	now     func() time.Time
	started time.Time

	servicesMu sync.RWMutex
	services   map[string]Backend

	statsMu     sync.Mutex
	paths       map[string]uint64
	outcomes    map[Outcome]uint64
	total       uint64
	requestLog  []RequestLogEntry
}

// New создает шлюз
func New(limiter Admitter, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		limiter:  limiter,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		started:  cfg.Now(),
		services: make(map[string]Backend),
		paths:    make(map[string]uint64),
		outcomes: make(map[Outcome]uint64),
	}
}

// Register назначает бэкенд сервису
func (g *Gateway) Register(name string, b Backend) {
	g.servicesMu.Lock()
	defer g.servicesMu.Unlock()
	g.services[name] = b
}

// Services возвращает имена зарегистрированных сервисов
func (g *Gateway) Services() []string {
	g.servicesMu.RLock()
	defer g.servicesMu.RUnlock()

	names := make([]string, 0, len(g.services))
	for name := range g.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Admit проверяет лимит клиента запроса. Отказ не является ошибкой,
// но попадает в счетчики и журнал запросов.
func (g *Gateway) Admit(req *Request) bool {
	if g.limiter == nil || g.limiter.Admit(req.ClientKey) {
		return true
	}

	service := unknownRoute
	if name, _, ok := SplitPath(req.Path); ok {
		g.servicesMu.RLock()
		if _, registered := g.services[name]; registered {
			service = name
		}
		g.servicesMu.RUnlock()
	}
	g.record(req, service, http.StatusTooManyRequests, OutcomeRateLimited, g.now())
	metrics.GatewayRateLimited.Inc()
	return false
}

// Remaining остаток токенов клиента, false если лимитер его не сообщает
func (g *Gateway) Remaining(clientKey string) (float64, bool) {
	r, ok := g.limiter.(budgetReporter)
	if !ok {
		return 0, false
	}
	return r.Available(clientKey), true
}

// SplitPath разбирает /api/v1/{service}/{path...}
func SplitPath(path string) (service, subPath string, ok bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, PathPrefix)
	service, subPath, _ = strings.Cut(rest, "/")
	if service == "" {
		return "", "", false
	}
	return service, strings.Trim(subPath, "/"), true
}

type result struct {
	resp *Response
	err  error
}

// Route направляет запрос ровно одному бэкенду.
// Возвращает ErrNotFound для неизвестного пути и *UpstreamError при отказе бэкенда.
func (g *Gateway) Route(ctx context.Context, req *Request) (*Response, error) {
	start := g.now()
	if req.RequestID == "" {
		req.RequestID = "gw-" + uuid.NewString()
	}

	service, subPath, ok := SplitPath(req.Path)
	var backend Backend
	if ok {
		g.servicesMu.RLock()
		backend, ok = g.services[service]
		g.servicesMu.RUnlock()
	}
	if !ok {
		g.record(req, unknownRoute, http.StatusNotFound, OutcomeNotFound, start)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Path)
	}
	req.SubPath = subPath

	resp, err := g.call(ctx, service, backend, req)
	metrics.UpstreamDuration.WithLabelValues(service).Observe(g.now().Sub(start).Seconds())

	switch {
	case errors.Is(err, ErrNotFound):
		g.record(req, service, http.StatusNotFound, OutcomeNotFound, start)
		return nil, err
	case err != nil:
		upErr := &UpstreamError{Service: service, Err: err}
		g.record(req, service, http.StatusBadGateway, OutcomeUpstreamFailure, start)
		clog := logger.WithComponent("gateway")
		clog.Warn().
			Err(err).
			Str("service", service).
			Str("path", req.Path).
			Str("request_id", req.RequestID).
			Msg("upstream call failed")
		return nil, upErr
	case resp == nil:
		g.record(req, service, http.StatusBadGateway, OutcomeUpstreamFailure, start)
		return nil, &UpstreamError{Service: service, Err: errors.New("empty response")}
	case resp.Status >= http.StatusInternalServerError:
		g.record(req, service, resp.Status, OutcomeUpstreamFailure, start)
		return nil, &UpstreamError{Service: service, Status: resp.Status, Err: fmt.Errorf("status %d", resp.Status)}
	}

	g.record(req, service, resp.Status, OutcomeSuccess, start)
	return resp, nil
}

// call вызывает бэкенд с ограничением по времени, даже если он игнорирует ctx
func (g *Gateway) call(ctx context.Context, service string, b Backend, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.PanicsRecovered.WithLabelValues("gateway").Inc()
				done <- result{err: fmt.Errorf("backend %s panicked: %v", service, rec)}
			}
		}()
		resp, err := b.Serve(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("backend %s did not respond: %w", service, ctx.Err())
	}
}

// routeKey ключ счетчика путей. Набор ключей ограничен сервисами и их
// маршрутами: идентификаторы из пути в него не попадают.
func routeKey(service, subPath string, status int, outcome Outcome) string {
	if service == unknownRoute || outcome == OutcomeNotFound {
		return unknownRoute
	}
	key := PathPrefix + service
	if outcome == OutcomeSuccess && status < http.StatusBadRequest {
		if seg, _, _ := strings.Cut(subPath, "/"); seg != "" {
			key += "/" + seg
		}
	}
	return key
}

func (g *Gateway) record(req *Request, service string, status int, outcome Outcome, start time.Time) {
	now := g.now()
	entry := RequestLogEntry{
		Method:     req.Method,
		Path:       req.Path,
		ClientKey:  req.ClientKey,
		Status:     status,
		Outcome:    outcome,
		DurationMs: float64(now.Sub(start).Microseconds()) / 1000,
		Timestamp:  now,
	}

	g.statsMu.Lock()
	g.total++
	g.paths[routeKey(service, req.SubPath, status, outcome)]++
	g.outcomes[outcome]++
	g.requestLog = append(g.requestLog, entry)
	if len(g.requestLog) > maxRequestLog {
		g.requestLog = append(g.requestLog[:0], g.requestLog[len(g.requestLog)-maxRequestLog:]...)
	}
	g.statsMu.Unlock()

	metrics.GatewayRequests.WithLabelValues(service).Inc()
	metrics.GatewayOutcomes.WithLabelValues(string(outcome)).Inc()
}

// Stats счетчики шлюза, монотонны в пределах процесса.
// Paths считает запросы по маршрутам вида /api/v1/{service}/{route}.
type Stats struct {
	TotalRequests    uint64            `json:"total_requests"`
	Successful       uint64            `json:"successful_proxies"`
	UpstreamFailures uint64            `json:"failed_proxies"`
	NotFound         uint64            `json:"not_found"`
	RateLimited      uint64            `json:"rate_limited"`
	Paths            map[string]uint64 `json:"paths"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
}

// Status снимок состояния шлюза
type Status struct {
	Services       []string `json:"services"`
	Stats          Stats    `json:"stats"`
	RecentRequests int      `json:"recent_requests"`
}

// Status возвращает счетчики и список сервисов
func (g *Gateway) Status() Status {
	services := g.Services()

	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	paths := make(map[string]uint64, len(g.paths))
	for p, n := range g.paths {
		paths[p] = n
	}

	return Status{
		Services: services,
		Stats: Stats{
			TotalRequests:    g.total,
			Successful:       g.outcomes[OutcomeSuccess],
			UpstreamFailures: g.outcomes[OutcomeUpstreamFailure],
			NotFound:         g.outcomes[OutcomeNotFound],
			RateLimited:      g.outcomes[OutcomeRateLimited],
			Paths:            paths,
			UptimeSeconds:    g.now().Sub(g.started).Seconds(),
		},
		RecentRequests: len(g.requestLog),
	}
}

// RecentRequests возвращает последние n записей журнала, новые в конце
func (g *Gateway) RecentRequests(n int) []RequestLogEntry {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	if n <= 0 || n > len(g.requestLog) {
		n = len(g.requestLog)
	}
	out := make([]RequestLogEntry, n)
	copy(out, g.requestLog[len(g.requestLog)-n:])
	return out
}
