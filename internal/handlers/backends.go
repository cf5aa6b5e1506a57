package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"iot-telemetry/internal/alerting"
	"iot-telemetry/internal/analytics"
	"iot-telemetry/internal/gateway"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/pipeline"
	"iot-telemetry/internal/registry"
)

// DefaultSensorTypes допустимые типы датчиков для сервиса приема
var DefaultSensorTypes = []string{"temperature", "humidity", "pressure", "light", "motion", "co2"}

const defaultAlertLimit = 100

// Processor обработка показаний
type Processor interface {
	Process(ctx context.Context, r models.Reading) (pipeline.Result, error)
}

// Backends локальные сервисы за шлюзом
type Backends struct {
	processor   Processor
	aggregator  *analytics.Aggregator
	evaluator   *alerting.Evaluator
	sensorTypes map[string]struct{}

	totalIngested   atomic.Int64
	invalidPayloads atomic.Int64
}

// NewBackends создает локальные сервисы
func NewBackends(p Processor, agg *analytics.Aggregator, eval *alerting.Evaluator, sensorTypes []string) *Backends {
	if len(sensorTypes) == 0 {
		sensorTypes = DefaultSensorTypes
	}
	types := make(map[string]struct{}, len(sensorTypes))
	for _, t := range sensorTypes {
		types[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Backends{
		processor:   p,
		aggregator:  agg,
		evaluator:   eval,
		sensorTypes: types,
	}
}

func segments(subPath string) []string {
	if subPath == "" {
		return nil
	}
	return strings.Split(subPath, "/")
}

func notFound(req *gateway.Request) error {
	return fmt.Errorf("%w: %s %s", gateway.ErrNotFound, req.Method, req.Path)
}

func methodNotAllowed() *gateway.Response {
	return gateway.Error(http.StatusMethodNotAllowed, "method not allowed")
}

func health(service string) *gateway.Response {
	return gateway.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": service})
}

func decodeReading(body []byte) (models.Reading, error) {
	var r models.Reading
	if err := json.Unmarshal(body, &r); err != nil {
		return r, fmt.Errorf("%w: %v", models.ErrInvalidReading, err)
	}
	return r, nil
}

// processError переводит ошибку конвейера в ответ.
// Непредвиденные ошибки возвращаются как есть и считаются отказом бэкенда.
func processError(err error) (*gateway.Response, error) {
	switch {
	case errors.Is(err, models.ErrInvalidReading):
		return gateway.Error(http.StatusBadRequest, err.Error()), nil
	case errors.Is(err, pipeline.ErrUnknownDevice):
		return gateway.Error(http.StatusUnprocessableEntity, err.Error()), nil
	default:
		return nil, err
	}
}

// DataProcessor сервис агрегатов: process, process/batch, aggregates/{device}[/{metric}]
func (b *Backends) DataProcessor() gateway.Backend {
	return gateway.BackendFunc(func(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
		seg := segments(req.SubPath)
		switch {
		case len(seg) == 1 && seg[0] == "health":
			return health("data-processor"), nil

		case len(seg) == 1 && seg[0] == "process":
			if req.Method != http.MethodPost {
				return methodNotAllowed(), nil
			}
			return b.process(ctx, req)

		case len(seg) == 2 && seg[0] == "process" && seg[1] == "batch":
			if req.Method != http.MethodPost {
				return methodNotAllowed(), nil
			}
			return b.processBatch(ctx, req)

		case len(seg) == 2 && seg[0] == "aggregates":
			if req.Method != http.MethodGet {
				return methodNotAllowed(), nil
			}
			return b.deviceAggregates(seg[1]), nil

		case len(seg) == 3 && seg[0] == "aggregates":
			if req.Method != http.MethodGet {
				return methodNotAllowed(), nil
			}
			return b.metricAggregate(models.WindowKey{DeviceID: seg[1], Metric: seg[2]}), nil
		}
		return nil, notFound(req)
	})
}

func (b *Backends) process(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	r, err := decodeReading(req.Body)
	if err != nil {
		return gateway.Error(http.StatusBadRequest, err.Error()), nil
	}

	res, err := b.processor.Process(ctx, r)
	if err != nil {
		return processError(err)
	}

	count := 0
	if res.Stats != nil {
		count = res.Stats.Count
	}
	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"status":         "processed",
		"device_id":      r.DeviceID,
		"readings_count": count,
		"transitions":    res.Transitions,
	}), nil
}

func (b *Backends) processBatch(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(req.Body, &batch); err != nil {
		return gateway.Error(http.StatusBadRequest, "invalid JSON"), nil
	}

	accepted := 0
	transitions := make([]models.Transition, 0)
	for _, raw := range batch {
		r, err := decodeReading(raw)
		if err != nil {
			continue
		}
		res, err := b.processor.Process(ctx, r)
		if err != nil {
			if _, fatal := processError(err); fatal != nil {
				return nil, fatal
			}
			continue
		}
		accepted++
		transitions = append(transitions, res.Transitions...)
	}

	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"status":      "accepted",
		"total":       len(batch),
		"accepted":    accepted,
		"transitions": transitions,
	}), nil
}

func (b *Backends) deviceAggregates(deviceID string) *gateway.Response {
	aggs := b.aggregator.AggregateDevice(deviceID)
	if len(aggs) == 0 {
		return gateway.Error(http.StatusNotFound, fmt.Sprintf("no data found for device '%s'", deviceID))
	}
	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"device_id":  deviceID,
		"aggregates": aggs,
	})
}

func (b *Backends) metricAggregate(key models.WindowKey) *gateway.Response {
	st, ok := b.aggregator.Aggregate(key)
	if !ok {
		return gateway.Error(http.StatusNotFound, fmt.Sprintf("no data found for '%s'", key))
	}
	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"device_id":  key.DeviceID,
		"metric":     key.Metric,
		"aggregates": st,
	})
}

// AlertManager сервис правил и алертов: evaluate, alerts, rules
func (b *Backends) AlertManager() gateway.Backend {
	return gateway.BackendFunc(func(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
		if len(segments(req.SubPath)) != 1 {
			return nil, notFound(req)
		}

		switch req.SubPath {
		case "health":
			return health("alert-manager"), nil

		case "evaluate":
			if req.Method != http.MethodPost {
				return methodNotAllowed(), nil
			}
			return b.evaluate(req), nil

		case "alerts":
			if req.Method != http.MethodGet {
				return methodNotAllowed(), nil
			}
			return b.listAlerts(req), nil

		case "rules":
			switch req.Method {
			case http.MethodGet:
				rules := b.evaluator.Rules()
				return gateway.JSON(http.StatusOK, map[string]interface{}{"rules": rules, "total": len(rules)}), nil
			case http.MethodPost:
				return b.createRule(req), nil
			}
			return methodNotAllowed(), nil
		}
		return nil, notFound(req)
	})
}

func (b *Backends) evaluate(req *gateway.Request) *gateway.Response {
	r, err := decodeReading(req.Body)
	if err != nil {
		return gateway.Error(http.StatusBadRequest, err.Error())
	}

	transitions, err := b.evaluator.Evaluate(r)
	if err != nil {
		return gateway.Error(http.StatusBadRequest, err.Error())
	}

	raised := 0
	for _, t := range transitions {
		if t.Kind == models.TransitionRaised {
			raised++
		}
	}
	if transitions == nil {
		transitions = []models.Transition{}
	}
	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"device_id":        r.DeviceID,
		"alerts_triggered": raised,
		"transitions":      transitions,
	})
}

func (b *Backends) listAlerts(req *gateway.Request) *gateway.Response {
	q := req.Query
	f := alerting.AlertFilter{Limit: defaultAlertLimit}
	if q != nil {
		f.State = q.Get("state")
		f.DeviceID = q.Get("device_id")
		f.Metric = q.Get("metric")
		f.Severity = models.Severity(q.Get("severity"))
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return gateway.Error(http.StatusBadRequest, "limit must be a non-negative integer")
			}
			f.Limit = n
		}
	}
	switch f.State {
	case "", alerting.FilterAll, alerting.FilterActive, alerting.FilterCleared:
	default:
		return gateway.Error(http.StatusBadRequest, "state must be one of: active, cleared, all")
	}

	alerts := b.evaluator.ListAlerts(f)
	return gateway.JSON(http.StatusOK, map[string]interface{}{"alerts": alerts, "total": len(alerts)})
}

func (b *Backends) createRule(req *gateway.Request) *gateway.Response {
	var rule models.Rule
	if err := json.Unmarshal(req.Body, &rule); err != nil {
		return gateway.Error(http.StatusBadRequest, "invalid JSON")
	}

	id, err := b.evaluator.AddRule(rule)
	if err != nil {
		return gateway.Error(http.StatusBadRequest, err.Error())
	}
	for _, r := range b.evaluator.Rules() {
		if r.ID == id {
			return gateway.JSON(http.StatusCreated, r)
		}
	}
	return gateway.JSON(http.StatusCreated, map[string]string{"id": id})
}

// SensorIngestion сервис приема показаний: проверяет тип датчика и обрабатывает показание
func (b *Backends) SensorIngestion() gateway.Backend {
	return gateway.BackendFunc(func(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
		switch req.SubPath {
		case "health":
			return health("sensor-ingestion"), nil
		case "stats":
			return gateway.JSON(http.StatusOK, map[string]int64{
				"total_ingested":   b.totalIngested.Load(),
				"invalid_payloads": b.invalidPayloads.Load(),
			}), nil
		case "ingest":
			if req.Method != http.MethodPost {
				return methodNotAllowed(), nil
			}
			return b.ingest(ctx, req)
		}
		return nil, notFound(req)
	})
}

func (b *Backends) ingest(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	b.totalIngested.Add(1)

	r, err := decodeReading(req.Body)
	if err != nil {
		b.invalidPayloads.Add(1)
		return gateway.Error(http.StatusBadRequest, err.Error()), nil
	}
	r.Metric = strings.ToLower(r.Metric)
	if _, ok := b.sensorTypes[r.Metric]; !ok {
		b.invalidPayloads.Add(1)
		return gateway.Error(http.StatusBadRequest, fmt.Sprintf(
			"invalid sensor_type '%s'. Must be one of: %s", r.Metric, strings.Join(b.SensorTypes(), ", "))), nil
	}

	res, err := b.processor.Process(ctx, r)
	if err != nil {
		if errors.Is(err, models.ErrInvalidReading) {
			b.invalidPayloads.Add(1)
		}
		return processError(err)
	}

	return gateway.JSON(http.StatusOK, map[string]interface{}{
		"status":      "accepted",
		"device_id":   r.DeviceID,
		"transitions": res.Transitions,
	}), nil
}

// SensorTypes возвращает допустимые типы датчиков по алфавиту
func (b *Backends) SensorTypes() []string {
	out := make([]string, 0, len(b.sensorTypes))
	for t := range b.sensorTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DeviceRegistry локальный реестр устройств: devices, devices/{id}
func DeviceRegistry(store registry.Store) gateway.Backend {
	return gateway.BackendFunc(func(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
		seg := segments(req.SubPath)
		switch {
		case len(seg) == 1 && seg[0] == "health":
			return health("device-registry"), nil

		case len(seg) == 1 && seg[0] == "devices":
			switch req.Method {
			case http.MethodGet:
				f := registry.Filter{}
				if req.Query != nil {
					f.DeviceType = req.Query.Get("device_type")
					f.Status = req.Query.Get("status")
				}
				devices, err := store.List(ctx, f)
				if err != nil {
					return nil, err
				}
				return gateway.JSON(http.StatusOK, map[string]interface{}{"devices": devices, "total": len(devices)}), nil

			case http.MethodPost:
				var d models.Device
				if err := json.Unmarshal(req.Body, &d); err != nil {
					return gateway.Error(http.StatusBadRequest, "invalid JSON"), nil
				}
				created, err := store.Register(ctx, d)
				if errors.Is(err, registry.ErrInvalidDevice) {
					return gateway.Error(http.StatusBadRequest, err.Error()), nil
				}
				if err != nil {
					return nil, err
				}
				return gateway.JSON(http.StatusCreated, created), nil
			}
			return methodNotAllowed(), nil

		case len(seg) == 2 && seg[0] == "devices":
			id := seg[1]
			switch req.Method {
			case http.MethodGet:
				d, err := store.Get(ctx, id)
				if errors.Is(err, registry.ErrDeviceNotFound) {
					return gateway.Error(http.StatusNotFound, fmt.Sprintf("device '%s' not found", id)), nil
				}
				if err != nil {
					return nil, err
				}
				return gateway.JSON(http.StatusOK, d), nil

			case http.MethodDelete:
				err := store.Delete(ctx, id)
				if errors.Is(err, registry.ErrDeviceNotFound) {
					return gateway.Error(http.StatusNotFound, fmt.Sprintf("device '%s' not found", id)), nil
				}
				if err != nil {
					return nil, err
				}
				return gateway.JSON(http.StatusOK, map[string]string{"status": "deleted", "device_id": id}), nil
			}
			return methodNotAllowed(), nil
		}
		return nil, notFound(req)
	})
}
