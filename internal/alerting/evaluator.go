package alerting

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
)

// ErrInvalidRule правило с неподдерживаемым оператором или порогом
var ErrInvalidRule = errors.New("invalid rule")

const defaultShards = 32

// Config параметры вычислителя правил
type Config struct {
	Shards int
	Now    func() time.Time
	NewID  func() string
}

// pairKey пара (устройство, правило)
type pairKey struct {
	deviceID string
	ruleID   string
}

// pairStatus явное состояние пары
type pairStatus uint8

const (
	inactive pairStatus = iota
	active
)

type pairState struct {
	status pairStatus
	alert  *models.Alert
}

type stateShard struct {
	mu    sync.Mutex
	pairs map[pairKey]*pairState
}

// metricRules правила одной метрики: сначала по устройству, затем общие
type metricRules struct {
	byDevice map[string][]models.Rule
	wildcard []models.Rule
}

// Evaluator вычисляет пороговые правила и ведет журнал алертов
type Evaluator struct {
	now   func() time.Time
	newID func() string

	rulesMu sync.RWMutex
	rules   map[string]*metricRules
	ordered []models.Rule
	ids     map[string]struct{}

	shards []*stateShard

	logMu sync.RWMutex
	log   []*models.Alert

	activeCount atomic.Int64
}

// NewEvaluator создает вычислитель с пустой таблицей правил
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	shards := make([]*stateShard, cfg.Shards)
	for i := range shards {
		shards[i] = &stateShard{pairs: make(map[pairKey]*pairState)}
	}

	return &Evaluator{
		now:    cfg.Now,
		newID:  cfg.NewID,
		rules:  make(map[string]*metricRules),
		ids:    make(map[string]struct{}),
		shards: shards,
	}
}

func (e *Evaluator) shardFor(k pairKey) *stateShard {
	h := xxhash.New()
	_, _ = h.WriteString(k.deviceID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(k.ruleID)
	return e.shards[h.Sum64()%uint64(len(e.shards))]
}

func normalizeRule(r models.Rule) (models.Rule, error) {
	r.Operator = models.ParseOperator(string(r.Operator))
	if r.Severity == "" {
		r.Severity = models.SeverityWarning
	}
	if r.DeviceID == models.WildcardDevice {
		r.DeviceID = ""
	}

	switch {
	case r.Metric == "":
		return r, fmt.Errorf("%w: metric is required", ErrInvalidRule)
	case !r.Operator.Valid():
		return r, fmt.Errorf("%w: unsupported operator %q", ErrInvalidRule, r.Operator)
	case math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0):
		return r, fmt.Errorf("%w: threshold %v is not finite", ErrInvalidRule, r.Threshold)
	case !r.Severity.Valid():
		return r, fmt.Errorf("%w: unsupported severity %q", ErrInvalidRule, r.Severity)
	}
	return r, nil
}

// AddRule проверяет и добавляет правило, возвращает его идентификатор.
// Одинаковые правила не объединяются и вычисляются независимо.
func (e *Evaluator) AddRule(r models.Rule) (string, error) {
	r, err := normalizeRule(r)
	if err != nil {
		return "", err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if r.ID == "" {
		for {
			r.ID = e.newID()
			if len(r.ID) > 8 {
				r.ID = r.ID[:8]
			}
			if _, taken := e.ids[r.ID]; !taken {
				break
			}
		}
	} else if _, taken := e.ids[r.ID]; taken {
		return "", fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
	}

	mr, ok := e.rules[r.Metric]
	if !ok {
		mr = &metricRules{byDevice: make(map[string][]models.Rule)}
		e.rules[r.Metric] = mr
	}
	if r.IsWildcard() {
		mr.wildcard = append(mr.wildcard, r)
	} else {
		mr.byDevice[r.DeviceID] = append(mr.byDevice[r.DeviceID], r)
	}

	e.ids[r.ID] = struct{}{}
	e.ordered = append(e.ordered, r)
	metrics.RulesLoaded.Set(float64(len(e.ordered)))
	return r.ID, nil
}

// Rules возвращает правила в порядке добавления
func (e *Evaluator) Rules() []models.Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	out := make([]models.Rule, len(e.ordered))
	copy(out, e.ordered)
	return out
}

// matching ищет правила метрики: сначала для устройства, затем общие
func (e *Evaluator) matching(metric, deviceID string) []models.Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	mr, ok := e.rules[metric]
	if !ok {
		return nil
	}
	exact := mr.byDevice[deviceID]
	out := make([]models.Rule, 0, len(exact)+len(mr.wildcard))
	out = append(out, exact...)
	return append(out, mr.wildcard...)
}

// Evaluate применяет подходящие правила к показанию и возвращает переходы
func (e *Evaluator) Evaluate(r models.Reading) ([]models.Transition, error) {
	if r.DeviceID == "" || r.Metric == "" {
		return nil, fmt.Errorf("%w: device_id and metric are required", models.ErrInvalidReading)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return nil, fmt.Errorf("%w: value %v is not finite", models.ErrInvalidReading, r.Value)
	}

	rules := e.matching(r.Metric, r.DeviceID)
	if len(rules) == 0 {
		return nil, nil
	}

	// Как и в агрегаторе: без времени или из будущего значит сейчас
	ts := r.Timestamp
	if now := e.now(); ts.IsZero() || ts.After(now) {
		ts = now
	}

	var transitions []models.Transition
	for _, rule := range rules {
		if t, ok := e.step(rule, r, ts); ok {
			transitions = append(transitions, t)
		}
	}
	return transitions, nil
}

// step переводит автомат пары (устройство, правило) по результату условия
func (e *Evaluator) step(rule models.Rule, r models.Reading, ts time.Time) (models.Transition, bool) {
	key := pairKey{deviceID: r.DeviceID, ruleID: rule.ID}
	s := e.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.pairs[key]
	if !ok {
		st = &pairState{status: inactive}
		s.pairs[key] = st
	}

	holds := rule.Matches(r.Value)
	switch {
	case holds && st.status == inactive:
		alert := &models.Alert{
			ID:        e.newID(),
			DeviceID:  r.DeviceID,
			Metric:    r.Metric,
			RuleID:    rule.ID,
			Severity:  rule.Severity,
			Operator:  rule.Operator,
			Threshold: rule.Threshold,
			Value:     r.Value,
			Timestamp: ts,
			State:     models.AlertActive,
			Message: fmt.Sprintf("%s value %g %s threshold %g",
				r.Metric, r.Value, rule.Operator, rule.Threshold),
		}
		snapshot := e.appendAlert(alert)
		st.status = active
		st.alert = alert

		metrics.AlertTransitions.WithLabelValues(string(models.TransitionRaised), string(rule.Severity)).Inc()
		metrics.ActiveAlerts.Set(float64(e.activeCount.Add(1)))
		return models.Transition{Kind: models.TransitionRaised, Alert: snapshot}, true

	case !holds && st.status == active:
		snapshot := e.clearAlert(st.alert, r.Value, ts)
		st.status = inactive
		st.alert = nil

		metrics.AlertTransitions.WithLabelValues(string(models.TransitionCleared), string(rule.Severity)).Inc()
		metrics.ActiveAlerts.Set(float64(e.activeCount.Add(-1)))
		return models.Transition{Kind: models.TransitionCleared, Alert: snapshot}, true
	}

	// Условие не изменилось: повторный алерт не создаем
	return models.Transition{}, false
}

func (e *Evaluator) appendAlert(a *models.Alert) models.Alert {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	a.CreatedAt = e.now()
	e.log = append(e.log, a)
	return copyAlert(a)
}

func (e *Evaluator) clearAlert(a *models.Alert, value float64, ts time.Time) models.Alert {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	a.State = models.AlertCleared
	a.ClearedAt = &ts
	a.ClearedValue = &value
	return copyAlert(a)
}

// ActiveCount возвращает количество активных алертов
func (e *Evaluator) ActiveCount() int {
	return int(e.activeCount.Load())
}
