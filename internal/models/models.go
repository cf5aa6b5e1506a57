package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidReading показание с нечисловым значением или без ключа
var ErrInvalidReading = errors.New("invalid reading")

// Reading показание датчика IoT устройства
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// readingWire формат показания на входе: metric или sensor_type,
// timestamp строкой RFC3339 или числом секунд
type readingWire struct {
	DeviceID   string          `json:"device_id"`
	Metric     string          `json:"metric"`
	SensorType string          `json:"sensor_type"`
	Value      *float64        `json:"value"`
	Unit       string          `json:"unit"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON разбирает показание из входного формата
func (r *Reading) UnmarshalJSON(data []byte) error {
	var w readingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Value == nil {
		return fmt.Errorf("value is required")
	}

	metric := w.Metric
	if metric == "" {
		metric = w.SensorType
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	*r = Reading{
		DeviceID:  w.DeviceID,
		Metric:    metric,
		Value:     *w.Value,
		Unit:      w.Unit,
		Timestamp: ts,
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		if str == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return ts, nil
		}
		s = str
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("unsupported format %q", s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

// Key возвращает ключ окна для показания
func (r Reading) Key() WindowKey {
	return WindowKey{DeviceID: r.DeviceID, Metric: r.Metric}
}

// WindowKey ключ окна агрегации (устройство, метрика)
type WindowKey struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric"`
}

func (k WindowKey) String() string {
	return k.DeviceID + "/" + k.Metric
}

// Stats агрегаты по живым записям окна
type Stats struct {
	Count           int           `json:"count"`
	Min             float64       `json:"min"`
	Max             float64       `json:"max"`
	Avg             float64       `json:"avg"`
	Latest          float64       `json:"latest"`
	LatestTimestamp time.Time     `json:"latest_timestamp"`
	Window          time.Duration `json:"-"`
}

// MarshalJSON добавляет длительность окна в секундах
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		WindowSeconds float64 `json:"window_seconds"`
	}{plain(s), s.Window.Seconds()})
}

// Operator оператор сравнения правила
type Operator string

const (
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
)

var operatorAliases = map[string]Operator{
	"gt":  OpGreater,
	"gte": OpGreaterOrEqual,
	"lt":  OpLess,
	"lte": OpLessOrEqual,
	"eq":  OpEqual,
}

// ParseOperator нормализует оператор (поддерживает gt/gte/lt/lte/eq)
func ParseOperator(s string) Operator {
	s = strings.TrimSpace(s)
	if op, ok := operatorAliases[strings.ToLower(s)]; ok {
		return op
	}
	return Operator(s)
}

// Valid проверяет, что оператор поддерживается
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual, OpEqual:
		return true
	}
	return false
}

// Apply применяет оператор к значению и порогу
func (o Operator) Apply(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// Severity уровень важности алерта
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid проверяет уровень важности
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// WildcardDevice правило применяется ко всем устройствам
const WildcardDevice = "*"

// Rule пороговое правило для метрики
type Rule struct {
	ID        string   `json:"id" mapstructure:"id"`
	Metric    string   `json:"metric" mapstructure:"metric"`
	DeviceID  string   `json:"device_id,omitempty" mapstructure:"device_id"`
	Operator  Operator `json:"operator" mapstructure:"operator"`
	Threshold float64  `json:"threshold" mapstructure:"threshold"`
	Severity  Severity `json:"severity" mapstructure:"severity"`
}

// UnmarshalJSON принимает как operator, так и condition из старого API
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var w struct {
		plain
		SensorType string `json:"sensor_type"`
		Condition  string `json:"condition"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Rule(w.plain)
	if r.Metric == "" {
		r.Metric = w.SensorType
	}
	if r.Operator == "" {
		r.Operator = Operator(w.Condition)
	}
	r.Operator = ParseOperator(string(r.Operator))
	return nil
}

// IsWildcard true если правило не привязано к устройству
func (r Rule) IsWildcard() bool {
	return r.DeviceID == "" || r.DeviceID == WildcardDevice
}

// Matches проверяет условие правила для значения
func (r Rule) Matches(value float64) bool {
	return r.Operator.Apply(value, r.Threshold)
}

// AlertState состояние алерта
type AlertState string

const (
	AlertActive  AlertState = "active"
	AlertCleared AlertState = "cleared"
)

// Alert запись журнала алертов
type Alert struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Metric       string     `json:"metric"`
	RuleID       string     `json:"rule_id"`
	Severity     Severity   `json:"severity"`
	Operator     Operator   `json:"operator"`
	Threshold    float64    `json:"threshold"`
	Value        float64    `json:"value"`
	Timestamp    time.Time  `json:"timestamp"`
	CreatedAt    time.Time  `json:"created_at"`
	State        AlertState `json:"state"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
	ClearedValue *float64   `json:"cleared_value,omitempty"`
	Message      string     `json:"message"`
}

// TransitionKind тип перехода состояния алерта
type TransitionKind string

const (
	TransitionRaised  TransitionKind = "raised"
	TransitionCleared TransitionKind = "cleared"
)

// Transition переход состояния пары (устройство, правило)
type Transition struct {
	Kind  TransitionKind `json:"kind"`
	Alert Alert          `json:"alert"`
}

// Device запись реестра устройств
type Device struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	DeviceType   string            `json:"device_type" db:"device_type"`
	Location     string            `json:"location,omitempty" db:"location"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"-"`
	Status       string            `json:"status" db:"status"`
	RegisteredAt time.Time         `json:"registered_at" db:"registered_at"`
}
