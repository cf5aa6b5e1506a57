package alerting

import "iot-telemetry/internal/models"

// Значения AlertFilter.State
const (
	FilterAll     = "all"
	FilterActive  = "active"
	FilterCleared = "cleared"
)

// AlertFilter фильтр журнала алертов
type AlertFilter struct {
	// State active, cleared или all (пусто = all)
	State    string
	DeviceID string
	Metric   string
	Severity models.Severity
	// Limit оставляет N самых новых алертов, 0 = без ограничения
	Limit int
}

func (f AlertFilter) match(a *models.Alert) bool {
	switch f.State {
	case FilterActive:
		if a.State != models.AlertActive {
			return false
		}
	case FilterCleared:
		if a.State != models.AlertCleared {
			return false
		}
	}
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.Metric != "" && a.Metric != f.Metric {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}

// ListAlerts возвращает копии алертов по возрастанию времени создания
func (e *Evaluator) ListAlerts(f AlertFilter) []models.Alert {
	e.logMu.RLock()
	defer e.logMu.RUnlock()

	out := make([]models.Alert, 0)
	for _, a := range e.log {
		if f.match(a) {
			out = append(out, copyAlert(a))
		}
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// copyAlert копирует алерт вместе с указателями на поля снятия
func copyAlert(a *models.Alert) models.Alert {
	c := *a
	if a.ClearedAt != nil {
		t := *a.ClearedAt
		c.ClearedAt = &t
	}
	if a.ClearedValue != nil {
		v := *a.ClearedValue
		c.ClearedValue = &v
	}
	return c
}
