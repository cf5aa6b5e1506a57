package alerting

import "iot-telemetry/internal/models"

// DefaultRules стандартный набор правил алерт-менеджера
func DefaultRules() []models.Rule {
	return []models.Rule{
		{ID: "default-temp-high", Metric: "temperature", Operator: models.OpGreater, Threshold: 40, Severity: models.SeverityCritical},
		{ID: "default-temp-low", Metric: "temperature", Operator: models.OpLess, Threshold: -10, Severity: models.SeverityWarning},
		{ID: "default-humidity-high", Metric: "humidity", Operator: models.OpGreater, Threshold: 90, Severity: models.SeverityWarning},
	}
}

// LoadRules добавляет набор правил, останавливаясь на первой ошибке
func (e *Evaluator) LoadRules(rules []models.Rule) error {
	for _, r := range rules {
		if _, err := e.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}
