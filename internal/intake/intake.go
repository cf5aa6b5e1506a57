package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
)

// ErrInvalidPayload сообщение не удалось разобрать как показания
var ErrInvalidPayload = errors.New("invalid payload")

// Submitter принимает показания в очередь обработки
type Submitter interface {
	Submit(r models.Reading) bool
}

// Decode разбирает одно показание или массив показаний
func Decode(payload []byte) ([]models.Reading, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidPayload)
	}

	if payload[0] == '[' {
		var batch []models.Reading
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return batch, nil
	}

	var r models.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return []models.Reading{r}, nil
}

// deliver разбирает сообщение источника и ставит показания в очередь.
// Возвращает число принятых показаний.
func deliver(source string, payload []byte, sub Submitter) (int, error) {
	readings, err := Decode(payload)
	if err != nil {
		metrics.IntakeMessages.WithLabelValues(source, "invalid").Inc()
		return 0, err
	}

	accepted := 0
	for _, r := range readings {
		if sub.Submit(r) {
			accepted++
		}
	}

	status := "accepted"
	if accepted < len(readings) {
		status = "dropped"
	}
	metrics.IntakeMessages.WithLabelValues(source, status).Inc()
	return accepted, nil
}
