package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"iot-telemetry/internal/logger"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
)

// ErrInvalidReading показание отклонено, состояние окна не изменилось
var ErrInvalidReading = models.ErrInvalidReading

const (
	DefaultWindow     = 5 * time.Minute
	DefaultMaxEntries = 10000
	DefaultShards     = 32
)

// Config параметры агрегатора
type Config struct {
	// Window длительность скользящего окна
	Window time.Duration
	// MaxEntries максимум записей в одном окне
	MaxEntries int
	// IdleTTL окно без новых показаний дольше этого срока удаляется (не меньше Window)
	IdleTTL time.Duration
	// Shards количество сегментов таблицы окон
	Shards int
	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// shard сегмент таблицы окон со своей блокировкой
type shard struct {
	mu      sync.RWMutex
	windows map[models.WindowKey]*window
}

// Aggregator агрегатор скользящих окон по ключу (устройство, метрика)
type Aggregator struct {
	window     time.Duration
	maxEntries int
	idleTTL    time.Duration
	now        func() time.Time
	shards     []*shard
	count      atomic.Int64
}

// NewAggregator создает новый агрегатор
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.IdleTTL < cfg.Window {
		cfg.IdleTTL = 3 * cfg.Window
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{windows: make(map[models.WindowKey]*window)}
	}

	return &Aggregator{
		window:     cfg.Window,
		maxEntries: cfg.MaxEntries,
		idleTTL:    cfg.IdleTTL,
		now:        cfg.Now,
		shards:     shards,
	}
}

func (a *Aggregator) shardFor(key models.WindowKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.DeviceID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(key.Metric)
	return a.shards[h.Sum64()%uint64(len(a.shards))]
}

// getOrCreate возвращает окно ключа, создавая его при первом показании
func (a *Aggregator) getOrCreate(key models.WindowKey) *window {
	s := a.shardFor(key)

	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = newWindow(16)
	s.windows[key] = w
	metrics.WindowsActive.Set(float64(a.count.Add(1)))
	return w
}

func validateReading(r models.Reading) error {
	if r.DeviceID == "" || r.Metric == "" {
		return fmt.Errorf("%w: device_id and metric are required", ErrInvalidReading)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: value %v is not finite", ErrInvalidReading, r.Value)
	}
	return nil
}

// Ingest добавляет показание в окно его ключа и вытесняет устаревшие записи
func (a *Aggregator) Ingest(r models.Reading) error {
	if err := validateReading(r); err != nil {
		metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
		return err
	}

	now := a.now()
	ts := r.Timestamp
	// Показания без времени или из будущего считаем пришедшими сейчас
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	key := r.Key()
	for {
		w := a.getOrCreate(key)

		w.mu.Lock()
		if w.dead {
			// Окно удалено уборщиком между поиском и блокировкой
			w.mu.Unlock()
			continue
		}
		w.insert(entry{ts: ts, value: r.Value})
		w.lastSeen = now
		expired := w.evictBefore(now.Add(-a.window))
		overflow := w.trimTo(a.maxEntries)
		w.compact()
		w.mu.Unlock()

		metrics.ReadingsIngested.WithLabelValues("accepted").Inc()
		if expired > 0 {
			metrics.WindowEvictions.WithLabelValues("expired").Add(float64(expired))
		}
		if overflow > 0 {
			metrics.WindowEvictions.WithLabelValues("overflow").Add(float64(overflow))
		}
		return nil
	}
}

// Aggregate считает count/min/max/avg по живым записям окна.
// Второе значение false означает отсутствие данных.
func (a *Aggregator) Aggregate(key models.WindowKey) (models.Stats, bool) {
	s := a.shardFor(key)
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if !ok {
		return models.Stats{}, false
	}
	return a.aggregateWindow(w)
}

func (a *Aggregator) aggregateWindow(w *window) (models.Stats, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return models.Stats{}, false
	}
	if expired := w.evictBefore(a.now().Add(-a.window)); expired > 0 {
		metrics.WindowEvictions.WithLabelValues("expired").Add(float64(expired))
		w.compact()
	}

	st, ok := w.stats()
	st.Window = a.window
	return st, ok
}

// AggregateDevice возвращает агрегаты всех метрик устройства, пустые окна пропускаются
func (a *Aggregator) AggregateDevice(deviceID string) map[string]models.Stats {
	type keyed struct {
		key models.WindowKey
		w   *window
	}

	var found []keyed
	for _, s := range a.shards {
		s.mu.RLock()
		for key, w := range s.windows {
			if key.DeviceID == deviceID {
				found = append(found, keyed{key: key, w: w})
			}
		}
		s.mu.RUnlock()
	}

	result := make(map[string]models.Stats, len(found))
	for _, k := range found {
		if st, ok := a.aggregateWindow(k.w); ok {
			result[k.key.Metric] = st
		}
	}
	return result
}

// Sweep удаляет окна без показаний дольше IdleTTL, возвращает их количество
func (a *Aggregator) Sweep() int {
	now := a.now()
	removed := 0

	for _, s := range a.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			w.mu.Lock()
			if now.Sub(w.lastSeen) > a.idleTTL {
				w.evictBefore(now.Add(-a.window))
				if len(w.live()) == 0 {
					w.dead = true
					delete(s.windows, key)
					removed++
				}
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		metrics.WindowsActive.Set(float64(a.count.Add(int64(-removed))))
		metrics.WindowEvictions.WithLabelValues("idle").Add(float64(removed))
	}
	return removed
}

// RunJanitor периодически вызывает Sweep до отмены контекста
func (a *Aggregator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.window
	}
	log := logger.WithComponent("aggregator")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.Sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("idle windows swept")
			}
		}
	}
}

// Len возвращает количество окон в памяти
func (a *Aggregator) Len() int {
	return int(a.count.Load())
}

// GetStats возвращает статистику агрегатора
func (a *Aggregator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"windows_tracked": a.Len(),
		"window_seconds":  a.window.Seconds(),
		"max_entries":     a.maxEntries,
		"idle_ttl":        a.idleTTL.String(),
	}
}
