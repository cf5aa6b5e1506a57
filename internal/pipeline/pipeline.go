package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"iot-telemetry/internal/logger"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
)

// ErrUnknownDevice устройство не найдено в реестре при политике reject
var ErrUnknownDevice = errors.New("unknown device")

// DevicePolicy поведение при показании от незарегистрированного устройства
type DevicePolicy string

const (
	PolicyOff    DevicePolicy = "off"
	PolicyLog    DevicePolicy = "log"
	PolicyReject DevicePolicy = "reject"
)

// ParsePolicy разбирает политику, пустая строка = off
func ParsePolicy(s string) (DevicePolicy, error) {
	switch p := DevicePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyOff:
		return PolicyOff, nil
	case PolicyLog, PolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported device policy %q", s)
	}
}

// Aggregator окна скользящих агрегатов
type Aggregator interface {
	Ingest(r models.Reading) error
	Aggregate(key models.WindowKey) (models.Stats, bool)
}

// Evaluator вычислитель правил
type Evaluator interface {
	Evaluate(r models.Reading) ([]models.Transition, error)
}

// DeviceLookup проверка устройства в реестре
type DeviceLookup interface {
	LookupDevice(ctx context.Context, id string) (bool, error)
}

// Sink получатель переходов алертов и снимков агрегатов
type Sink interface {
	StoreTransitions(ctx context.Context, transitions []models.Transition) error
	StoreAggregate(ctx context.Context, key models.WindowKey, stats models.Stats) error
}

// Result итог обработки одного показания
type Result struct {
	Reading     models.Reading      `json:"reading"`
	Transitions []models.Transition `json:"transitions"`
	Stats       *models.Stats       `json:"stats,omitempty"`
}

// Options необязательные зависимости конвейера
type Options struct {
	Devices   DeviceLookup
	Policy    DevicePolicy
	Sink      Sink
	QueueSize int
}

// Pipeline связывает агрегатор и вычислитель правил:
// показание сначала попадает в окно, затем проверяется правилами
type Pipeline struct {
	aggregator Aggregator
	evaluator  Evaluator
	devices    DeviceLookup
	policy     DevicePolicy
	sink       Sink

	queueSize int
	mu        sync.RWMutex
	queues    []chan models.Reading
	running   bool
	wg        sync.WaitGroup
}

// New создает конвейер
func New(agg Aggregator, eval Evaluator, opts Options) *Pipeline {
	if opts.Policy == "" || opts.Devices == nil {
		opts.Policy = PolicyOff
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	return &Pipeline{
		aggregator: agg,
		evaluator:  eval,
		devices:    opts.Devices,
		policy:     opts.Policy,
		sink:       opts.Sink,
		queueSize:  opts.QueueSize,
	}
}

// Process синхронно обрабатывает показание. Правила вычисляются
// только для показаний, успешно принятых агрегатором.
func (p *Pipeline) Process(ctx context.Context, r models.Reading) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if err := p.checkDevice(ctx, r.DeviceID); err != nil {
		return Result{}, err
	}

	// Вызывающий уже получил отказ: состояние окон и алертов не трогаем
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("reading not processed: %w", err)
	}

	if err := p.aggregator.Ingest(r); err != nil {
		return Result{}, err
	}

	transitions, err := p.evaluator.Evaluate(r)
	if err != nil {
		return Result{}, err
	}
	if transitions == nil {
		transitions = []models.Transition{}
	}

	res := Result{Reading: r, Transitions: transitions}
	key := r.Key()
	if st, ok := p.aggregator.Aggregate(key); ok {
		res.Stats = &st
		metrics.RollingAverage.WithLabelValues(key.DeviceID, key.Metric).Set(st.Avg)
	}

	p.publish(ctx, key, res)
	return res, nil
}

func (p *Pipeline) checkDevice(ctx context.Context, deviceID string) error {
	if p.policy == PolicyOff {
		return nil
	}

	known, err := p.devices.LookupDevice(ctx, deviceID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("device lookup: %w", ctxErr)
		}
		// Реестр недоступен: показание не теряем
		clog := logger.WithComponent("pipeline")
		clog.Warn().
			Err(err).
			Str("device_id", deviceID).
			Msg("device lookup failed")
		return nil
	}
	if known {
		return nil
	}

	if p.policy == PolicyReject {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	clog := logger.WithComponent("pipeline")
	clog.Info().
		Str("device_id", deviceID).
		Msg("reading from unregistered device")
	return nil
}

func (p *Pipeline) publish(ctx context.Context, key models.WindowKey, res Result) {
	if p.sink == nil {
		return
	}
	log := logger.WithComponent("pipeline")

	if len(res.Transitions) > 0 {
		if err := p.sink.StoreTransitions(ctx, res.Transitions); err != nil {
			log.Error().Err(err).Str("key", key.String()).Msg("failed to store alert transitions")
		}
	}
	if res.Stats != nil {
		if err := p.sink.StoreAggregate(ctx, key, *res.Stats); err != nil {
			log.Error().Err(err).Str("key", key.String()).Msg("failed to store aggregate snapshot")
		}
	}
}

// Start запускает workers обработчиков. Показания одного ключа
// всегда попадают к одному обработчику, их порядок сохраняется.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	p.queues = make([]chan models.Reading, workers)
	for i := range p.queues {
		q := make(chan models.Reading, p.queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	p.running = true
}

// Submit ставит показание в очередь. При переполнении показание отбрасывается.
func (p *Pipeline) Submit(r models.Reading) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return false
	}

	q := p.queues[xxhash.Sum64String(r.Key().String())%uint64(len(p.queues))]
	select {
	case q <- r:
		metrics.QueueSize.Inc()
		return true
	default:
		metrics.QueueDropped.Inc()
		clog := logger.WithComponent("pipeline")
		clog.Warn().
			Str("device_id", r.DeviceID).
			Str("metric", r.Metric).
			Msg("processing queue full, reading dropped")
		return false
	}
}

// Stop закрывает очереди и ждет, пока обработчики разберут остаток
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int, q <-chan models.Reading) {
	defer p.wg.Done()
	log := logger.WithComponent("pipeline").With().Int("worker", id).Logger()

	for r := range q {
		metrics.QueueSize.Dec()
		// Принятые в очередь показания дорабатываются и после отмены ctx
		p.safeProcess(context.WithoutCancel(ctx), log, r)
	}
}

func (p *Pipeline) safeProcess(ctx context.Context, log zerolog.Logger, r models.Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()
			log.Error().Interface("panic", rec).Str("key", r.Key().String()).Msg("panic while processing reading")
		}
	}()

	if _, err := p.Process(ctx, r); err != nil {
		log.Warn().Err(err).Str("key", r.Key().String()).Msg("reading rejected")
	}
}
