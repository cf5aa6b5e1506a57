package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-telemetry/internal/models"
)

var (
	// ErrDeviceNotFound устройство отсутствует в реестре
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidDevice не заполнены обязательные поля
	ErrInvalidDevice = errors.New("invalid device")
)

const StatusActive = "active"

// Registry проверка существования устройства
type Registry interface {
	LookupDevice(ctx context.Context, id string) (bool, error)
}

// Filter фильтр списка устройств
type Filter struct {
	DeviceType string
	Status     string
}

func (f Filter) match(d models.Device) bool {
	return (f.DeviceType == "" || d.DeviceType == f.DeviceType) &&
		(f.Status == "" || d.Status == f.Status)
}

// Store реестр устройств с операциями изменения
type Store interface {
	Registry
	Register(ctx context.Context, d models.Device) (models.Device, error)
	Get(ctx context.Context, id string) (models.Device, error)
	List(ctx context.Context, f Filter) ([]models.Device, error)
	Delete(ctx context.Context, id string) error
}

// prepare проверяет устройство и заполняет id, статус и время регистрации
func prepare(d models.Device, now time.Time) (models.Device, error) {
	if d.Name == "" || d.DeviceType == "" {
		return d, fmt.Errorf("%w: name and device_type are required", ErrInvalidDevice)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()[:8]
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	d.RegisteredAt = now.UTC()
	return d, nil
}

// MemoryStore реестр в памяти процесса
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]models.Device
	now     func() time.Time
}

// NewMemoryStore создает пустой реестр
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]models.Device),
		now:     time.Now,
	}
}

func (s *MemoryStore) LookupDevice(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[id]
	return ok, nil
}

func (s *MemoryStore) Register(_ context.Context, d models.Device) (models.Device, error) {
	d, err := prepare(d, s.now())
	if err != nil {
		return d, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return d, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if f.match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(s.devices, id)
	return nil
}
