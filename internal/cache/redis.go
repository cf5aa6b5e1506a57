package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
)

// RedisCache зеркало алертов и снимков агрегатов в Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache создает новый Redis кэш
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewFromClient(client, ttl), nil
}

// NewFromClient оборачивает готовый клиент
func NewFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func alertKey(id string) string { return "alert:" + id }

func alertListKey(deviceID string) string { return "alert_list:" + deviceID }

func aggregateKey(key models.WindowKey) string {
	return fmt.Sprintf("aggregate:%s:%s", key.DeviceID, key.Metric)
}

func observe(operation string, err error) error {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RedisOperations.WithLabelValues(operation, status).Inc()
	return err
}

// StoreTransitions сохраняет текущее состояние алертов.
// Новые алерты добавляются в sorted set устройства.
func (r *RedisCache) StoreTransitions(ctx context.Context, transitions []models.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	// Алерты хранятся дольше снимков
	alertTTL := r.ttl * 24

	pipe := r.client.Pipeline()
	for _, t := range transitions {
		data, err := json.Marshal(t.Alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}

		pipe.Set(ctx, alertKey(t.Alert.ID), data, alertTTL)
		if t.Kind == models.TransitionRaised {
			listKey := alertListKey(t.Alert.DeviceID)
			pipe.ZAdd(ctx, listKey, redis.Z{
				Score:  float64(t.Alert.CreatedAt.UnixMilli()),
				Member: t.Alert.ID,
			})
			pipe.Expire(ctx, listKey, alertTTL)
		}
	}

	_, err := pipe.Exec(ctx)
	return observe("store_alerts", err)
}

// StoreAggregate сохраняет снимок агрегатов окна
func (r *RedisCache) StoreAggregate(ctx context.Context, key models.WindowKey, stats models.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate: %w", err)
	}
	return observe("store_aggregate", r.client.Set(ctx, aggregateKey(key), data, r.ttl).Err())
}

// GetAggregate читает снимок агрегатов, false если снимка нет
func (r *RedisCache) GetAggregate(ctx context.Context, key models.WindowKey) (models.Stats, bool, error) {
	data, err := r.client.Get(ctx, aggregateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Stats{}, false, nil
	}
	if err != nil {
		return models.Stats{}, false, observe("get_aggregate", err)
	}

	var snapshot struct {
		models.Stats
		WindowSeconds float64 `json:"window_seconds"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return models.Stats{}, false, fmt.Errorf("failed to unmarshal aggregate: %w", err)
	}
	st := snapshot.Stats
	st.Window = time.Duration(snapshot.WindowSeconds * float64(time.Second))
	return st, true, observe("get_aggregate", nil)
}

// GetRecentAlerts возвращает последние алерты устройства, новые первыми
func (r *RedisCache) GetRecentAlerts(ctx context.Context, deviceID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 10
	}

	ids, err := r.client.ZRevRange(ctx, alertListKey(deviceID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, observe("get_alerts", fmt.Errorf("failed to get alerts: %w", err))
	}
	if len(ids) == 0 {
		return []models.Alert{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, observe("get_alerts", fmt.Errorf("failed to get alerts: %w", err))
	}

	alerts := make([]models.Alert, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Запись истекла раньше списка
			continue
		}
		var a models.Alert
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, observe("get_alerts", nil)
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats возвращает статистику пула соединений
func (r *RedisCache) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
