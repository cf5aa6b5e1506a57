package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"iot-telemetry/internal/alerting"
	"iot-telemetry/internal/analytics"
	"iot-telemetry/internal/cache"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/gateway"
	"iot-telemetry/internal/handlers"
	"iot-telemetry/internal/intake"
	"iot-telemetry/internal/logger"
	"iot-telemetry/internal/pipeline"
	"iot-telemetry/internal/ratelimit"
	"iot-telemetry/internal/registry"
	"iot-telemetry/internal/server"
)

func main() {
	if err := run(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")
	log.Info().Msg("Starting IoT telemetry gateway...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ядро: окна агрегатов и правила алертов
	aggregator := analytics.NewAggregator(analytics.Config{
		Window:     cfg.WindowDuration,
		MaxEntries: cfg.WindowMaxEntries,
		IdleTTL:    cfg.WindowIdleTTL,
	})
	evaluator := alerting.NewEvaluator(alerting.Config{})
	if cfg.DefaultRules {
		if err := evaluator.LoadRules(alerting.DefaultRules()); err != nil {
			return fmt.Errorf("load default rules: %w", err)
		}
	}
	if err := evaluator.LoadRules(cfg.Rules); err != nil {
		return fmt.Errorf("load configured rules: %w", err)
	}
	log.Info().
		Dur("window", cfg.WindowDuration).
		Int("max_entries", cfg.WindowMaxEntries).
		Int("rules", len(evaluator.Rules())).
		Msg("aggregator and evaluator ready")

	// Redis зеркало алертов необязательно: без него сервис работает
	var redisCache *cache.RedisCache
	if cfg.RedisAddr != "" {
		redisCache, err = cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, alert mirror disabled")
			redisCache = nil
		} else {
			defer redisCache.Close()
			log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		}
	}

	devices, deviceBackend, closeStore, err := setupRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := pipeline.ParsePolicy(cfg.DevicePolicy)
	if err != nil {
		return err
	}
	opts := pipeline.Options{Devices: devices, Policy: policy}
	if redisCache != nil {
		opts.Sink = redisCache
	}
	proc := pipeline.New(aggregator, evaluator, opts)

	limiter := ratelimit.New(ratelimit.Config{Rate: cfg.RateLimitRate, Burst: cfg.RateLimitBurst})
	gw := gateway.New(limiter, gateway.Config{Timeout: cfg.UpstreamTimeout})

	backends := handlers.NewBackends(proc, aggregator, evaluator, cfg.SensorTypes)
	gw.Register("data-processor", backends.DataProcessor())
	gw.Register("alert-manager", backends.AlertManager())
	gw.Register("sensor-ingestion", backends.SensorIngestion())
	gw.Register("device-registry", deviceBackend)

	handler := handlers.NewHandler(gw, aggregator, evaluator, redisCache)
	srv := server.New(cfg.ServerPort, server.NewRouter(handler))

	g, gctx := errgroup.WithContext(ctx)

	// Асинхронные источники показаний
	proc.Start(gctx, cfg.Workers)
	defer proc.Stop()

	if cfg.MQTTBroker != "" {
		sub := intake.NewMQTTSubscriber(cfg.MQTTBroker, "iot-telemetry-"+cfg.ServerPort, cfg.MQTTTopic, proc)
		if err := sub.Start(); err != nil {
			log.Error().Err(err).Msg("mqtt intake disabled")
		} else {
			defer sub.Stop()
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		consumer := intake.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, proc)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		aggregator.RunJanitor(gctx, cfg.WindowDuration)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped gracefully")
	return nil
}

// setupRegistry выбирает реестр устройств: внешний сервис, PostgreSQL или память
func setupRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, gateway.Backend, func(), error) {
	log := logger.WithComponent("main")

	if cfg.DeviceRegistryURL != "" {
		log.Info().Str("url", cfg.DeviceRegistryURL).Msg("using remote device registry")
		client := registry.NewClient(cfg.DeviceRegistryURL, cfg.UpstreamTimeout)
		return client, gateway.NewHTTPBackend(cfg.DeviceRegistryURL, nil), func() {}, nil
	}

	if cfg.DatabaseDSN != "" {
		db, err := registry.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store, err := registry.NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		log.Info().Msg("using postgres device registry")
		return store, handlers.DeviceRegistry(store), func() { _ = db.Close() }, nil
	}

	store := registry.NewMemoryStore()
	return store, handlers.DeviceRegistry(store), func() {}, nil
}
