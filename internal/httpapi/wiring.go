package httpapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/config"
	"stage_gateway/internal/logging"
	"stage_gateway/internal/metrics"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/queue"
	"stage_gateway/internal/ratelimit"
	"stage_gateway/internal/stages"
	"stage_gateway/internal/storage"
)

// NewDependencies connects to Postgres and Redis, builds every pipeline component from
// cfg and starts the audit worker. Call Close on shutdown to drain and disconnect.
func NewDependencies(ctx context.Context, cfg *config.Config, rec *metrics.Prometheus, logger *zap.Logger) (_ *Dependencies, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var recorder metrics.Recorder = metrics.Noop{}
	if rec != nil {
		recorder = rec
	}

	deps := &Dependencies{
		DailyLimit:  cfg.Quota.DailyLimit,
		Metrics:     recorder,
		AdminSecret: cfg.Admin.JWTSecret,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Logger:      logger,
	}
	if rec != nil {
		deps.MetricsHandler = rec.Handler()
	}
	defer func() {
		if err != nil {
			_ = deps.Close(context.Background())
		}
	}()

	// Stage table is an immutable snapshot taken once
	resolver, usedDefaults, err := stages.Load(cfg.Stages.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	if usedDefaults {
		logger.Info("stages file not found, using built-in stages", zap.String("path", cfg.Stages.Path))
	}
	deps.Stages = resolver

	// Initialize database
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.onClose(func(context.Context) error { return db.Close() })
	deps.Checks = append(deps.Checks, HealthCheck{Name: "postgres", Check: db.Health})

	// Redis is optional unless the quota backend or an audit store needs it
	var redisClient *storage.RedisClient
	if cfg.Redis.Address != "" {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.onClose(func(context.Context) error { return redisClient.Close() })
		deps.Checks = append(deps.Checks, HealthCheck{Name: "redis", Check: redisClient.Health})
	}

	// Authentication
	hasher, err := auth.NewKeyHasher(cfg.Security.HashSalt, cfg.Security.KeyHashPepper)
	if err != nil {
		return nil, err
	}
	deps.Auth = auth.NewAuthenticator(hasher, storage.NewCredentialRepository(db), auth.AuthenticatorConfig{
		RevokedCacheSize: cfg.Cache.RevokedKeyCacheSize,
		RevokedCacheTTL:  cfg.Cache.RevokedKeyCacheTTL,
	}, logger)

	// Quota ledger
	var ledger ratelimit.Ledger
	switch cfg.Quota.Backend {
	case "redis":
		ledger = ratelimit.NewRedisLedger(redisClient.Client())
	default:
		ledger = ratelimit.NewPostgresLedger(storage.NewUsageCounterRepository(db))
	}
	if cfg.Quota.FailOpen {
		ledger = ratelimit.NewFailOpenLedger(ledger, logger)
	}
	deps.Quota = ledger

	// Per-user overrides from the users table
	deps.Limits = ratelimit.NewLimitResolver(storage.NewUserLimitsRepository(db), ratelimit.LimitResolverConfig{
		Defaults: ratelimit.Limits{
			DailyLimit: cfg.Quota.DailyLimit,
			StreamCap:  cfg.Concurrency.StreamCap,
		},
		CacheSize: cfg.Cache.UserLimitsCacheSize,
		CacheTTL:  cfg.Cache.UserLimitsCacheTTL,
	}, logger)

	// Streaming concurrency gate
	gateLogger := logger.Named("concurrency")
	deps.Gate = concurrency.NewGate(concurrency.Config{
		Cap:     cfg.Concurrency.StreamCap,
		MaxHold: cfg.Concurrency.MaxHold,
		OnForcedRelease: func(userID string) {
			gateLogger.Warn("streaming slot force-released", zap.String("user_id", userID))
		},
	})

	// Upstream relay with per-target breakers
	breakerLogger := logger.Named("breaker")
	breakerCfg := providers.BreakerConfig{
		Threshold: cfg.Upstream.BreakerThreshold,
		Window:    cfg.Upstream.BreakerWindow,
		Cooldown:  cfg.Upstream.BreakerCooldown,
		OnStateChange: func(target string, from, to providers.State) {
			recorder.SetBreakerState(target, to)
			breakerLogger.Warn("circuit breaker state change",
				zap.String("target", target),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	}
	deps.Breakers = providers.NewBreakerSet(breakerCfg)
	deps.Relay = providers.NewRelay(providers.RelayConfig{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		ReadTimeout:  cfg.Upstream.ReadTimeout,
		RetryBackoff: cfg.Upstream.RetryBackoff,
	}, providers.NewHTTPClient(providers.ClientConfig{
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
	}), deps.Breakers, recorder, logger)

	// Audit: bounded in-memory queue in front of the configured stores
	stores, err := auditStores(ctx, cfg, db, redisClient, logger)
	if err != nil {
		return nil, err
	}
	qcfg := queue.DefaultConfig("audit")
	qcfg.Capacity = cfg.Audit.QueueSize
	auditQueue := queue.NewMemoryQueue(qcfg)

	worker := logging.NewWorker(auditQueue, stores, logging.WorkerConfig{
		BatchSize:    cfg.Audit.BatchSize,
		BatchTimeout: cfg.Audit.BatchTimeout,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, recorder, logger)
	worker.Start(context.Background())
	deps.onClose(worker.Stop)
	deps.Audit = logging.NewSink(auditQueue, recorder, logger)

	return deps, nil
}

func auditStores(ctx context.Context, cfg *config.Config, db *storage.DB, redisClient *storage.RedisClient, logger *zap.Logger) ([]logging.Store, error) {
	stores := make([]logging.Store, 0, len(cfg.Audit.Stores))
	for _, name := range cfg.Audit.Stores {
		switch name {
		case "postgres":
			stores = append(stores, storage.NewRequestLogRepository(db))
		case "s3":
			w, err := logging.NewS3Writer(ctx, cfg.Audit.S3Bucket, cfg.Audit.S3Region, cfg.Audit.S3Prefix, cfg.Audit.PodName, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize S3 audit store: %w", err)
			}
			stores = append(stores, w)
		case "redis":
			if redisClient == nil {
				return nil, fmt.Errorf("audit store redis requires REDIS_ADDRESS")
			}
			q, err := queue.NewRedisQueue(redisClient.Client(), &queue.Config{
				QueueName: cfg.Audit.RedisQueue,
				MaxLen:    cfg.Audit.RedisMaxLen,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to initialize Redis audit store: %w", err)
			}
			stores = append(stores, logging.NewRedisStore(q))
		default:
			return nil, fmt.Errorf("unknown audit store %q", name)
		}
	}
	return stores, nil
}
