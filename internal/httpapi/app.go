package httpapi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/claims"
	"metered_gateway/internal/config"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/logging"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/notifications"
	"metered_gateway/internal/pricing"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/recharge"
	"metered_gateway/internal/storage"
)

// Services holds what the server starts and stops around the router
type Services struct {
	Deps *Dependencies

	db            *storage.DB
	redis         *storage.RedisClient
	billingWorker *billing.BillingQueueWorker
	usageWorker   *storage.UsageQueueWorker
}

// Build wires every component from cfg. Call Start before serving and
// Shutdown after the listener has stopped.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	s := &Services{}
	rec := metrics.NewRecorder()

	db, err := storage.NewDB(storage.DBConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	if err := db.Migrate(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if cfg.KV.Backend == "redis" || cfg.Billing.QueueBackend == "redis" {
		rc, err := storage.NewRedisClient(cfg.Redis)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		s.redis = rc
	}

	var store kvstore.Store
	if cfg.KV.Backend == "redis" {
		store = kvstore.NewRedisStore(s.redis.Client(), kvstore.WithKeyPrefix(cfg.KV.KeyPrefix))
	} else {
		logger.Warn("Using in-memory key store, account state is lost on restart")
		store = kvstore.NewMemoryStore()
	}

	calculator, err := newCalculator(cfg, db.NewModelRepository(), logger)
	if err != nil {
		s.close()
		return nil, err
	}

	billingQueue, billingDLQ, err := s.newQueue(cfg, "billing")
	if err != nil {
		s.close()
		return nil, err
	}
	usageQueue, usageDLQ, err := s.newQueue(cfg, "usage")
	if err != nil {
		s.close()
		return nil, err
	}

	usageRepo := db.NewUsageRepository()
	s.usageWorker = storage.NewUsageQueueWorker(usageQueue, usageDLQ, usageRepo, queueConfig(cfg, "usage"), logger)

	l := ledger.New(store, cfg.Admission.DefaultMax)
	billingService := billing.NewService(l, calculator, s.usageWorker, logger, rec)
	s.billingWorker = billing.NewBillingQueueWorker(billingQueue, billingDLQ, billingService, queueConfig(cfg, "billing"), logger)

	controller := admission.NewController(store, admission.Config{
		DefaultMax:     cfg.Admission.DefaultMax,
		StaleAfter:     cfg.Admission.StaleAfter,
		ReleaseTimeout: cfg.Admission.ReleaseTimeout,
	}, logger, rec)

	claimOpts := []claims.Option{claims.WithTTL(cfg.Claims.TTL), claims.WithLogger(logger)}
	if cfg.Security.EncryptionKey != "" {
		enc, err := storage.NewEncryptionFromBase64(cfg.Security.EncryptionKey)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		claimOpts = append(claimOpts, claims.WithEncryption(enc))
	}
	redeemer := claims.NewRedeemer(db.NewClaimRepository(), claimOpts...)

	keys := auth.NewIssuer(store)
	mailer := notifications.NewMailer(cfg.Email, logger)

	provider, err := providers.NewOpenAIProvider(cfg.Upstream)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to initialize upstream provider: %w", err)
	}

	var sink logging.Sink = logging.NewNoopSink()
	if cfg.LoggingSink.Enabled {
		writer, err := logging.NewS3Writer(ctx, cfg.LoggingSink, logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to initialize request log sink: %w", err)
		}
		sink = logging.NewBufferedSink(writer, logging.BufferedSinkConfigFrom(cfg.LoggingSink), logger)
	}

	health := map[string]HealthChecker{"database": db}
	stats := map[string]StatsFunc{
		"database": func(context.Context) (any, error) { return db.GetStats(), nil },
		"billing_queue": func(ctx context.Context) (any, error) {
			n, err := s.billingWorker.GetQueueLength(ctx)
			return map[string]int{"pending": n}, err
		},
		"usage_queue": func(ctx context.Context) (any, error) {
			n, err := s.usageWorker.GetQueueLength(ctx)
			return map[string]int{"pending": n}, err
		},
	}
	if s.redis != nil {
		health["redis"] = s.redis
		stats["redis"] = func(context.Context) (any, error) { return s.redis.GetStats(), nil }
	}

	s.Deps = &Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    rec,
		Auth:       auth.NewAuthenticator(store),
		Keys:       keys,
		Ledger:     l,
		Admission:  controller,
		Reconciler: admission.NewReconciler(controller, cfg.Admission.ReconcileInterval, logger),
		Billing:    billingService,
		Queue:      s.billingWorker,
		Pricing:    calculator,
		Claims:     redeemer,
		Recharge:   recharge.NewService(l, keys, redeemer, mailer, cfg.Claims.BaseURL, cfg.Claims.TTL, logger),
		Provider:   provider,
		Sink:       sink,
		Store:      store,
		Models:     db.NewModelRepository(),
		Usage:      usageRepo,
		Health:     health,
		Stats:      stats,
	}

	return s, nil
}

// Start launches the queue workers and the admission reconciler
func (s *Services) Start(ctx context.Context) {
	s.usageWorker.Start(ctx)
	s.billingWorker.Start(ctx)
	s.Deps.Reconciler.Start()
}

// Shutdown stops background work in dependency order: pending charges are
// flushed before the usage log they append to.
func (s *Services) Shutdown(ctx context.Context) error {
	var errs []error

	s.Deps.Reconciler.Stop()
	// slots must be released before the key store closes
	if err := s.Deps.Admission.WaitReleases(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admission releases: %w", err))
	}
	if err := s.billingWorker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("billing worker: %w", err))
	}
	if err := s.usageWorker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("usage worker: %w", err))
	}
	s.Deps.Recharge.Wait()
	if err := s.Deps.Sink.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("request log sink: %w", err))
	}
	if err := s.Deps.Provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("provider: %w", err))
	}
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Services) close() error {
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Services) newQueue(cfg *config.Config, name string) (queue.Queue, queue.DeadLetterQueue, error) {
	qcfg := queueConfig(cfg, name)
	if cfg.Billing.QueueBackend != "redis" {
		return queue.NewMemoryQueue(qcfg), queue.NewMemoryDeadLetterQueue(), nil
	}

	q, err := queue.NewRedisQueue(s.redis.Client(), qcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s queue: %w", name, err)
	}
	dlq, err := queue.NewRedisDeadLetterQueue(s.redis.Client(), qcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s DLQ: %w", name, err)
	}
	return q, dlq, nil
}

func queueConfig(cfg *config.Config, name string) *queue.Config {
	qcfg := queue.DefaultConfig(name)
	if cfg.Billing.BatchSize > 0 {
		qcfg.BatchSize = cfg.Billing.BatchSize
	}
	if cfg.Billing.PollInterval > 0 {
		qcfg.BatchTimeout = cfg.Billing.PollInterval
	}
	if cfg.Billing.MaxRetries >= 0 {
		qcfg.MaxRetries = cfg.Billing.MaxRetries
	}
	return qcfg
}

// newCalculator builds the cost calculator. A pricing file overrides the
// markup and fallback from the environment.
func newCalculator(cfg *config.Config, reference pricing.ReferenceSource, logger *zap.Logger) (*pricing.Calculator, error) {
	opts := []pricing.Option{
		pricing.WithReference(reference),
		pricing.WithMarkup(cfg.Pricing.Markup),
		pricing.WithFallbackModel(cfg.Pricing.FallbackModel),
		pricing.WithLogger(logger),
	}
	if cfg.Pricing.File != "" {
		file, err := pricing.LoadFile(cfg.Pricing.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing file: %w", err)
		}
		opts = append(opts, file.Options()...)
	}
	return pricing.NewCalculator(opts...), nil
}
