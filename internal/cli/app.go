package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/claims"
	"metered_gateway/internal/config"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/logging"
	"metered_gateway/internal/notifications"
	"metered_gateway/internal/recharge"
	"metered_gateway/internal/storage"
)

var errMemoryStore = errors.New("KV_BACKEND is memory: account state lives inside the gateway process and cannot be administered from here")

// app opens backing stores on first use so commands like hash-secret run
// without any infrastructure.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store  kvstore.Store
	claims claims.Store
	mailer notifications.Mailer

	db    *storage.DB
	redis *storage.RedisClient
}

func wireApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) keyStore() (kvstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if a.cfg.KV.Backend != "redis" {
		return nil, errMemoryStore
	}

	rc, err := storage.NewRedisClient(a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = rc
	a.store = kvstore.NewRedisStore(rc.Client(), kvstore.WithKeyPrefix(a.cfg.KV.KeyPrefix))
	return a.store, nil
}

func (a *app) database(ctx context.Context) (*storage.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := storage.NewDB(storage.DBConfigFrom(a.cfg))
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) claimStore(ctx context.Context) (claims.Store, error) {
	if a.claims != nil {
		return a.claims, nil
	}
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	a.claims = db.NewClaimRepository()
	return a.claims, nil
}

func (a *app) ledger() (*ledger.Ledger, error) {
	store, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return ledger.New(store, a.cfg.Admission.DefaultMax), nil
}

func (a *app) issuer() (*auth.Issuer, error) {
	store, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return auth.NewIssuer(store), nil
}

func (a *app) controller() (*admission.Controller, error) {
	store, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return admission.NewController(store, admission.Config{
		DefaultMax:     a.cfg.Admission.DefaultMax,
		StaleAfter:     a.cfg.Admission.StaleAfter,
		ReleaseTimeout: a.cfg.Admission.ReleaseTimeout,
	}, a.logger, nil), nil
}

func (a *app) rechargeService(ctx context.Context) (*recharge.Service, error) {
	l, err := a.ledger()
	if err != nil {
		return nil, err
	}
	keys, err := a.issuer()
	if err != nil {
		return nil, err
	}
	store, err := a.claimStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []claims.Option{claims.WithTTL(a.cfg.Claims.TTL), claims.WithLogger(a.logger)}
	if a.cfg.Security.EncryptionKey != "" {
		enc, err := storage.NewEncryptionFromBase64(a.cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		opts = append(opts, claims.WithEncryption(enc))
	}

	mailer := a.mailer
	if mailer == nil {
		mailer = notifications.NewMailer(a.cfg.Email, a.logger)
	}

	return recharge.NewService(l, keys, claims.NewRedeemer(store, opts...), mailer, a.cfg.Claims.BaseURL, a.cfg.Claims.TTL, a.logger), nil
}

func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
