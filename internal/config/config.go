package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"metered_gateway/internal/pricing"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Redis       RedisConfig
	KV          KVConfig
	Upstream    UpstreamConfig
	Admission   AdmissionConfig
	Pricing     PricingConfig
	Claims      ClaimsConfig
	Billing     BillingConfig
	Security    SecurityConfig
	Email       EmailConfig
	Stripe      StripeConfig
	Logging     LoggingConfig
	LoggingSink LoggingSinkConfig
}

// HTTPConfig holds listener settings
type HTTPConfig struct {
	Port            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // "postgres" (lib/pq) or "pgx"
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CacheConfig holds cache settings for pricing reference data
type CacheConfig struct {
	ModelCacheSize int
	ModelCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KVConfig selects the key store holding account state and credentials
type KVConfig struct {
	Backend   string // "redis" or "memory"
	KeyPrefix string
}

// UpstreamConfig holds the completion API settings
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // time to first response header
}

// AdmissionConfig holds concurrency-slot settings
type AdmissionConfig struct {
	DefaultMax        int
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
	ReleaseTimeout    time.Duration
}

// PricingConfig holds cost calculation settings
type PricingConfig struct {
	Markup        float64
	FallbackModel string
	File          string // optional YAML price table
}

// ClaimsConfig holds claim ticket settings
type ClaimsConfig struct {
	TTL     time.Duration
	BaseURL string
}

// BillingConfig holds deferred billing queue settings
type BillingConfig struct {
	QueueBackend string // "redis" or "memory"
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
}

// SecurityConfig holds secrets for admin access and data at rest
type SecurityConfig struct {
	JWTSecret       []byte
	AdminTokenTTL   time.Duration
	AdminSecret     string
	AdminSecretHash string // argon2id encoded, preferred over AdminSecret
	EncryptionKey   string // base64 AES key for claim secrets
}

// EmailConfig holds outbound email settings
type EmailConfig struct {
	ResendAPIKey string
	From         string
}

// StripeConfig holds payment webhook settings
type StripeConfig struct {
	WebhookSecret string
}

// LoggingConfig holds zap logger settings
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// LoggingSinkConfig holds configuration for the S3-based request audit sink
type LoggingSinkConfig struct {
	Enabled       bool          // Whether to enable S3 logging
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "logs/")
	S3Endpoint    string        // Optional S3-compatible endpoint (MinIO)
	PodName       string        // Pod identifier for multi-pod deployments
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("db.conn_max_idle_time", 1*time.Minute)

	v.SetDefault("cache.model_size", 500)
	v.SetDefault("cache.model_ttl", 15*time.Minute)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kv.backend", "redis")
	v.SetDefault("kv.key_prefix", "kv:")

	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", 60*time.Second)

	v.SetDefault("admission.default_max", 3)
	v.SetDefault("admission.stale_after", 5*time.Minute)
	v.SetDefault("admission.reconcile_interval", 1*time.Minute)
	v.SetDefault("admission.release_timeout", 5*time.Second)

	v.SetDefault("pricing.markup", 1.2)
	v.SetDefault("pricing.fallback_model", "gpt-4o-mini")
	v.SetDefault("pricing.file", "")

	v.SetDefault("claim.ttl", 15*time.Minute)
	v.SetDefault("claim.base_url", "http://localhost:8080/claim")

	v.SetDefault("billing.queue_backend", "redis")
	v.SetDefault("billing.batch_size", 100)
	v.SetDefault("billing.poll_interval", 1*time.Second)
	v.SetDefault("billing.max_retries", 5)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("admin.token_ttl", 1*time.Hour)
	v.SetDefault("admin.secret", "")
	v.SetDefault("admin.secret_hash", "")
	v.SetDefault("encryption.key", "")

	v.SetDefault("resend.api_key", "")
	v.SetDefault("email.from", "Gateway <noreply@example.com>")

	v.SetDefault("stripe.webhook_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("logging_sink.enabled", false)
	v.SetDefault("logging_sink.buffer_size", 10000)
	v.SetDefault("logging_sink.flush_size", 1000)
	v.SetDefault("logging_sink.flush_interval", 5*time.Minute)
	v.SetDefault("logging_sink.s3_bucket", "")
	v.SetDefault("logging_sink.s3_region", "us-east-1")
	v.SetDefault("logging_sink.s3_prefix", "logs/")
	v.SetDefault("logging_sink.s3_endpoint", "")
	v.SetDefault("pod.name", "gateway-0")
}

// newViper builds a viper instance where every key can be overridden from
// the environment: "redis.address" reads REDIS_ADDRESS.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, err
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	return v, nil
}

// Load reads configuration from the environment and an optional CONFIG_FILE.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:            v.GetString("http.port"),
			CORSOrigins:     splitList(v.GetStringSlice("http.cors_origins")),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("db.max_open_conns"),
			MaxIdleConns:    v.GetInt("db.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("db.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("db.conn_max_idle_time"),
		},
		Cache: CacheConfig{
			ModelCacheSize: v.GetInt("cache.model_size"),
			ModelCacheTTL:  v.GetDuration("cache.model_ttl"),
		},
		Redis: RedisConfig{
			Address:      v.GetString("redis.address"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
		},
		KV: KVConfig{
			Backend:   v.GetString("kv.backend"),
			KeyPrefix: v.GetString("kv.key_prefix"),
		},
		Upstream: UpstreamConfig{
			BaseURL: strings.TrimRight(v.GetString("upstream.base_url"), "/"),
			APIKey:  v.GetString("upstream.api_key"),
			Timeout: v.GetDuration("upstream.timeout"),
		},
		Admission: AdmissionConfig{
			DefaultMax:        v.GetInt("admission.default_max"),
			StaleAfter:        v.GetDuration("admission.stale_after"),
			ReconcileInterval: v.GetDuration("admission.reconcile_interval"),
			ReleaseTimeout:    v.GetDuration("admission.release_timeout"),
		},
		Pricing: PricingConfig{
			Markup:        v.GetFloat64("pricing.markup"),
			FallbackModel: v.GetString("pricing.fallback_model"),
			File:          v.GetString("pricing.file"),
		},
		Claims: ClaimsConfig{
			TTL:     v.GetDuration("claim.ttl"),
			BaseURL: v.GetString("claim.base_url"),
		},
		Billing: BillingConfig{
			QueueBackend: v.GetString("billing.queue_backend"),
			BatchSize:    v.GetInt("billing.batch_size"),
			PollInterval: v.GetDuration("billing.poll_interval"),
			MaxRetries:   v.GetInt("billing.max_retries"),
		},
		Security: SecurityConfig{
			JWTSecret:       []byte(v.GetString("jwt.secret")),
			AdminTokenTTL:   v.GetDuration("admin.token_ttl"),
			AdminSecret:     v.GetString("admin.secret"),
			AdminSecretHash: v.GetString("admin.secret_hash"),
			EncryptionKey:   v.GetString("encryption.key"),
		},
		Email: EmailConfig{
			ResendAPIKey: v.GetString("resend.api_key"),
			From:         v.GetString("email.from"),
		},
		Stripe: StripeConfig{
			WebhookSecret: v.GetString("stripe.webhook_secret"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		LoggingSink: LoggingSinkConfig{
			Enabled:       v.GetBool("logging_sink.enabled"),
			BufferSize:    v.GetInt("logging_sink.buffer_size"),
			FlushSize:     v.GetInt("logging_sink.flush_size"),
			FlushInterval: v.GetDuration("logging_sink.flush_interval"),
			S3Bucket:      v.GetString("logging_sink.s3_bucket"),
			S3Region:      v.GetString("logging_sink.s3_region"),
			S3Prefix:      v.GetString("logging_sink.s3_prefix"),
			S3Endpoint:    v.GetString("logging_sink.s3_endpoint"),
			PodName:       v.GetString("pod.name"),
		},
	}

	return cfg, nil
}

// Validate reports settings the gateway server cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or pgx, got %q", c.Database.Driver))
	}
	switch c.KV.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("KV_BACKEND must be redis or memory, got %q", c.KV.Backend))
	}
	switch c.Billing.QueueBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("BILLING_QUEUE_BACKEND must be redis or memory, got %q", c.Billing.QueueBackend))
	}
	if c.Upstream.APIKey == "" {
		errs = append(errs, errors.New("UPSTREAM_API_KEY is required"))
	}
	if c.Admission.DefaultMax < 1 {
		errs = append(errs, errors.New("ADMISSION_DEFAULT_MAX must be positive"))
	}
	if c.Pricing.Markup <= 0 {
		errs = append(errs, errors.New("PRICING_MARKUP must be positive"))
	}
	// a pricing file validates its own fallback
	if c.Pricing.File == "" {
		if _, ok := pricing.DefaultTable()[c.Pricing.FallbackModel]; !ok {
			errs = append(errs, fmt.Errorf("PRICING_FALLBACK_MODEL %q has no built-in price", c.Pricing.FallbackModel))
		}
	}
	if (c.Security.AdminSecret != "" || c.Security.AdminSecretHash != "") && len(c.Security.JWTSecret) == 0 {
		errs = append(errs, errors.New("JWT_SECRET is required when admin access is enabled"))
	}
	if c.LoggingSink.Enabled && c.LoggingSink.S3Bucket == "" {
		errs = append(errs, errors.New("LOGGING_SINK_S3_BUCKET is required when the logging sink is enabled"))
	}

	return errors.Join(errs...)
}

// AdminEnabled reports whether admin endpoints can authenticate anyone
func (c *Config) AdminEnabled() bool {
	return c.Security.AdminSecret != "" || c.Security.AdminSecretHash != ""
}

// splitList accepts both "a b" and "a,b" forms from the environment
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
