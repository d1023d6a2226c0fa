package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/delivery/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Components that can be enabled in service.components.
const (
	ComponentHTTP        = "http"
	ComponentRelay       = "relay"
	ComponentConsumer    = "consumer"
	ComponentInboxWorker = "inbox_worker"
	ComponentReconciler  = "reconciler"
)

// Config is the full service configuration.
type Config struct {
	Service   Service            `mapstructure:"service"`
	HTTP      HTTP               `mapstructure:"http"`
	Postgres  Postgres           `mapstructure:"postgres"`
	Bus       Bus                `mapstructure:"bus"`
	RabbitMQ  RabbitMQ           `mapstructure:"rabbitmq"`
	Redis     Redis              `mapstructure:"redis"`
	Outbox    Outbox             `mapstructure:"outbox"`
	Inbox     Inbox              `mapstructure:"inbox"`
	Reconcile Reconcile          `mapstructure:"reconcile"`
	Gateways  map[string]Gateway `mapstructure:"gateways" validate:"dive"`
	Tracing   Tracing            `mapstructure:"tracing"`
	Log       Log                `mapstructure:"log"`
}

type Service struct {
	Name       string   `mapstructure:"name" validate:"required"`
	Components []string `mapstructure:"components" validate:"min=1,dive,oneof=http relay consumer inbox_worker reconciler"`
}

// Enabled reports whether component is listed in service.components.
func (s Service) Enabled(component string) bool {
	for _, c := range s.Components {
		if c == component {
			return true
		}
	}

	return false
}

type HTTP struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type Postgres struct {
	Host          string `mapstructure:"host" validate:"required"`
	Port          int    `mapstructure:"port" validate:"gt=0"`
	User          string `mapstructure:"user" validate:"required"`
	Password      string `mapstructure:"password"`
	DB            string `mapstructure:"db" validate:"required"`
	SSLMode       string `mapstructure:"sslmode" validate:"oneof=disable require verify-ca verify-full prefer allow"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gte=0"`
	RunMigrations bool   `mapstructure:"run_migrations"`
}

// DSN returns the libpq connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DB, p.SSLMode,
	)
}

type Bus struct {
	Driver string `mapstructure:"driver" validate:"oneof=rabbitmq redis"`
}

type RabbitMQ struct {
	Host        string   `mapstructure:"host" validate:"required"`
	Port        int      `mapstructure:"port" validate:"gt=0"`
	User        string   `mapstructure:"user"`
	Password    string   `mapstructure:"password"`
	Exchange    string   `mapstructure:"exchange" validate:"required"`
	Queue       string   `mapstructure:"queue"`
	ConsumerTag string   `mapstructure:"consumer_tag"`
	Prefetch    int      `mapstructure:"prefetch" validate:"gte=0"`
	Concurrency int      `mapstructure:"concurrency" validate:"gt=0"`
	EventTypes  []string `mapstructure:"event_types"`
}

// URL returns the AMQP connection url.
func (r RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Password, r.Host, r.Port)
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len" validate:"gte=0"`
}

type Outbox struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap" validate:"gt=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
}

type Inbox struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=inline deferred"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap" validate:"gt=0"`
}

type Reconcile struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout" validate:"gt=0"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap" validate:"gt=0"`
}

// Gateway configures one payment gateway, keyed by payment method.
type Gateway struct {
	BaseURL          string        `mapstructure:"base_url" validate:"required,url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gt=0"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

type Tracing struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" validate:"required_if=Enabled true"`
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// SlogLevel maps the configured level name.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "delivery-svc")
	v.SetDefault("service.components", []string{ComponentHTTP, ComponentRelay})

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "postgres")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("postgres.run_migrations", true)

	v.SetDefault("bus.driver", "rabbitmq")

	v.SetDefault("rabbitmq.host", "rabbitmq")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.exchange", "shop.events")
	v.SetDefault("rabbitmq.queue", "")
	v.SetDefault("rabbitmq.consumer_tag", "")
	v.SetDefault("rabbitmq.prefetch", 20)
	v.SetDefault("rabbitmq.concurrency", 10)
	v.SetDefault("rabbitmq.event_types", []string{})

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "shop.events")
	v.SetDefault("redis.max_len", 100000)

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_attempts", 3)
	v.SetDefault("outbox.backoff_cap", 5*time.Minute)
	v.SetDefault("outbox.publish_timeout", 5*time.Second)

	v.SetDefault("inbox.mode", "inline")
	v.SetDefault("inbox.poll_interval", time.Second)
	v.SetDefault("inbox.batch_size", 20)
	v.SetDefault("inbox.max_attempts", 3)
	v.SetDefault("inbox.backoff_cap", 5*time.Minute)

	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.stuck_timeout", 15*time.Minute)
	v.SetDefault("reconcile.call_timeout", 10*time.Second)
	v.SetDefault("reconcile.backoff_cap", 30*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://jaeger:14268/api/traces")

	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment overrides
// (POSTGRES_PASSWORD overrides postgres.password).
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for method, gw := range cfg.Gateways {
		if gw.Timeout == 0 {
			gw.Timeout = 10 * time.Second
		}
		if gw.FailureThreshold == 0 {
			gw.FailureThreshold = 5
		}
		if gw.OpenTimeout == 0 {
			gw.OpenTimeout = 30 * time.Second
		}
		cfg.Gateways[method] = gw
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustInit loads .env and config.yaml, installs the default logger and
// returns the validated configuration.
func MustInit() *Config {
	if err := godotenv.Load("./.env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("error while loading .env file: " + err.Error())
	}

	v := New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/delivery-svc")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("error while reading config file: " + err.Error())
		}
	}

	cfg, err := Load(v)
	if err != nil {
		panic(err.Error())
	}

	SetupLogger(cfg.Log.SlogLevel())

	return cfg
}

// SetupLogger installs the JSON logger as slog default.
func SetupLogger(level slog.Level) {
	handler := logger.NewHandler(&slog.HandlerOptions{Level: level})
	log := slog.New(handler)
	slog.SetDefault(log)
}
