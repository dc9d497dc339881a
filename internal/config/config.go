package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Trigger    TriggerConfig
	Dispatch   DispatchConfig
	SendAPI    SendAPIConfig
	Activation ActivationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Store       string
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type TriggerConfig struct {
	Interval time.Duration
}

type DispatchConfig struct {
	BatchSize int
}

type SendAPIConfig struct {
	URL           string
	Token         string
	RatePerSecond int
	Timeout       time.Duration
}

type ActivationConfig struct {
	Workers   int
	AMQPURL   string
	AMQPQueue string
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadAll() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	required := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Store: strings.ToLower(getEnv("STORE", StorePostgres)),
		},
		Trigger: TriggerConfig{
			Interval: time.Duration(intVar("TRIGGER_INTERVAL_SECONDS", 10)) * time.Second,
		},
		Dispatch: DispatchConfig{
			BatchSize: intVar("DISPATCH_BATCH_SIZE", 200),
		},
		SendAPI: SendAPIConfig{
			URL:           getEnv("SEND_API_URL", "https://probe.fbrq.cloud"),
			Token:         required("SEND_API_TOKEN"),
			RatePerSecond: intVar("SEND_RATE_PER_SECOND", 10),
			Timeout:       time.Duration(intVar("SEND_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Activation: ActivationConfig{
			Workers:   intVar("ACTIVATION_WORKERS", 4),
			AMQPURL:   os.Getenv("AMQP_URL"),
			AMQPQueue: getEnv("AMQP_QUEUE", "mailing.activate"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	if cfg.Database.Store != StoreMemory {
		cfg.Database.PostgresURL = required("POSTGRES_URL")
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if cfg.Trigger.Interval <= 0 {
		errs = append(errs, errors.New("TRIGGER_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.SendAPI.RatePerSecond <= 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_SECOND must be > 0"))
	}
	if cfg.SendAPI.Timeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Activation.Workers <= 0 {
		errs = append(errs, errors.New("ACTIVATION_WORKERS must be > 0"))
	}
	if cfg.Database.Store != StorePostgres && cfg.Database.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Database.Store))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

// joinErrors drops nil entries and returns nil when nothing is left.
func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
