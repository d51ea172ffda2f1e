package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "UPTIMEGUARD"

type Config struct {
	Log struct {
		Level  slog.Level `yaml:"level" envconfig:"LEVEL" default:"info"`
		Format string     `yaml:"format" envconfig:"FORMAT" default:"text"`
	} `yaml:"log"`
	Server struct {
		Host            string        `yaml:"host" envconfig:"HOST"`
		Port            int           `yaml:"port" envconfig:"PORT" default:"8600"`
		AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	} `yaml:"server"`
	Database struct {
		// Driver is one of duckdb, sqlite or postgres.
		Driver string `yaml:"driver" envconfig:"DRIVER" default:"duckdb"`
		DSN    string `yaml:"dsn" envconfig:"DSN" default:"uptimeguard.db"`
	} `yaml:"database"`
	Queue struct {
		// Driver is memory or redis. The memory queue only works when scheduler and
		// workers share one process.
		Driver      string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
		Name        string `yaml:"name" envconfig:"NAME" default:"health-check"`
		MaxFailures int    `yaml:"max_failures" envconfig:"MAX_FAILURES" default:"1000"`
	} `yaml:"queue"`
	Redis struct {
		Address  string `yaml:"address" envconfig:"ADDRESS"`
		Username string `yaml:"username" envconfig:"USERNAME"`
		Password string `yaml:"password" envconfig:"PASSWORD"`
		DB       int    `yaml:"db" envconfig:"DB"`
	} `yaml:"redis"`
	Worker struct {
		Concurrency      int           `yaml:"concurrency" envconfig:"CONCURRENCY" default:"50"`
		RateLimit        int           `yaml:"rate_limit" envconfig:"RATE_LIMIT" default:"1000"`
		RateLimitWindow  time.Duration `yaml:"rate_limit_window" envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
		PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" default:"500ms"`
		StallTimeout     time.Duration `yaml:"stall_timeout" envconfig:"STALL_TIMEOUT" default:"5m"`
		OperationTimeout time.Duration `yaml:"operation_timeout" envconfig:"OPERATION_TIMEOUT" default:"10s"`
		DefaultTimeout   time.Duration `yaml:"default_timeout" envconfig:"DEFAULT_TIMEOUT" default:"10s"`
		UserAgent        string        `yaml:"user_agent" envconfig:"USER_AGENT" default:"uptimeguard-checker/1.0"`
	} `yaml:"worker"`
	Scheduler struct {
		Tick time.Duration `yaml:"tick" envconfig:"TICK" default:"60s"`
	} `yaml:"scheduler"`
	Broadcast struct {
		// TopicURL and SubscriptionURL are gocloud pubsub URLs (mem://, kafka://, nats://, rabbit://).
		TopicURL        string        `yaml:"topic_url" envconfig:"TOPIC_URL" default:"mem://realtime"`
		SubscriptionURL string        `yaml:"subscription_url" envconfig:"SUBSCRIPTION_URL" default:"mem://realtime"`
		Buffer          int           `yaml:"buffer" envconfig:"BUFFER" default:"1024"`
		Senders         int           `yaml:"senders" envconfig:"SENDERS" default:"4"`
		SendTimeout     time.Duration `yaml:"send_timeout" envconfig:"SEND_TIMEOUT" default:"5s"`
	} `yaml:"broadcast"`
	Alerting struct {
		SendTimeout time.Duration `yaml:"send_timeout" envconfig:"SEND_TIMEOUT" default:"15s"`
		Email       struct {
			Host     string `yaml:"host" envconfig:"HOST"`
			Port     int    `yaml:"port" envconfig:"PORT" default:"587"`
			Username string `yaml:"username" envconfig:"USERNAME"`
			Password string `yaml:"password" envconfig:"PASSWORD"`
			From     string `yaml:"from" envconfig:"FROM"`
		} `yaml:"email"`
		Telegram struct {
			Token       string `yaml:"token" envconfig:"TOKEN"`
			APIEndpoint string `yaml:"api_endpoint" envconfig:"API_ENDPOINT"`
		} `yaml:"telegram"`
		Webhook struct {
			HmacSecret string            `yaml:"hmac_secret" envconfig:"HMAC_SECRET"`
			Headers    map[string]string `yaml:"headers" envconfig:"HEADERS"`
		} `yaml:"webhook"`
	} `yaml:"alerting"`
	Sentry struct {
		Dsn              string  `yaml:"dsn" envconfig:"DSN"`
		ErrorSampleRate  float64 `yaml:"error_sample_rate" envconfig:"ERROR_SAMPLE_RATE" default:"1.0"`
		TracesSampleRate float64 `yaml:"traces_sample_rate" envconfig:"TRACES_SAMPLE_RATE" default:"1.0"`
		Debug            bool    `yaml:"debug" envconfig:"DEBUG" default:"false"`
	} `yaml:"sentry"`
}

// LoadConfig reads defaults and UPTIMEGUARD_* environment variables, then overlays the
// YAML file at path when it exists.
func LoadConfig(path string) (Config, error) {
	var config Config
	if err := envconfig.Process(envPrefix, &config); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}

	if path != "" {
		configFile, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(configFile, &config); err != nil {
				return Config{}, fmt.Errorf("unmarshaling config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.Worker.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("worker.rate_limit must be at least 1, got %d", c.Worker.RateLimit))
	}
	if c.Worker.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("worker.rate_limit_window must be positive, got %s", c.Worker.RateLimitWindow))
	}
	if c.Worker.DefaultTimeout < MinMonitorTimeout {
		errs = append(errs, fmt.Errorf("worker.default_timeout must be at least %s, got %s", MinMonitorTimeout, c.Worker.DefaultTimeout))
	}
	if c.Worker.PollInterval <= 0 || c.Worker.StallTimeout <= 0 || c.Worker.OperationTimeout <= 0 {
		errs = append(errs, errors.New("worker.poll_interval, worker.stall_timeout and worker.operation_timeout must be positive"))
	}
	if c.Scheduler.Tick < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick must be at least 1s, got %s", c.Scheduler.Tick))
	}

	if _, err := ParseDialect(c.Database.Driver); err != nil {
		errs = append(errs, fmt.Errorf("database.driver: %w", err))
	}
	if c.Database.Driver != "duckdb" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch strings.ToLower(c.Queue.Driver) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("redis.address is required for the redis queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver must be memory or redis, got %q", c.Queue.Driver))
	}

	if c.Broadcast.TopicURL == "" || c.Broadcast.SubscriptionURL == "" {
		errs = append(errs, errors.New("broadcast.topic_url and broadcast.subscription_url are required"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
