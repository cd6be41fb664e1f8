// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tweet-notifier/source/feed"
)

// Source adapters.
const (
	SourceXAPI   = "xapi"
	SourceFeed   = "feed"
	SourceScrape = "scrape"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreGCS      = "gcs"
)

// Delivery providers.
const (
	DeliveryTelegram = "telegram"
	DeliveryAMQP     = "amqp"
	DeliveryLog      = "log"
)

// Config holds every setting. YAML keys mirror the environment variable names
// in lower case.
type Config struct {
	TelegramToken string `yaml:"telegram_token"`

	Source          string `yaml:"source"`
	XBearerToken    string `yaml:"x_bearer_token"`
	XAPIBaseURL     string `yaml:"x_api_base_url"`
	FeedURLTemplate string `yaml:"feed_url_template"`
	ScrapeBaseURL   string `yaml:"scrape_base_url"`
	XMaxResults     int    `yaml:"x_max_results"`

	Store           string `yaml:"store"`
	SQLitePath      string `yaml:"sqlite_path"`
	DatabaseURL     string `yaml:"database_url"`
	StorageBucket   string `yaml:"storage_bucket"`
	StorageEndpoint string `yaml:"storage_endpoint"`

	Delivery       string `yaml:"delivery"`
	AMQPURL        string `yaml:"amqp_url"`
	AMQPExchange   string `yaml:"amqp_exchange"`
	AMQPRoutingKey string `yaml:"amqp_routing_key"`
	AMQPQueue      string `yaml:"amqp_queue"`

	LogLevel string `yaml:"log_level"`
	Port     string `yaml:"port"`

	CycleInterval    time.Duration `yaml:"cycle_interval"`
	SourceInterval   time.Duration `yaml:"source_interval"`
	DeliveryInterval time.Duration `yaml:"delivery_interval"`
	StartupDelay     time.Duration `yaml:"startup_delay"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if
// set), then applies environment overrides and defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"TELEGRAM_TOKEN":    &c.TelegramToken,
		"SOURCE":            &c.Source,
		"X_BEARER_TOKEN":    &c.XBearerToken,
		"X_API_BASE_URL":    &c.XAPIBaseURL,
		"FEED_URL_TEMPLATE": &c.FeedURLTemplate,
		"SCRAPE_BASE_URL":   &c.ScrapeBaseURL,
		"STORE":             &c.Store,
		"SQLITE_PATH":       &c.SQLitePath,
		"DATABASE_URL":      &c.DatabaseURL,
		"STORAGE_BUCKET":    &c.StorageBucket,
		"STORAGE_ENDPOINT":  &c.StorageEndpoint,
		"DELIVERY":          &c.Delivery,
		"AMQP_URL":          &c.AMQPURL,
		"AMQP_EXCHANGE":     &c.AMQPExchange,
		"AMQP_ROUTING_KEY":  &c.AMQPRoutingKey,
		"AMQP_QUEUE":        &c.AMQPQueue,
		"LOG_LEVEL":         &c.LogLevel,
		"PORT":              &c.Port,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"CYCLE_INTERVAL":    &c.CycleInterval,
		"SOURCE_INTERVAL":   &c.SourceInterval,
		"DELIVERY_INTERVAL": &c.DeliveryInterval,
		"STARTUP_DELAY":     &c.StartupDelay,
		"HTTP_TIMEOUT":      &c.HTTPTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("X_MAX_RESULTS"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse X_MAX_RESULTS: %w", err)
		}
		c.XMaxResults = n
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Source == "" {
		c.Source = SourceFeed
	}
	if c.XMaxResults == 0 {
		c.XMaxResults = 5
	}
	if c.FeedURLTemplate == "" {
		c.FeedURLTemplate = feed.DefaultURLTemplate
	}
	if c.Store == "" {
		c.Store = StoreSQLite
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data.db"
	}
	if c.Delivery == "" {
		c.Delivery = DeliveryTelegram
		if c.TelegramToken == "" {
			c.Delivery = DeliveryLog
		}
	}
	if c.AMQPExchange == "" {
		c.AMQPExchange = "tweet_notifier"
	}
	if c.AMQPRoutingKey == "" {
		c.AMQPRoutingKey = "deliveries"
	}
	if c.AMQPQueue == "" {
		c.AMQPQueue = "telegram_deliveries"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = 45 * time.Second
	}
	if c.SourceInterval == 0 {
		c.SourceInterval = 5 * time.Second
	}
	if c.DeliveryInterval == 0 {
		c.DeliveryInterval = 400 * time.Millisecond
	}
	if c.StartupDelay == 0 {
		c.StartupDelay = 10 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 15 * time.Second
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourceXAPI:
		if c.XBearerToken == "" {
			errs = append(errs, errors.New("X_BEARER_TOKEN is required for SOURCE=xapi"))
		}
	case SourceFeed:
		if !strings.Contains(c.FeedURLTemplate, "{target}") {
			errs = append(errs, errors.New("FEED_URL_TEMPLATE must contain {target}"))
		}
	case SourceScrape:
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE %q", c.Source))
	}

	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for STORE=sqlite"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE=postgres"))
		}
	case StoreGCS:
		if c.StorageBucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for STORE=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}

	switch c.Delivery {
	case DeliveryTelegram:
		if c.TelegramToken == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required for DELIVERY=telegram"))
		}
	case DeliveryAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required for DELIVERY=amqp"))
		}
	case DeliveryLog:
	default:
		errs = append(errs, fmt.Errorf("unknown DELIVERY %q", c.Delivery))
	}

	for name, d := range map[string]time.Duration{
		"CYCLE_INTERVAL":    c.CycleInterval,
		"SOURCE_INTERVAL":   c.SourceInterval,
		"DELIVERY_INTERVAL": c.DeliveryInterval,
		"HTTP_TIMEOUT":      c.HTTPTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.StartupDelay < 0 {
		errs = append(errs, fmt.Errorf("STARTUP_DELAY must not be negative, got %s", c.StartupDelay))
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
