package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Schema     SchemaConfig     `yaml:"schema" mapstructure:"schema"`
	Postcode   PostcodeConfig   `yaml:"postcode" mapstructure:"postcode"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	ObjStore   ObjStoreConfig   `yaml:"objstore" mapstructure:"objstore"`
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SourceConfig locates the published register.
type SourceConfig struct {
	LandingURL     string `yaml:"landing_url" mapstructure:"landing_url"`
	ContainerClass string `yaml:"container_class" mapstructure:"container_class"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
	SheetName      string `yaml:"sheet_name" mapstructure:"sheet_name"`
}

// SchemaConfig is the ordered canonical column list applied positionally
// to the upstream spreadsheet header.
type SchemaConfig struct {
	Columns []string `yaml:"columns" mapstructure:"columns"`
}

// PostcodeConfig configures postcode extraction from addresses.
type PostcodeConfig struct {
	Areas []string `yaml:"areas" mapstructure:"areas"`
}

// GeocodeConfig configures the postcode lookup service.
type GeocodeConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	ChunkSize   int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ObjStoreConfig holds S3-compatible object storage settings.
type ObjStoreConfig struct {
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	Region     string `yaml:"region" mapstructure:"region"`
	Bucket     string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey  string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey  string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL     bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Prefix     string `yaml:"prefix" mapstructure:"prefix"`
	ObjectName string `yaml:"object_name" mapstructure:"object_name"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// Enabled reports whether an object store is configured.
func (c ObjStoreConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// WarehouseConfig configures the analytical warehouse.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	TablePrefix string `yaml:"table_prefix" mapstructure:"table_prefix"`
	HomeDir     string `yaml:"home_dir" mapstructure:"home_dir"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// SQLitePath returns the database file used by the sqlite driver. An explicit
// database_url wins; otherwise the file lives under home_dir.
func (c WarehouseConfig) SQLitePath() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.HomeDir, "hmo.db")
}

// EventsConfig configures snapshot-ingested notifications.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures run alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackRuns         int     `yaml:"lookback_runs" mapstructure:"lookback_runs"`
	StaleAfterDays       int     `yaml:"stale_after_days" mapstructure:"stale_after_days"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// Optional .env for local runs; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("source.landing_url", "https://datamillnorth.org/dataset/2o13g/houses-in-multiple-occupation-licence-register/")
	v.SetDefault("source.container_class", "dstripe__body")
	v.SetDefault("source.user_agent", "hmo-register/1.0")
	v.SetDefault("source.timeout_secs", 60)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("schema.columns", []string{"street_name", "address", "renewal_date", "licence_holder", "max_tenants"})
	v.SetDefault("postcode.areas", []string{"Leeds", "Pudsey", "Otley", "Wetherby"})
	v.SetDefault("geocode.base_url", "https://api.postcodes.io")
	v.SetDefault("geocode.chunk_size", 100)
	v.SetDefault("geocode.concurrency", 4)
	v.SetDefault("geocode.rate_limit", 10)
	v.SetDefault("geocode.timeout_secs", 30)
	v.SetDefault("objstore.region", "eu-west-2")
	v.SetDefault("objstore.use_ssl", true)
	v.SetDefault("objstore.prefix", "leeds_hmo")
	v.SetDefault("objstore.max_retries", 3)
	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.schema", "hmo")
	v.SetDefault("warehouse.table_prefix", "leeds_hmo")
	v.SetDefault("warehouse.home_dir", ".")
	v.SetDefault("warehouse.max_conns", 4)
	v.SetDefault("events.topic", "hmo.snapshots")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_runs", 10)
	v.SetDefault("monitoring.stale_after_days", 45)
	v.SetDefault("monitoring.check_interval_secs", 3600)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Secrets and endpoints have no default but must be known keys so that
	// AutomaticEnv can populate them during Unmarshal.
	for _, key := range []string{
		"source.sheet_name",
		"objstore.endpoint",
		"objstore.bucket",
		"objstore.access_key",
		"objstore.secret_key",
		"objstore.object_name",
		"warehouse.database_url",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("events.brokers", []string{})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	requireWarehouse := func() {
		switch c.Warehouse.Driver {
		case "postgres":
			if c.Warehouse.DatabaseURL == "" {
				problems = append(problems, "warehouse.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Warehouse.DatabaseURL == "" && c.Warehouse.HomeDir == "" {
				problems = append(problems, "warehouse.home_dir or warehouse.database_url is required for the sqlite driver")
			}
		default:
			problems = append(problems, "warehouse.driver must be postgres or sqlite")
		}
	}

	requireSource := func() {
		if c.Source.LandingURL == "" {
			problems = append(problems, "source.landing_url is required")
		}
		if c.Source.ContainerClass == "" {
			problems = append(problems, "source.container_class is required")
		}
	}

	switch mode {
	case "locate":
		requireSource()
	case "migrate", "status":
		requireWarehouse()
	case "run", "serve":
		requireSource()
		requireWarehouse()
		if len(c.Schema.Columns) == 0 {
			problems = append(problems, "schema.columns must not be empty")
		}
		if len(c.Postcode.Areas) == 0 {
			problems = append(problems, "postcode.areas must not be empty")
		}
		if c.Geocode.BaseURL == "" {
			problems = append(problems, "geocode.base_url is required")
		}
		if c.Geocode.ChunkSize < 1 || c.Geocode.ChunkSize > 100 {
			problems = append(problems, "geocode.chunk_size must be between 1 and 100")
		}
		if c.Geocode.Concurrency < 1 {
			problems = append(problems, "geocode.concurrency must be > 0")
		}
		if c.ObjStore.Endpoint != "" && c.ObjStore.Bucket == "" {
			problems = append(problems, "objstore.bucket is required when objstore.endpoint is set")
		}
		if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
			problems = append(problems, "events.topic is required when events.brokers is set")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
