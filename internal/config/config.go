package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Database DatabaseConfig
	Wiki     WikiConfig
	Ingest   IngestConfig
	Schedule ScheduleConfig
	Feed     FeedConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN renders the settings as a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
	if d.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", d.MaxConns)
	}
	return dsn
}

// WikiConfig defines the price source client settings. UserAgent and Contact
// identify this collector to the upstream maintainers and are both required.
type WikiConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Contact           string        `mapstructure:"contact"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
}

// IngestConfig defines pipeline behaviour.
type IngestConfig struct {
	SkipSchemaSync bool `mapstructure:"skip_schema_sync"`
	RecentWindow   int  `mapstructure:"recent_window"`
}

// ScheduleConfig defines job cadences for the long-running collector.
type ScheduleConfig struct {
	Latest     time.Duration
	FiveMinute time.Duration `mapstructure:"five_minute"`
	OneHour    time.Duration `mapstructure:"one_hour"`
	Mapping    time.Duration
	Workers    int
}

// FeedConfig defines the websocket feed listener. Empty Addr disables it.
type FeedConfig struct {
	Addr string
}

// MetricsConfig defines the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr      string
	Namespace string
}

// LogConfig defines log output.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config is loaded first when present, and a missing
// config file is not an error.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	_ = godotenv.Load(filepath.Join(path, ".env"))

	v.AddConfigPath(path)
	v.AddConfigPath(filepath.Join(path, "config"))
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("OSRSPRICES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "osrs")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("wiki.base_url", "https://prices.runescape.wiki/api/v1/osrs")
	v.SetDefault("wiki.user_agent", "")
	v.SetDefault("wiki.contact", "")
	v.SetDefault("wiki.timeout", "30s")
	v.SetDefault("wiki.requests_per_second", 1.0)
	v.SetDefault("wiki.burst", 2)
	v.SetDefault("wiki.max_retries", 2)

	v.SetDefault("ingest.skip_schema_sync", false)
	v.SetDefault("ingest.recent_window", 3)

	v.SetDefault("schedule.latest", "1m")
	v.SetDefault("schedule.five_minute", "5m")
	v.SetDefault("schedule.one_hour", "1h")
	v.SetDefault("schedule.mapping", "24h")
	v.SetDefault("schedule.workers", 4)

	v.SetDefault("feed.addr", "")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "osrsprices")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}
