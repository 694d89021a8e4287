package config

import (
	"strings"
	"time"

	"discord-automod-bot/internal/database"
	"discord-automod-bot/internal/redis"

	"emperror.dev/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends for scheduled reversals
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

type Config struct {
	Token    string                  `mapstructure:"token"`
	Redis    redis.Config            `mapstructure:"redis"`
	Postgres database.PostgresConfig `mapstructure:"postgres"`

	// Store selects where scheduled reversals live
	Store      string `mapstructure:"store"`
	SQLitePath string `mapstructure:"sqlite_path"`
	// RulesFile loads guild rules from YAML instead of the database
	RulesFile   string `mapstructure:"rules_file"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	Debug       bool   `mapstructure:"debug"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detector  DetectorConfig  `mapstructure:"detector"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	RowTimeout   time.Duration `mapstructure:"row_timeout"`
}

type DetectorConfig struct {
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	MaxParallel     int           `mapstructure:"max_parallel"`
}

func setDefaults(v *viper.Viper) {
	// every key needs a default so AUTOMOD_* variables are seen by Unmarshal
	v.SetDefault("token", "")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("sqlite_path", "data/automod.db")
	v.SetDefault("rules_file", "")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("debug", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.network", "")
	v.SetDefault("redis.prefix", "automod:")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "automod")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("scheduler.poll_interval", 10*time.Second)
	v.SetDefault("scheduler.lock_timeout", 2*time.Second)
	v.SetDefault("scheduler.row_timeout", 30*time.Second)

	v.SetDefault("detector.idle_ttl", time.Hour)
	v.SetDefault("detector.janitor_interval", 5*time.Minute)
	v.SetDefault("detector.max_parallel", 8)
}

// Load reads .env, then the config file at path (or config.{json,yaml} in the working
// directory when path is empty), then AUTOMOD_* environment overrides.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUTOMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.WrapIf(err, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapIf(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that do not depend on the command being run
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreRedis:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite store needs sqlite_path")
		}
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	return nil
}
