package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Platform struct {
		Timezone string `mapstructure:"TIMEZONE"`
	} `mapstructure:"PLATFORM"`
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		EnableCORS   bool          `mapstructure:"ENABLE_CORS"`
		CORSOrigins  []string      `mapstructure:"CORS_ORIGINS"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Loyalty Loyalty `mapstructure:"LOYALTY"`
}

// Loyalty holds the tuning knobs of the event processor and its background jobs.
type Loyalty struct {
	MaxConflictRetries      int           `mapstructure:"MAX_CONFLICT_RETRIES"`
	RetryBackoff            time.Duration `mapstructure:"RETRY_BACKOFF"`
	UserLockTTL             time.Duration `mapstructure:"USER_LOCK_TTL"`
	UserLockWait            time.Duration `mapstructure:"USER_LOCK_WAIT"`
	TriggerCacheTTL         time.Duration `mapstructure:"TRIGGER_CACHE_TTL"`
	TriggerCacheSize        int           `mapstructure:"TRIGGER_CACHE_SIZE"`
	ReconcileCron           string        `mapstructure:"RECONCILE_CRON"`
	CompensationMaxAttempts int           `mapstructure:"COMPENSATION_MAX_ATTEMPTS"`
	Queue                   string        `mapstructure:"QUEUE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "loyalty-engine")
	v.SetDefault("PLATFORM.TIMEZONE", "UTC")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 5*time.Minute)
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)
	v.SetDefault("LOYALTY.MAX_CONFLICT_RETRIES", 3)
	v.SetDefault("LOYALTY.RETRY_BACKOFF", 50*time.Millisecond)
	v.SetDefault("LOYALTY.USER_LOCK_TTL", 10*time.Second)
	v.SetDefault("LOYALTY.USER_LOCK_WAIT", 5*time.Second)
	v.SetDefault("LOYALTY.TRIGGER_CACHE_TTL", 30*time.Second)
	v.SetDefault("LOYALTY.TRIGGER_CACHE_SIZE", 1024)
	v.SetDefault("LOYALTY.RECONCILE_CRON", "@every 1m")
	v.SetDefault("LOYALTY.COMPENSATION_MAX_ATTEMPTS", 10)
	v.SetDefault("LOYALTY.QUEUE", "loyalty")

	// Keys without a default are only picked up from the environment when bound.
	for _, key := range []string{
		"APP_VERSION",
		"TLS.ENABLE", "TLS.CERT_PATH", "TLS.KEY_PATH",
		"OTEL.ADDR", "PYROSCOPE.ADDR",
		"HTTP_SERVER.ENABLE_CORS", "HTTP_SERVER.CORS_ORIGINS",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME",
		"DATABASE.USER", "DATABASE.PASSWORD", "DATABASE.PATH",
		"REDIS.ADDR", "REDIS.PASSWORD", "REDIS.DB",
		"FLAGSMITH.ADDR", "FLAGSMITH.API_KEY",
	} {
		_ = v.BindEnv(key)
	}
}

// LoadConfig reads config.yaml from the working directory (optional) and
// overlays environment variables, e.g. DATABASE_HOST or LOYALTY_QUEUE.
func LoadConfig() *Config {
	cfg, err := Load(viper.New(), ".")
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	return cfg
}

func Load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location resolves the platform timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.Platform.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Platform.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
