package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	BOSH          BOSHConfig          `mapstructure:"bosh"`
	Investigation InvestigationConfig `mapstructure:"investigation"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	CORS          CORSConfig          `mapstructure:"cors"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Debug       bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the HTTP listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Schema          string        `mapstructure:"schema"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&search_path=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.Schema,
	)
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig configures the room transport. The URL handed out in BOSH
// descriptors is BOSHConfig.Service; URL is used by the event bus.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	EventsSubject string        `mapstructure:"events_subject"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// BOSHConfig describes how investigation sessions are issued and resolved.
type BOSHConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	AuthURL string   `mapstructure:"auth_url"`
	Token   string   `mapstructure:"token"`
	Service string   `mapstructure:"service"`
	JID     string   `mapstructure:"jid"`
	Rooms   []string `mapstructure:"rooms"`
}

type InvestigationConfig struct {
	QueryCache     string        `mapstructure:"query_cache"` // "memory" or "redis"
	QueryTTL       time.Duration `mapstructure:"query_ttl"`
	QueueSize      int           `mapstructure:"queue_size"`
	ArchiveReplies bool          `mapstructure:"archive_replies"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "investigation-lab")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "0.1.0")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "investigation:")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "rooms")
	v.SetDefault("nats.events_subject", "investigation.events")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("investigation.query_cache", "memory")
	v.SetDefault("investigation.queue_size", 256)
	v.SetDefault("investigation.request_timeout", 10*time.Second)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Authorization", "Content-Type"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("ratelimit.requests_per_minute", 120)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.time_format", time.RFC3339)
}

// Load reads configuration from file and environment variables. A missing
// config file is not an error when no explicit path was given.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/investigation-lab")
	}

	v.SetEnvPrefix("INVESTIGATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// viper doesn't auto-bind nested struct fields
	v.BindEnv("redis.enabled", "INVESTIGATION_REDIS_ENABLED")
	v.BindEnv("redis.host", "INVESTIGATION_REDIS_HOST")
	v.BindEnv("redis.port", "INVESTIGATION_REDIS_PORT")
	v.BindEnv("redis.password", "INVESTIGATION_REDIS_PASSWORD")
	v.BindEnv("database.enabled", "INVESTIGATION_DATABASE_ENABLED")
	v.BindEnv("database.host", "INVESTIGATION_DATABASE_HOST")
	v.BindEnv("database.password", "INVESTIGATION_DATABASE_PASSWORD")
	v.BindEnv("nats.enabled", "INVESTIGATION_NATS_ENABLED")
	v.BindEnv("nats.url", "INVESTIGATION_NATS_URL")
	v.BindEnv("bosh.enabled", "INVESTIGATION_BOSH_ENABLED")
	v.BindEnv("bosh.auth_url", "INVESTIGATION_BOSH_AUTH_URL")
	v.BindEnv("bosh.token", "INVESTIGATION_BOSH_TOKEN")
	v.BindEnv("bosh.service", "INVESTIGATION_BOSH_SERVICE")
	v.BindEnv("bosh.jid", "INVESTIGATION_BOSH_JID")
	v.BindEnv("jwt.secret", "INVESTIGATION_JWT_SECRET")
	v.BindEnv("app.environment", "INVESTIGATION_APP_ENVIRONMENT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadDefault loads configuration with default path
func LoadDefault() (*Config, error) {
	return Load("")
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Investigation.QueryCache {
	case "memory", "":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("investigation.query_cache is redis but redis is disabled")
		}
	default:
		return fmt.Errorf("unknown investigation.query_cache %q", c.Investigation.QueryCache)
	}
	if c.Investigation.ArchiveReplies && !c.Database.Enabled {
		return fmt.Errorf("investigation.archive_replies requires database.enabled")
	}
	if c.Investigation.QueueSize < 0 {
		return fmt.Errorf("investigation.queue_size must not be negative")
	}
	return nil
}
