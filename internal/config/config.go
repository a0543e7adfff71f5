package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given on the command line.
const DefaultPath = "config.yaml"

// Queue backends.
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Config is the full service configuration. Values are read from the YAML
// file first and then overridden by environment variables, which keep the
// names the service has always used (DB_HOST, REDIS_HOST, FRONTEND_WEBHOOK_URL...).
type Config struct {
	MySQL    MySQLConfig    `yaml:"mysql"`
	Detector DetectorConfig `yaml:"detector"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Worker   WorkerConfig   `yaml:"worker"`
	Binlog   BinlogConfig   `yaml:"binlog"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MySQLConfig struct {
	Host           string        `yaml:"host"            env:"DB_HOST"`
	Port           int           `yaml:"port"            env:"DB_PORT"`
	User           string        `yaml:"user"            env:"DB_USER"`
	Password       string        `yaml:"password"        env:"DB_PASSWORD"`
	Database       string        `yaml:"database"        env:"DB_NAME"`
	JobsTable      string        `yaml:"jobs_table"      env:"DB_JOBS_TABLE"`
	UsersTable     string        `yaml:"users_table"     env:"DB_USERS_TABLE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"DB_CONNECT_TIMEOUT"`
	QueryTimeout   time.Duration `yaml:"query_timeout"   env:"DB_QUERY_TIMEOUT"`
	MaxOpenConns   int           `yaml:"max_open_conns"  env:"DB_MAX_OPEN_CONNS"`
}

type DetectorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// CycleTimeout bounds a whole poll cycle, both queries and all enqueues.
	CycleTimeout time.Duration `yaml:"cycle_timeout" env:"POLL_CYCLE_TIMEOUT"`
}

type QueueConfig struct {
	Backend     string        `yaml:"backend"      env:"QUEUE_BACKEND"`
	Name        string        `yaml:"name"         env:"QUEUE_NAME"`
	MaxAttempts int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS"`
	Backoff     time.Duration `yaml:"backoff"      env:"QUEUE_BACKOFF"`
	MaxBackoff  time.Duration `yaml:"max_backoff"  env:"QUEUE_MAX_BACKOFF"`
	// VisibilityTimeout is how long a delivery may stay unacknowledged before
	// another consumer may claim it. Keep it above webhook.timeout.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT"`
	PollWait          time.Duration `yaml:"poll_wait"          env:"QUEUE_POLL_WAIT"`
}

type RedisConfig struct {
	Host     string `yaml:"host"     env:"REDIS_HOST"`
	Port     int    `yaml:"port"     env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"       env:"REDIS_DB"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL           string        `yaml:"url"            env:"NATS_URL"`
	MaxReconnect  int           `yaml:"max_reconnect"  env:"NATS_MAX_RECONNECT"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"NATS_RECONNECT_WAIT"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"     env:"FRONTEND_WEBHOOK_URL"`
	Timeout time.Duration `yaml:"timeout" env:"WEBHOOK_TIMEOUT"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
}

type BinlogConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"BINLOG_ENABLED"`
	ServerID uint32 `yaml:"server_id" env:"BINLOG_SERVER_ID"`
	Flavor   string `yaml:"flavor"    env:"BINLOG_FLAVOR"` // mysql, mariadb
}

type HTTPConfig struct {
	Port            int           `yaml:"port"             env:"APP_PORT"`
	CORSOrigin      string        `yaml:"cors_origin"      env:"CORS_ORIGIN"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret    string         `yaml:"jwt_secret"    env:"JWT_SECRET"`
	TokenTTL     time.Duration  `yaml:"token_ttl"     env:"JWT_TOKEN_TTL"`
	CookieMaxAge time.Duration  `yaml:"cookie_max_age" env:"AUTH_COOKIE_MAX_AGE"`
	DefaultAdmin DefaultAccount `yaml:"default_admin"`
}

// DefaultAccount is the superadmin seeded at startup when it does not exist yet.
type DefaultAccount struct {
	Username string `yaml:"username" env:"DEFAULT_ADMIN_USERNAME"`
	Email    string `yaml:"email"    env:"DEFAULT_ADMIN_EMAIL"`
	Password string `yaml:"password" env:"DEFAULT_ADMIN_PASSWORD"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // text, json
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		MySQL: MySQLConfig{
			Host:           "localhost",
			Port:           3306,
			User:           "root",
			Database:       "job_leaderboard",
			JobsTable:      "jobs",
			UsersTable:     "users",
			ConnectTimeout: 5 * time.Second,
			QueryTimeout:   5 * time.Second,
			MaxOpenConns:   10,
		},
		Detector: DetectorConfig{
			PollInterval: 5 * time.Second,
			CycleTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Backend:           BackendRedis,
			Name:              "job-updates",
			MaxAttempts:       5,
			Backoff:           time.Second,
			MaxBackoff:        time.Minute,
			VisibilityTimeout: 30 * time.Second,
			PollWait:          2 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnect:  -1,
			ReconnectWait: 2 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Binlog: BinlogConfig{
			ServerID: 1001,
			Flavor:   "mysql",
		},
		HTTP: HTTPConfig{
			Port:            3000,
			CORSOrigin:      "http://localhost:3333",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:     24 * time.Hour,
			CookieMaxAge: 7 * 24 * time.Hour,
			DefaultAdmin: DefaultAccount{
				Username: "superadmin",
				Email:    "superadmin@localhost",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, applies
// environment overrides and sanitizes the result. A missing file is only an
// error when path is not DefaultPath.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Sanitize fills in zero values and clamps out-of-range settings.
func (c *Config) Sanitize() {
	def := Default()

	// PORT is honoured when APP_PORT is not set.
	if os.Getenv("APP_PORT") == "" {
		if v := os.Getenv("PORT"); v != "" {
			var port int
			if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
				c.HTTP.Port = port
			}
		}
	}

	if c.Detector.PollInterval < 100*time.Millisecond {
		c.Detector.PollInterval = def.Detector.PollInterval
	}
	if c.Detector.CycleTimeout <= 0 {
		c.Detector.CycleTimeout = def.Detector.CycleTimeout
	}
	if c.MySQL.QueryTimeout <= 0 {
		c.MySQL.QueryTimeout = def.MySQL.QueryTimeout
	}
	if c.MySQL.ConnectTimeout <= 0 {
		c.MySQL.ConnectTimeout = def.MySQL.ConnectTimeout
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = def.MySQL.MaxOpenConns
	}

	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = def.Queue.Backend
	}
	if c.Queue.Name == "" {
		c.Queue.Name = def.Queue.Name
	}
	if c.Queue.MaxAttempts < 1 {
		c.Queue.MaxAttempts = 1
	}
	if c.Queue.Backoff <= 0 {
		c.Queue.Backoff = def.Queue.Backoff
	}
	if c.Queue.MaxBackoff < c.Queue.Backoff {
		c.Queue.MaxBackoff = c.Queue.Backoff
	}
	if c.Queue.PollWait <= 0 {
		c.Queue.PollWait = def.Queue.PollWait
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = def.Webhook.Timeout
	}
	if c.Queue.VisibilityTimeout <= c.Webhook.Timeout {
		c.Queue.VisibilityTimeout = c.Webhook.Timeout + def.Queue.VisibilityTimeout
	}
	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}

	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = def.NATS.ReconnectWait
	}
	if c.Binlog.Flavor == "" {
		c.Binlog.Flavor = def.Binlog.Flavor
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = def.Auth.TokenTTL
	}
	if c.Auth.CookieMaxAge <= 0 {
		c.Auth.CookieMaxAge = def.Auth.CookieMaxAge
	}

	c.Webhook.URL = strings.TrimSpace(c.Webhook.URL)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate reports settings that cannot be fixed up by Sanitize.
func (c *Config) Validate() error {
	if !identifierRe.MatchString(c.MySQL.JobsTable) {
		return fmt.Errorf("invalid jobs table name %q", c.MySQL.JobsTable)
	}
	if !identifierRe.MatchString(c.MySQL.UsersTable) {
		return fmt.Errorf("invalid users table name %q", c.MySQL.UsersTable)
	}
	switch c.Queue.Backend {
	case BackendRedis, BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	return nil
}
