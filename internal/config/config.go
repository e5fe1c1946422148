package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// Database
	DBDriver   string `yaml:"db_driver"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	SQLitePath string `yaml:"sqlite_path"`

	// Server
	ServerPort   string `yaml:"server_port"`
	Env          string `yaml:"env"`
	LogLevel     string `yaml:"log_level"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	// CORS / websocket origins
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Realtime and background work
	RedisURL       string `yaml:"redis_url"`
	RealtimeBroker string `yaml:"realtime_broker"`
	JobsBackend    string `yaml:"jobs_backend"`
	FanoutWorkers  int    `yaml:"fanout_workers"`

	// Identity and abuse control
	SigningSecret  string  `yaml:"signing_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		DBDriver:       "sqlite",
		DBHost:         "localhost",
		DBPort:         "3306",
		SQLitePath:     "roomcast.db",
		ServerPort:     "8080",
		Env:            "development",
		LogLevel:       "info",
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		RealtimeBroker: "local",
		JobsBackend:    "inline",
		FanoutWorkers:  8,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	setString(&cfg.DBDriver, "DB_DRIVER")
	setString(&cfg.DBHost, "DB_HOST")
	setString(&cfg.DBPort, "DB_PORT")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.SQLitePath, "SQLITE_PATH")
	setString(&cfg.ServerPort, "SERVER_PORT")
	setString(&cfg.Env, "ENV")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.RealtimeBroker, "REALTIME_BROKER")
	setString(&cfg.JobsBackend, "JOBS_BACKEND")
	setString(&cfg.SigningSecret, "SIGNING_SECRET")

	if allowedOrigins := os.Getenv("ALLOWED_ORIGINS"); allowedOrigins != "" {
		cfg.AllowedOrigins = strings.Split(allowedOrigins, ",")
	}
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	var err error
	if cfg.FanoutWorkers, err = intEnv("FANOUT_WORKERS", cfg.FanoutWorkers); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if cfg.MaxBodyBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return cfg, fmt.Errorf("MAX_BODY_BYTES: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "mysql":
		if c.DBName == "" {
			return fmt.Errorf("DB_NAME is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}

	switch c.RealtimeBroker {
	case "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_BROKER=redis")
		}
	default:
		return fmt.Errorf("unknown REALTIME_BROKER %q", c.RealtimeBroker)
	}

	switch c.JobsBackend {
	case "inline":
	case "asynq":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when JOBS_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unknown JOBS_BACKEND %q", c.JobsBackend)
	}

	if c.FanoutWorkers < 1 {
		return fmt.Errorf("FANOUT_WORKERS must be positive")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	return nil
}

// MySQLDSN renders the go-sql-driver DSN for the configured server.
func (c Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&clientFoundRows=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
