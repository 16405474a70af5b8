package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Port     string     `yaml:"port"`
	LogLevel slog.Level `yaml:"-"`

	DataDir string `yaml:"dataDir"`

	// Storage selects the tracking backend, "file" or "redis".
	Storage     string `yaml:"storage"`
	RedisAddr   string `yaml:"redisAddr"`
	RedisPrefix string `yaml:"redisPrefix"`

	Workers       int           `yaml:"workers"`
	FileTimeout   time.Duration `yaml:"fileTimeout"`
	PageTimeout   time.Duration `yaml:"pageTimeout"`
	ChunkSize     int           `yaml:"chunkSize"`
	SessionCookie string        `yaml:"-"`

	// ResourcePatterns overrides the URL substrings that mark a link as
	// downloadable course material.
	ResourcePatterns []string `yaml:"resourcePatterns"`

	TelemetryEndpoint string `yaml:"telemetryEndpoint"`
}

// LoadConfig reads an optional YAML file named by CONFIG_FILE, then lets
// environment variables override it. Missing values fall back to
// defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:        "8080",
		DataDir:     "./data",
		Storage:     "file",
		RedisAddr:   "localhost:6379",
		RedisPrefix: "coursezip",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("cannot parse config file: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STORAGE"); v != "" {
		cfg.Storage = v
	}
	if cfg.Storage != "file" && cfg.Storage != "redis" {
		return cfg, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid WORKERS value %q", v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("FILE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FILE_TIMEOUT value %q", v)
		}
		cfg.FileTimeout = d
	}
	if v := os.Getenv("PAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PAGE_TIMEOUT value %q", v)
		}
		cfg.PageTimeout = d
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid CHUNK_SIZE value %q", v)
		}
		cfg.ChunkSize = n
	}
	if v := os.Getenv("SESSION_COOKIE"); v != "" {
		cfg.SessionCookie = v
	}
	if v := os.Getenv("RESOURCE_PATTERNS"); v != "" {
		cfg.ResourcePatterns = splitPatterns(v)
	}
	if v := os.Getenv("TELEMETRY_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}

	cfg.LogLevel = parseLogLevel(os.Getenv("LOG_LEVEL"))
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
