/*
Package config loads application configuration from the environment.

PURPOSE:
  Environment variables with sensible defaults, plus optional .env
  loading for local development. Command-line flags in cmd/server may
  override the port and database path.

VARIABLES:
  PORT                HTTP server port            (default 8080)
  DB_PATH             SQLite database path        (default ledgerlens.db)
  LOG_LEVEL           debug|info|warn|error       (default info)
  SCAN_MODEL          Gemini model name           (default gemini-2.0-flash)
  SCAN_TIMEOUT        Scan call timeout           (default 2m)
  SCAN_IMAGE_DIR      Directory of uploaded images (default ./images)
  GEMINI_API_KEY      Enables the real scanner; stub scanner when empty
  INITIAL_CREDITS     Dev-only starting credit grant (default 0)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Log    LogConfig
	Scan   ScanConfig
	Credit CreditConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DBConfig struct {
	Path string
}

type LogConfig struct {
	Level string
}

type ScanConfig struct {
	Model    string
	Timeout  time.Duration
	ImageDir string
	APIKey   string
}

type CreditConfig struct {
	InitialGrant int64
}

// Load reads configuration from the environment. A .env file is loaded
// first when present; its absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		DB: DBConfig{
			Path: getEnv("DB_PATH", "ledgerlens.db"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Scan: ScanConfig{
			Model:    getEnv("SCAN_MODEL", "gemini-2.0-flash"),
			Timeout:  getEnvAsDuration("SCAN_TIMEOUT", "2m"),
			ImageDir: getEnv("SCAN_IMAGE_DIR", "./images"),
			APIKey:   os.Getenv("GEMINI_API_KEY"),
		},
		Credit: CreditConfig{
			InitialGrant: getEnvAsInt64("INITIAL_CREDITS", 0),
		},
	}

	if cfg.Scan.Timeout <= 0 {
		return nil, fmt.Errorf("SCAN_TIMEOUT must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsDuration(key, fallback string) time.Duration {
	v := getEnv(key, fallback)
	d, err := time.ParseDuration(v)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
