package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Artifact store backends
const (
	BackendLocal = "local"
	BackendAzure = "azure"
)

// Config is the process configuration read from the environment
type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	LogLevel           string

	OCRConcurrency int
	OCRTimeout     time.Duration
	OCRLanguage    string

	ArtifactBackend string
	ArtifactDir     string
	AzureAccount    string
	AzureKey        string
	AzureContainer  string

	// EvalCacheDB is an optional sqlite path for the persistent evaluation store
	EvalCacheDB string
}

func (c *Config) ServerAddress() string {
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 10*1024*1024), // 10MB
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),

		OCRConcurrency: int(parseIntOrDefault("OCR_CONCURRENCY", int64(runtime.NumCPU()))),
		OCRTimeout:     parseDurationOrDefault("OCR_TIMEOUT", 30*time.Second),
		OCRLanguage:    getEnvOrDefault("OCR_LANGUAGE", "eng"),

		ArtifactBackend: strings.ToLower(getEnvOrDefault("ARTIFACT_BACKEND", BackendLocal)),
		ArtifactDir:     getEnvOrDefault("ARTIFACT_DIR", "artifacts"),
		AzureAccount:    os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureKey:        os.Getenv("AZURE_STORAGE_KEY"),
		AzureContainer:  getEnvOrDefault("AZURE_STORAGE_CONTAINER", "ocr-tuner"),

		EvalCacheDB: os.Getenv("EVAL_CACHE_DB"),
	}

	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(cfg.Port))
	if err != nil || p < 1 || p > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", cfg.Port)
	}
	if cfg.MaxRequestBodySize <= 0 {
		return nil, fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", cfg.MaxRequestBodySize)
	}
	if cfg.RequestTimeout <= 0 || cfg.OCRTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be > 0 (got request=%s, ocr=%s)", cfg.RequestTimeout, cfg.OCRTimeout)
	}
	if cfg.OCRConcurrency < 1 {
		return nil, fmt.Errorf("OCR_CONCURRENCY must be >= 1 (got %d)", cfg.OCRConcurrency)
	}
	switch cfg.ArtifactBackend {
	case BackendLocal:
		if strings.TrimSpace(cfg.ArtifactDir) == "" {
			return nil, fmt.Errorf("ARTIFACT_DIR must be set for the local backend")
		}
	case BackendAzure:
		if cfg.AzureAccount == "" || cfg.AzureKey == "" {
			return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY are required for the azure backend")
		}
	default:
		return nil, fmt.Errorf("invalid ARTIFACT_BACKEND: %q", cfg.ArtifactBackend)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
