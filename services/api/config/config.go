package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/db"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/fetch"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
)

// Config holds environment-driven settings for the REST API.
type Config struct {
	Port         int
	BearerToken  string
	DataDir      string
	DataPrefix   string
	Store        db.Config
	Fetch        fetch.Config
	Log          observability.LogConfig
	CacheTTL     time.Duration
	CacheSize    int
	DefaultYears int
	SyncOnStart  bool
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		Port:         5001,
		DataDir:      "river_data",
		CacheTTL:     600 * time.Second,
		CacheSize:    512,
		DefaultYears: 3,
		SyncOnStart:  true,
		Log: observability.LogConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		},
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := os.Getenv("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	if dir := strings.TrimSpace(os.Getenv("DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}

	cfg.DataPrefix = strings.TrimSpace(os.Getenv("DATA_PREFIX"))

	store, err := db.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	cfg.Store = store

	if ttlStr := os.Getenv("CACHE_TTL_SECONDS"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil && ttl >= 0 {
			cfg.CacheTTL = time.Duration(ttl) * time.Second
		} else {
			return cfg, fmt.Errorf("invalid CACHE_TTL_SECONDS: %s", ttlStr)
		}
	}

	if sizeStr := os.Getenv("CACHE_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
			cfg.CacheSize = size
		} else {
			return cfg, fmt.Errorf("invalid CACHE_SIZE: %s", sizeStr)
		}
	}

	if yearsStr := os.Getenv("API_DEFAULT_YEARS"); yearsStr != "" {
		if years, err := strconv.Atoi(yearsStr); err == nil && years > 0 {
			cfg.DefaultYears = years
		} else {
			return cfg, fmt.Errorf("invalid API_DEFAULT_YEARS: %s", yearsStr)
		}
	}

	if syncStr := os.Getenv("SYNC_ON_START"); syncStr != "" {
		v, err := strconv.ParseBool(syncStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid SYNC_ON_START: %s", syncStr)
		}
		cfg.SyncOnStart = v
	}

	cfg.Fetch.URL = strings.TrimSpace(os.Getenv("FETCH_URL"))
	if raw := os.Getenv("REQUEST_HEADERS_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Fetch.Headers); err != nil {
			return cfg, fmt.Errorf("invalid REQUEST_HEADERS_JSON: %w", err)
		}
	}
	if raw := os.Getenv("REQUEST_COOKIES_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Fetch.Cookies); err != nil {
			return cfg, fmt.Errorf("invalid REQUEST_COOKIES_JSON: %w", err)
		}
	}

	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
