package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/db"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/fetch"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
)

const (
	defaultDataDir        = "river_data"
	defaultRequestTimeout = 30 * time.Second
)

// Config holds runtime configuration for the watcher service.
type Config struct {
	DataDir    string
	DataPrefix string
	Store      db.Config
	Fetch      fetch.Config
	Log        observability.LogConfig
	DryRun     bool
}

// FetchEnabled reports whether a download pass runs before ingestion.
func (c Config) FetchEnabled() bool {
	return c.Fetch.URL != ""
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		DataDir: defaultDataDir,
		Log: observability.LogConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		},
	}

	if v := strings.TrimSpace(os.Getenv("DATA_DIR")); v != "" {
		cfg.DataDir = v
	}

	cfg.DataPrefix = strings.TrimSpace(os.Getenv("DATA_PREFIX"))

	store, err := db.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	cfg.Store = store

	cfg.Fetch.URL = strings.TrimSpace(os.Getenv("FETCH_URL"))
	cfg.Fetch.Timeout = defaultRequestTimeout
	if v := strings.TrimSpace(os.Getenv("WATCHER_REQUEST_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid WATCHER_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Fetch.Timeout = d
	}
	if cfg.Fetch.Headers, err = jsonMap("REQUEST_HEADERS_JSON"); err != nil {
		return cfg, err
	}
	if cfg.Fetch.Cookies, err = jsonMap("REQUEST_COOKIES_JSON"); err != nil {
		return cfg, err
	}

	dryRun := strings.TrimSpace(os.Getenv("DRY_RUN"))
	cfg.DryRun = dryRun == "1" || strings.EqualFold(dryRun, "true")

	return cfg, nil
}

func jsonMap(key string) (map[string]string, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return out, nil
}
