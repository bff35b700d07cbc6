package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port   string `envconfig:"PORT" default:"8080"`
	DBPath string `envconfig:"DB_PATH" default:"enrich.db"`

	// Quota limits per quota key.
	DailyLimit  int `envconfig:"DAILY_LIMIT" default:"100"`
	HourlyLimit int `envconfig:"HOURLY_LIMIT" default:"20"`

	// Pacing delay range used when the active pattern defines none.
	DefaultMinDelay time.Duration `envconfig:"DEFAULT_MIN_DELAY" default:"30s"`
	DefaultMaxDelay time.Duration `envconfig:"DEFAULT_MAX_DELAY" default:"90s"`

	// Optional JSON file overriding the built-in human pattern table.
	PatternFile string `envconfig:"PATTERN_FILE" default:""`

	CooldownDays int `envconfig:"COOLDOWN_DAYS" default:"30"`

	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	StageTimeout time.Duration `envconfig:"STAGE_TIMEOUT" default:"30s"`

	// Recovery supervisor tuning.
	ScanInterval time.Duration `envconfig:"SCAN_INTERVAL" default:"60s"`
	StaleAfter   time.Duration `envconfig:"STALE_AFTER" default:"10m"`
	RespawnLimit int           `envconfig:"RESPAWN_LIMIT" default:"3"`

	// HTTP request limiter (per caller, token bucket).
	RequestRate  float64 `envconfig:"REQUEST_RATE" default:"5"`
	RequestBurst int     `envconfig:"REQUEST_BURST" default:"10"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("ENRICH", &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.DefaultMinDelay > cfg.DefaultMaxDelay {
		return cfg, fmt.Errorf("load config: DEFAULT_MIN_DELAY exceeds DEFAULT_MAX_DELAY")
	}
	return cfg, nil
}
