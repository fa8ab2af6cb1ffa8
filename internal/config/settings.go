package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoggerConfig controls the process logger
type LoggerConfig struct {
	Level   string `mapstructure:"level" validate:"required|in:trace,debug,info,warn,error,fatal,panic"`
	Console bool   `mapstructure:"console"`
}

// ServiceConfig points at the tile rendering / catalog service
type ServiceConfig struct {
	BaseURL    string `mapstructure:"baseUrl" validate:"required|fullUrl"`
	AuthToken  string `mapstructure:"authToken"`
	TimeoutSec int    `mapstructure:"timeoutSec" validate:"required|min:1"`
}

// RateLimitConfig tunes the request pacing of the tile limiter (milliseconds)
type RateLimitConfig struct {
	InitialDelayMs int `mapstructure:"initialDelayMs" validate:"required|min:1"`
	MinDelayMs     int `mapstructure:"minDelayMs" validate:"required|min:1"`
	MaxDelayMs     int `mapstructure:"maxDelayMs" validate:"required|min:1"`
}

// CacheConfig sizes the rendered-image cache
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	SizeMB  int  `mapstructure:"sizeMB" validate:"min:0"`
	TTLSec  int  `mapstructure:"ttlSec" validate:"min:0"`
}

// MetricsConfig enables the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TimelapseConfig holds the user's timelapse preferences and filter state.
// Filter values survive between searches until reset.
type TimelapseConfig struct {
	FPS                 int     `mapstructure:"fps" validate:"required|min:1"`
	Format              string  `mapstructure:"format" validate:"required|in:gif,avi,mjpeg"`
	Transition          string  `mapstructure:"transition" validate:"in:none,fade"`
	FadeDuration        float64 `mapstructure:"fadeDuration" validate:"min:0"`
	DelayLastFrame      bool    `mapstructure:"delayLastFrame"`
	Width               int     `mapstructure:"width" validate:"required|min:1"`
	Height              int     `mapstructure:"height" validate:"required|min:1"`
	MaxCCPercentAllowed float64 `mapstructure:"maxCCPercentAllowed" validate:"min:0|max:100"`
	MinCoverageAllowed  float64 `mapstructure:"minCoverageAllowed" validate:"min:0|max:100"`
	SelectAll           bool    `mapstructure:"selectAll"`
	Months              []int   `mapstructure:"months"`
	OrbitPeriod         bool    `mapstructure:"orbitPeriod"`
	ShowDate            bool    `mapstructure:"showDate"`
}

// AnalyticsConfig configures optional PostHog usage events
type AnalyticsConfig struct {
	PostHogKey  string `mapstructure:"posthogKey"`
	PostHogHost string `mapstructure:"posthogHost"`
}

// Settings is the complete persisted configuration
type Settings struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Service   ServiceConfig   `mapstructure:"service"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Timelapse TimelapseConfig `mapstructure:"timelapse"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		Logger: LoggerConfig{
			Level:   "info",
			Console: true,
		},
		Service: ServiceConfig{
			BaseURL:    "https://services.sentinel-hub.com/timelapse",
			TimeoutSec: 30,
		},
		RateLimit: RateLimitConfig{
			InitialDelayMs: 100,
			MinDelayMs:     1,
			MaxDelayMs:     5000,
		},
		Cache: CacheConfig{
			Enabled: true,
			SizeMB:  64,
			TTLSec:  3600,
		},
		Timelapse: TimelapseConfig{
			FPS:                 1,
			Format:              "gif",
			Transition:          "none",
			FadeDuration:        0.5,
			DelayLastFrame:      true,
			Width:               512,
			Height:              512,
			MaxCCPercentAllowed: 100,
			MinCoverageAllowed:  0,
			SelectAll:           true,
			ShowDate:            true,
		},
		Analytics: AnalyticsConfig{
			PostHogHost: "https://eu.i.posthog.com",
		},
	}
}

// flatten lists every setting under its dotted viper key
func flatten(s *Settings) map[string]any {
	return map[string]any{
		"logger.level":                  s.Logger.Level,
		"logger.console":                s.Logger.Console,
		"service.baseUrl":               s.Service.BaseURL,
		"service.authToken":             s.Service.AuthToken,
		"service.timeoutSec":            s.Service.TimeoutSec,
		"ratelimit.initialDelayMs":      s.RateLimit.InitialDelayMs,
		"ratelimit.minDelayMs":          s.RateLimit.MinDelayMs,
		"ratelimit.maxDelayMs":          s.RateLimit.MaxDelayMs,
		"cache.enabled":                 s.Cache.Enabled,
		"cache.sizeMB":                  s.Cache.SizeMB,
		"cache.ttlSec":                  s.Cache.TTLSec,
		"metrics.enabled":               s.Metrics.Enabled,
		"metrics.listen":                s.Metrics.Listen,
		"timelapse.fps":                 s.Timelapse.FPS,
		"timelapse.format":              s.Timelapse.Format,
		"timelapse.transition":          s.Timelapse.Transition,
		"timelapse.fadeDuration":        s.Timelapse.FadeDuration,
		"timelapse.delayLastFrame":      s.Timelapse.DelayLastFrame,
		"timelapse.width":               s.Timelapse.Width,
		"timelapse.height":              s.Timelapse.Height,
		"timelapse.maxCCPercentAllowed": s.Timelapse.MaxCCPercentAllowed,
		"timelapse.minCoverageAllowed":  s.Timelapse.MinCoverageAllowed,
		"timelapse.selectAll":           s.Timelapse.SelectAll,
		"timelapse.months":              s.Timelapse.Months,
		"timelapse.orbitPeriod":         s.Timelapse.OrbitPeriod,
		"timelapse.showDate":            s.Timelapse.ShowDate,
		"analytics.posthogKey":          s.Analytics.PostHogKey,
		"analytics.posthogHost":         s.Analytics.PostHogHost,
	}
}

// flag name -> viper key
var flagKeys = map[string]string{
	"log-level":    "logger.level",
	"service-url":  "service.baseUrl",
	"token":        "service.authToken",
	"fps":          "timelapse.fps",
	"format":       "timelapse.format",
	"transition":   "timelapse.transition",
	"width":        "timelapse.width",
	"height":       "timelapse.height",
	"max-cc":       "timelapse.maxCCPercentAllowed",
	"min-coverage": "timelapse.minCoverageAllowed",
	"orbit":        "timelapse.orbitPeriod",
}

// Load reads settings from path (YAML), environment and flags.
// A missing file yields defaults; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	for key, val := range flatten(DefaultSettings()) {
		v.SetDefault(key, val)
	}

	v.BindEnv("logger.level", "EOTL_LOG_LEVEL")
	v.BindEnv("service.baseUrl", "EOTL_SERVICE_URL")
	v.BindEnv("service.authToken", "EOTL_AUTH_TOKEN")
	v.BindEnv("cache.sizeMB", "EOTL_CACHE_SIZE")
	v.BindEnv("timelapse.fps", "EOTL_FPS")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// If the file doesn't exist, defaults/env/flags apply
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read settings file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat settings file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("unable to decode into settings struct: %w", err)
	}

	if err := Validate(&settings); err != nil {
		return nil, err
	}

	return &settings, nil
}

// Save writes settings to path as YAML
func Save(path string, settings *Settings) error {
	if err := Validate(settings); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	v := viper.New()
	for key, val := range flatten(settings) {
		v.Set(key, val)
	}
	v.SetConfigType("yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// Validate checks field constraints declared in struct tags
func Validate(settings *Settings) error {
	v := validate.Struct(settings)
	if !v.Validate() {
		return fmt.Errorf("invalid settings: %w", v.Errors)
	}
	if settings.RateLimit.MinDelayMs > settings.RateLimit.MaxDelayMs {
		return fmt.Errorf("invalid settings: ratelimit.minDelayMs exceeds ratelimit.maxDelayMs")
	}
	for _, m := range settings.Timelapse.Months {
		if m < 1 || m > 12 {
			return fmt.Errorf("invalid settings: month %d out of range", m)
		}
	}
	return nil
}

// SelectedMonths converts the month filter to time.Month values
func (t TimelapseConfig) SelectedMonths() []time.Month {
	months := make([]time.Month, 0, len(t.Months))
	for _, m := range t.Months {
		months = append(months, time.Month(m))
	}
	return months
}

// Timeout returns the service timeout as a duration
func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// ResetFilters restores the cloud and coverage thresholds to their defaults
func (t *TimelapseConfig) ResetFilters() {
	d := DefaultSettings().Timelapse
	t.MaxCCPercentAllowed = d.MaxCCPercentAllowed
	t.MinCoverageAllowed = d.MinCoverageAllowed
}
