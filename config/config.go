// Package config holds the scanner's immutable runtime configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Perceptus-Labs/sos-scanner/guardrails"
	"github.com/Perceptus-Labs/sos-scanner/models"
)

// ConfirmPolicy decides which labels a confirmation action may carry.
type ConfirmPolicy string

const (
	// ConfirmCandidates only accepts labels from the current candidate set.
	ConfirmCandidates ConfirmPolicy = "candidates"
	// ConfirmAny accepts any non-empty label.
	ConfirmAny ConfirmPolicy = "any"
)

// Facing is the preferred camera orientation.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

type Config struct {
	Endpoint            string        `yaml:"endpoint"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	AllowedLabels       []string      `yaml:"allowed_labels"`
	MaxCandidates       int           `yaml:"max_candidates"`
	Interval            time.Duration `yaml:"interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	JPEGQuality         int           `yaml:"jpeg_quality"`
	DefaultWidth        int           `yaml:"default_width"`
	DefaultHeight       int           `yaml:"default_height"`
	ConfirmPolicy       ConfirmPolicy `yaml:"confirm_policy"`
	DiscardStale        *bool         `yaml:"discard_stale"`
	Port                string        `yaml:"port"`
	LogLevel            string        `yaml:"log_level"`

	Camera     CameraConfig                   `yaml:"camera"`
	Redis      RedisConfig                    `yaml:"redis"`
	Placements map[string]models.CatalogEntry `yaml:"placements"`
}

// CameraConfig selects the capture device.
type CameraConfig struct {
	// Device overrides the facing lookup when set (e.g. "/dev/video2" or "0").
	Device         string            `yaml:"device"`
	Facing         Facing            `yaml:"facing"`
	Devices        map[Facing]string `yaml:"devices"`
	AcquireTimeout time.Duration     `yaml:"acquire_timeout"`
}

// RedisConfig configures the optional state fan-out and placement catalog.
// An empty Addr disables redis.
type RedisConfig struct {
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	ChannelPrefix   string `yaml:"channel_prefix"`
	PlacementPrefix string `yaml:"placement_prefix"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	discard := true
	return Config{
		Endpoint:            "http://localhost:8000/detect",
		ConfidenceThreshold: guardrails.DefaultConfidenceThreshold,
		AllowedLabels:       append([]string(nil), guardrails.DefaultAllowedLabels...),
		MaxCandidates:       guardrails.DefaultMaxCandidates,
		Interval:            1500 * time.Millisecond,
		RequestTimeout:      30 * time.Second,
		JPEGQuality:         70,
		DefaultWidth:        640,
		DefaultHeight:       480,
		ConfirmPolicy:       ConfirmCandidates,
		DiscardStale:        &discard,
		Port:                "8080",
		LogLevel:            "info",
		Camera: CameraConfig{
			Facing: FacingEnvironment,
			Devices: map[Facing]string{
				FacingEnvironment: "0",
				FacingUser:        "1",
			},
			AcquireTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			ChannelPrefix:   "scanner",
			PlacementPrefix: "placement",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// .env file and the process environment, in increasing priority.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("No .env file loaded", zap.Error(err))
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SCANNER_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("SCANNER_CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SCANNER_CONFIDENCE_THRESHOLD: %w", err)
		}
		c.ConfidenceThreshold = f
	}
	if v := os.Getenv("SCANNER_ALLOWED_LABELS"); v != "" {
		c.AllowedLabels = splitList(v)
	}
	if v := os.Getenv("SCANNER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SCANNER_INTERVAL: %w", err)
		}
		c.Interval = d
	}
	if v := os.Getenv("SCANNER_CONFIRM_POLICY"); v != "" {
		c.ConfirmPolicy = ConfirmPolicy(v)
	}
	if v := os.Getenv("SCANNER_CAMERA_DEVICE"); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv("SCANNER_FACING"); v != "" {
		c.Camera.Facing = Facing(v)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize fills zero values left by a partial YAML file.
func (c *Config) Normalize() {
	d := Default()
	if c.MaxCandidates == 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.DefaultWidth == 0 || c.DefaultHeight == 0 {
		c.DefaultWidth, c.DefaultHeight = d.DefaultWidth, d.DefaultHeight
	}
	if c.ConfirmPolicy == "" {
		c.ConfirmPolicy = d.ConfirmPolicy
	}
	if c.DiscardStale == nil {
		c.DiscardStale = d.DiscardStale
	}
	if c.Camera.Facing == "" {
		c.Camera.Facing = d.Camera.Facing
	}
	if c.Camera.Devices == nil {
		c.Camera.Devices = d.Camera.Devices
	}
	if c.Camera.AcquireTimeout == 0 {
		c.Camera.AcquireTimeout = d.Camera.AcquireTimeout
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = d.Redis.ChannelPrefix
	}
	if c.Redis.PlacementPrefix == "" {
		c.Redis.PlacementPrefix = d.Redis.PlacementPrefix
	}
	if c.Port == "" {
		c.Port = d.Port
	}
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint must be an absolute http(s) URL, got %q", c.Endpoint))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if len(c.AllowedLabels) == 0 {
		errs = append(errs, errors.New("allowed_labels must not be empty"))
	}
	if c.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("max_candidates must be >= 1, got %d", c.MaxCandidates))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be within [1,100], got %d", c.JPEGQuality))
	}
	if c.DefaultWidth < 1 || c.DefaultHeight < 1 {
		errs = append(errs, fmt.Errorf("default size must be positive, got %dx%d", c.DefaultWidth, c.DefaultHeight))
	}
	switch c.ConfirmPolicy {
	case ConfirmCandidates, ConfirmAny:
	default:
		errs = append(errs, fmt.Errorf("confirm_policy must be %q or %q, got %q", ConfirmCandidates, ConfirmAny, c.ConfirmPolicy))
	}
	switch c.Camera.Facing {
	case FacingEnvironment, FacingUser:
	default:
		errs = append(errs, fmt.Errorf("camera.facing must be %q or %q, got %q", FacingEnvironment, FacingUser, c.Camera.Facing))
	}

	return errors.Join(errs...)
}

// Policy returns the guardrail policy described by the configuration.
func (c Config) Policy() guardrails.Policy {
	return guardrails.NewPolicy(c.ConfidenceThreshold, c.AllowedLabels, c.MaxCandidates)
}

// ShouldDiscardStale reports whether out-of-order cycle results are dropped.
func (c Config) ShouldDiscardStale() bool {
	return c.DiscardStale == nil || *c.DiscardStale
}

// CameraDevice resolves the device identifier for the configured facing.
func (c Config) CameraDevice() string {
	if c.Camera.Device != "" {
		return c.Camera.Device
	}
	if d, ok := c.Camera.Devices[c.Camera.Facing]; ok && d != "" {
		return d
	}
	return "0"
}
