// Package config manages gt06d daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables. In addition to the
// GT06D_-prefixed variables, the four plain names TCP_PORT, HTTP_PORT,
// LOG_LEVEL and LOG_FORMAT are honored for compatibility with existing
// deployments.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gt06d configuration.
type Config struct {
	Device   DeviceConfig   `koanf:"device"`
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	GT06     GT06Config     `koanf:"gt06"`
	Dispatch DispatchConfig `koanf:"dispatch"`
}

// DeviceConfig holds the device-facing TCP listener configuration.
type DeviceConfig struct {
	// Addr is the TCP listen address for tracker connections (e.g., ":5000").
	Addr string `koanf:"addr"`

	// ReadTimeout is the idle read deadline for device sockets. A tracker
	// that stays silent longer than this is disconnected.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// HTTPConfig holds the observer-facing HTTP/websocket configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8081"). Serves the
	// observer page on /, the websocket channel on /ws.
	Addr string `koanf:"addr"`

	// StaticDir optionally serves additional static files for paths other
	// than / and /ws. Empty disables it.
	StaticDir string `koanf:"static_dir"`

	// ReadTimeout is the idle deadline for observer websockets. Observers
	// are interactive and get a longer leash than devices; liveness is
	// maintained with ping/pong.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "console".
	Format string `koanf:"format"`
}

// GT06Config holds protocol knobs that vary between device families.
type GT06Config struct {
	// HemisphereFlags selects flag-bit S/W hemisphere decoding instead of
	// trusting the signed 32-bit coordinate values. Leave false unless the
	// deployed tracker fleet is known to encode hemispheres via the
	// course/status word.
	HemisphereFlags bool `koanf:"hemisphere_flags"`

	// StrictCRC drops frames whose CRC does not verify. Default is
	// lenient because clone devices commonly ship broken CRC firmware;
	// mismatches are still logged and counted.
	StrictCRC bool `koanf:"strict_crc"`
}

// DispatchConfig holds the per-device queue configuration.
type DispatchConfig struct {
	// QueueCap bounds each per-IMEI queue. On overflow the oldest pending
	// update is dropped (and counted). 0 means unbounded.
	QueueCap int `koanf:"queue_cap"`

	// DrainTimeout bounds the shutdown wait for in-flight queue drains.
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Addr:        ":5000",
			ReadTimeout: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:        ":8081",
			ReadTimeout: 15 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatchConfig{
			QueueCap:     1024,
			DrainTimeout: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gt06d configuration.
// Variables are named GT06D_<section>_<key>, e.g., GT06D_DEVICE_ADDR.
const envPrefix = "GT06D_"

// Load reads configuration from a YAML file at path (skipped when path is
// empty), overlays GT06D_ environment overrides, then the plain legacy
// variables, all on top of DefaultConfig(). Missing fields inherit
// defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GT06D_DEVICE_ADDR -> device.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	// Legacy plain variables take final precedence.
	loadLegacyEnv(k)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GT06D_DEVICE_ADDR -> device.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadLegacyEnv applies TCP_PORT, HTTP_PORT, LOG_LEVEL and LOG_FORMAT.
// Port variables carry a bare port number.
func loadLegacyEnv(k *koanf.Koanf) {
	if v := os.Getenv("TCP_PORT"); v != "" {
		_ = k.Set("device.addr", ":"+v)
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		_ = k.Set("http.addr", ":"+v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = k.Set("log.level", strings.ToLower(v))
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		_ = k.Set("log.format", strings.ToLower(v))
	}
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"device.addr":            defaults.Device.Addr,
		"device.read_timeout":    defaults.Device.ReadTimeout.String(),
		"http.addr":              defaults.HTTP.Addr,
		"http.static_dir":        defaults.HTTP.StaticDir,
		"http.read_timeout":      defaults.HTTP.ReadTimeout.String(),
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"gt06.hemisphere_flags":  defaults.GT06.HemisphereFlags,
		"gt06.strict_crc":        defaults.GT06.StrictCRC,
		"dispatch.queue_cap":     defaults.Dispatch.QueueCap,
		"dispatch.drain_timeout": defaults.Dispatch.DrainTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDeviceAddr indicates the device listen address is empty.
	ErrEmptyDeviceAddr = errors.New("device.addr must not be empty")

	// ErrEmptyHTTPAddr indicates the HTTP listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrInvalidReadTimeout indicates a non-positive read timeout.
	ErrInvalidReadTimeout = errors.New("read_timeout must be > 0")

	// ErrInvalidQueueCap indicates a negative queue cap.
	ErrInvalidQueueCap = errors.New("dispatch.queue_cap must be >= 0")

	// ErrInvalidLogLevel indicates an unrecognized log level.
	ErrInvalidLogLevel = errors.New("log.level must be one of debug, info, warn, error")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or console")
)

// Validate checks the configuration for structural errors.
func Validate(cfg *Config) error {
	if cfg.Device.Addr == "" {
		return ErrEmptyDeviceAddr
	}
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}
	if cfg.Device.ReadTimeout <= 0 || cfg.HTTP.ReadTimeout <= 0 {
		return ErrInvalidReadTimeout
	}
	if cfg.Dispatch.QueueCap < 0 {
		return ErrInvalidQueueCap
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%q: %w", cfg.Log.Level, ErrInvalidLogLevel)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("%q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}
	return nil
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel maps a config string to a slog.Level. Unrecognized values
// fall back to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the log configuration. The
// "console" format maps to slog's text handler.
func NewLogger(cfg LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "console", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
}
