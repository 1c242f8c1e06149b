// Package config loads roomshare settings from an optional YAML file and
// ROOMSHARE_* environment variables, then fills defaults and validates.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"roomshare/internal/validate"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMSHARE_"

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	WSPath      string `yaml:"ws_path"`
	PublicURL   string `yaml:"public_url"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`

	// TrustedProxies lists peers (IPs or CIDRs) whose X-Forwarded-For
	// header is honored. Empty means the socket peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// StorageConfig holds the file catalog DSN and the blob directory.
type StorageConfig struct {
	DSN       string `yaml:"dsn"`
	UploadDir string `yaml:"upload_dir"`
}

// RoomsConfig tunes the room directory.
type RoomsConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
	MaxMessages int           `yaml:"max_messages"`
	InactiveTTL time.Duration `yaml:"inactive_ttl"`
	EventBuffer int           `yaml:"event_buffer"`
}

// SharesConfig tunes the share registry.
type SharesConfig struct {
	DefaultExpiryDays int           `yaml:"default_expiry_days"`
	LogRetention      time.Duration `yaml:"log_retention"`
}

// AdmissionConfig tunes download admission.
type AdmissionConfig struct {
	MaxStreams           int           `yaml:"max_streams"`
	BandwidthMB          int64         `yaml:"bandwidth_mb"`
	BandwidthWindow      time.Duration `yaml:"bandwidth_window"`
	BandwidthIdle        time.Duration `yaml:"bandwidth_idle"`
	GeneralPerMinute     int           `yaml:"general_per_minute"`
	StrictPerMinute      int           `yaml:"strict_per_minute"`
	ShareCreatePerMinute int           `yaml:"share_create_per_minute"`
	DownloadPerMinute    int           `yaml:"download_per_minute"`
}

// MaintenanceConfig holds cron specs for the periodic sweeps.
type MaintenanceConfig struct {
	RoomSweep      string `yaml:"room_sweep"`
	ShareSweep     string `yaml:"share_sweep"`
	AdmissionSweep string `yaml:"admission_sweep"`
}

// Config mirrors roomshare.yaml.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	Storage     StorageConfig     `yaml:"storage"`
	Rooms       RoomsConfig       `yaml:"rooms"`
	Shares      SharesConfig      `yaml:"shares"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// Default returns a fully populated config.
func Default() Config {
	var c Config
	applyDefaults(&c)
	return c
}

// Load reads path when non-empty, overlays the environment, applies
// defaults and validates.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&c, os.LookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyEnv overlays ROOMSHARE_* variables found by lookup onto c.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	list := func(name string, dst *[]string) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("ADDR", &c.HTTP.Addr)
	str("PATH", &c.HTTP.WSPath)
	str("PUBLIC_URL", &c.HTTP.PublicURL)
	list("TRUSTED_PROXIES", &c.HTTP.TrustedProxies)
	integer64("MAX_UPLOAD_MB", &c.HTTP.MaxUploadMB)
	str("DB_DSN", &c.Storage.DSN)
	str("UPLOAD_DIR", &c.Storage.UploadDir)
	duration("GRACE_PERIOD", &c.Rooms.GracePeriod)
	integer("MAX_MESSAGES", &c.Rooms.MaxMessages)
	duration("INACTIVE_TTL", &c.Rooms.InactiveTTL)
	integer("SHARE_EXPIRY_DAYS", &c.Shares.DefaultExpiryDays)
	integer("MAX_STREAMS", &c.Admission.MaxStreams)
	integer64("BANDWIDTH_MB", &c.Admission.BandwidthMB)
	integer("DOWNLOADS_PER_MINUTE", &c.Admission.DownloadPerMinute)
	str("ROOM_SWEEP", &c.Maintenance.RoomSweep)
	str("SHARE_SWEEP", &c.Maintenance.ShareSweep)
	str("ADMISSION_SWEEP", &c.Maintenance.AdmissionSweep)
	return errors.Join(errs...)
}

func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.WSPath == "" {
		c.HTTP.WSPath = "/join"
	}
	if c.HTTP.WSPath[0] != '/' {
		c.HTTP.WSPath = "/" + c.HTTP.WSPath
	}
	if c.HTTP.MaxUploadMB == 0 {
		c.HTTP.MaxUploadMB = 100
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "file:roomshare?mode=memory&cache=shared"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = filepath.Join(os.TempDir(), "roomshare-uploads")
	}
	if c.Rooms.GracePeriod == 0 {
		c.Rooms.GracePeriod = 30 * time.Second
	}
	if c.Rooms.MaxMessages == 0 {
		c.Rooms.MaxMessages = 1000
	}
	if c.Rooms.InactiveTTL == 0 {
		c.Rooms.InactiveTTL = 24 * time.Hour
	}
	if c.Rooms.EventBuffer == 0 {
		c.Rooms.EventBuffer = 256
	}
	if c.Shares.DefaultExpiryDays == 0 {
		c.Shares.DefaultExpiryDays = 7
	}
	if c.Shares.LogRetention == 0 {
		c.Shares.LogRetention = 30 * 24 * time.Hour
	}
	if c.Admission.MaxStreams == 0 {
		c.Admission.MaxStreams = 100
	}
	if c.Admission.BandwidthMB == 0 {
		c.Admission.BandwidthMB = 500
	}
	if c.Admission.BandwidthWindow == 0 {
		c.Admission.BandwidthWindow = 60 * time.Second
	}
	if c.Admission.BandwidthIdle == 0 {
		c.Admission.BandwidthIdle = 120 * time.Second
	}
	if c.Admission.GeneralPerMinute == 0 {
		c.Admission.GeneralPerMinute = 120
	}
	if c.Admission.StrictPerMinute == 0 {
		c.Admission.StrictPerMinute = 20
	}
	if c.Admission.ShareCreatePerMinute == 0 {
		c.Admission.ShareCreatePerMinute = 30
	}
	if c.Admission.DownloadPerMinute == 0 {
		c.Admission.DownloadPerMinute = 60
	}
	if c.Maintenance.RoomSweep == "" {
		c.Maintenance.RoomSweep = "@every 5m"
	}
	if c.Maintenance.ShareSweep == "" {
		c.Maintenance.ShareSweep = "@every 1h"
	}
	if c.Maintenance.AdmissionSweep == "" {
		c.Maintenance.AdmissionSweep = "@every 1m"
	}
}

// Validate checks ranges. It does not mutate c.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.New("log.format must be text or json")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.MaxUploadMB < 1 || c.HTTP.MaxUploadMB > 10240 {
		return errors.New("http.max_upload_mb is invalid")
	}
	if _, err := validate.Networks(c.HTTP.TrustedProxies); err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}
	if c.Rooms.GracePeriod < 0 {
		return errors.New("rooms.grace_period must not be negative")
	}
	if c.Rooms.MaxMessages < 5 {
		return errors.New("rooms.max_messages must be at least 5")
	}
	if c.Rooms.InactiveTTL < time.Minute {
		return errors.New("rooms.inactive_ttl must be at least 1m")
	}
	if c.Shares.DefaultExpiryDays < 1 || c.Shares.DefaultExpiryDays > 30 {
		return errors.New("shares.default_expiry_days must be between 1 and 30")
	}
	if c.Admission.MaxStreams < 1 {
		return errors.New("admission.max_streams must be positive")
	}
	if c.Admission.BandwidthMB < 1 {
		return errors.New("admission.bandwidth_mb must be positive")
	}
	for name, v := range map[string]int{
		"general_per_minute":      c.Admission.GeneralPerMinute,
		"strict_per_minute":       c.Admission.StrictPerMinute,
		"share_create_per_minute": c.Admission.ShareCreatePerMinute,
		"download_per_minute":     c.Admission.DownloadPerMinute,
	} {
		if v < 1 {
			return fmt.Errorf("admission.%s must be positive", name)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.HTTP.MaxUploadMB << 20
}

// BandwidthBytes returns the per-window byte budget.
func (c Config) BandwidthBytes() int64 {
	return c.Admission.BandwidthMB << 20
}
