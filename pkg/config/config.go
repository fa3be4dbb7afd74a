// Package config loads and validates the TOML configuration file described
// in spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// defaultPath is the canonical on-disk location per spec.md §6.
const defaultPath = "/etc/aa-proxy-rs/config.toml"

// searchPaths are tried in order when no explicit --config path is given.
var searchPaths = []string{
	"./config.toml",
	"./aa-proxy-rs.toml",
	defaultPath,
}

// MITM holds the interceptor's PEM material and toggles.
type MITM struct {
	Enabled bool `toml:"enabled"`

	HUCert      string `toml:"hu_cert" validate:"required_if=Enabled true"`
	HUKey       string `toml:"hu_key" validate:"required_if=Enabled true"`
	MDCert      string `toml:"md_cert" validate:"required_if=Enabled true"`
	MDKey       string `toml:"md_key" validate:"required_if=Enabled true"`
	GalrootCert string `toml:"galroot_cert" validate:"required_if=Enabled true"`

	DPI              bool `toml:"dpi"`
	DPIDensity       int  `toml:"dpi_density" validate:"omitempty,min=80,max=640"`
	RemoveTapLock    bool `toml:"remove_tap_restriction"`
	DisableMediaSink bool `toml:"disable_media_sink"`
	DisableTTSSink   bool `toml:"disable_tts_sink"`
	VideoInMotion    bool `toml:"video_in_motion"`
	DeveloperMode    bool `toml:"developer_mode"`

	EV       bool   `toml:"ev"`
	EVScript string `toml:"ev_script" validate:"required_if=EV true"`
}

// Config is the full set of recognized TOML keys from spec.md §6.
type Config struct {
	Advertise    bool   `toml:"advertise"`
	BTAlias      string `toml:"btalias" validate:"required"`
	Connect      string `toml:"connect"`
	Debug        bool   `toml:"debug"`
	HostapdConf  string `toml:"hostapd_conf" validate:"required"`
	Iface        string `toml:"iface" validate:"required"`
	Keepalive    bool   `toml:"keepalive"`
	Legacy       bool   `toml:"legacy"`
	Logfile      string `toml:"logfile"`
	StatsInterval uint32 `toml:"stats_interval"`
	TimeoutSecs  uint32 `toml:"timeout_secs" validate:"min=1"`
	UDC          string `toml:"udc"`

	MITM MITM `toml:"mitm"`
}

// Load reads configuration from path, or from the first hit in searchPaths,
// or returns DefaultConfig if nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as TOML to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultPath returns the canonical configuration file location.
func DefaultPath() string { return defaultPath }

// DefaultConfig returns the configuration used when no file is found, and
// the starting point for --generate-system-config.
func DefaultConfig() *Config {
	return &Config{
		Advertise:     false,
		BTAlias:       "AndroidAuto-Proxy",
		Connect:       "",
		Debug:         false,
		HostapdConf:   "/etc/hostapd.conf",
		Iface:         "wlan0",
		Keepalive:     false,
		Legacy:        false,
		Logfile:       "",
		StatsInterval: 10,
		TimeoutSecs:   5,
		UDC:           "",
		MITM: MITM{
			Enabled:    false,
			DPIDensity: 160,
		},
	}
}
