package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DefaultWHEPURL     = "https://rpi.local:8889/feed/whep"
	DefaultDeviceURL   = "https://rpi.local:8080"
	DefaultSTUNURL     = "stun:stun.l.google.com:19302"
	DefaultControlAddr = "127.0.0.1:8090"
	DefaultSettingsRPS = 2
)

// Config holds the application configuration.
type Config struct {
	WHEPURL       string   `yaml:"whep_url"`
	DeviceURL     string   `yaml:"device_url"`
	STUNURLs      []string `yaml:"stun_urls"`
	InsecureTLS   bool     `yaml:"insecure_tls"`
	RecordingsDir string   `yaml:"recordings_dir"`
	// ControlAddr is the control API listen address; empty disables it.
	ControlAddr string   `yaml:"control_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	// AudioOut is an optional file or FIFO receiving Ogg/Opus audio.
	AudioOut    string  `yaml:"audio_out"`
	LogLevel    string  `yaml:"log_level"`
	LogFormat   string  `yaml:"log_format"`
	Autostart   bool    `yaml:"autostart"`
	SettingsRPS float64 `yaml:"settings_rps"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		WHEPURL:       DefaultWHEPURL,
		DeviceURL:     DefaultDeviceURL,
		STUNURLs:      []string{DefaultSTUNURL},
		RecordingsDir: ".",
		ControlAddr:   DefaultControlAddr,
		LogLevel:      "info",
		LogFormat:     "console",
		SettingsRPS:   DefaultSettingsRPS,
	}
}

// Load reads configuration from a .env file (if present), an optional YAML
// file named by FEEDVIEW_CONFIG and environment variables, in increasing
// precedence. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("FEEDVIEW_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitList(v)
		}
	}

	str("FEEDVIEW_WHEP_URL", &c.WHEPURL)
	str("FEEDVIEW_DEVICE_URL", &c.DeviceURL)
	list("FEEDVIEW_STUN_URLS", &c.STUNURLs)
	str("FEEDVIEW_RECORDINGS_DIR", &c.RecordingsDir)
	str("FEEDVIEW_CONTROL_ADDR", &c.ControlAddr)
	list("FEEDVIEW_CORS_ORIGINS", &c.CORSOrigins)
	str("FEEDVIEW_AUDIO_OUT", &c.AudioOut)
	str("FEEDVIEW_LOG_LEVEL", &c.LogLevel)
	str("FEEDVIEW_LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*bool{
		"FEEDVIEW_INSECURE_TLS": &c.InsecureTLS,
		"FEEDVIEW_AUTOSTART":    &c.Autostart,
	} {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v, ok := os.LookupEnv("FEEDVIEW_SETTINGS_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FEEDVIEW_SETTINGS_RPS: %w", err)
		}
		c.SettingsRPS = f
	}
	return nil
}

// splitList splits a "|"-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, "|") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validateHTTPURL(c.WHEPURL); err != nil {
		errs = append(errs, fmt.Errorf("whep url: %w", err))
	}
	if err := validateHTTPURL(c.DeviceURL); err != nil {
		errs = append(errs, fmt.Errorf("device url: %w", err))
	}
	if len(c.STUNURLs) == 0 {
		errs = append(errs, errors.New("ice servers: at least one stun or turn url is required"))
	}
	for _, u := range c.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
			!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("ice server %q: want stun:, stuns:, turn: or turns: scheme", u))
		}
	}
	if c.RecordingsDir == "" {
		errs = append(errs, errors.New("recordings dir is empty"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log level %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want console or json", c.LogFormat))
	}
	if c.SettingsRPS < 0 {
		errs = append(errs, fmt.Errorf("settings rps %v is negative", c.SettingsRPS))
	}
	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: want http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}
