package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LIVECHAT_"

const (
	defaultReconnectDelay         = 2 * time.Second
	defaultAckTimeout             = 5 * time.Second
	defaultCaptureLimit           = 60 * time.Second
	defaultInactivityTimeout      = 30 * time.Second
	defaultUploadRetries          = 3
	defaultUploadRetryDelay       = 2 * time.Second
	defaultRecognizerRestartDelay = 300 * time.Millisecond
	defaultRecognizerMaxRestarts  = 3
	defaultInterimInterval        = 250 * time.Millisecond
	defaultCaptionGrace           = 1500 * time.Millisecond
	defaultWindowSize             = 6
	defaultWindowStep             = 6
)

// Duration parses YAML strings like "250ms" or plain numbers as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

type Config struct {
	ServerURL              string   `yaml:"server_url"`
	ChannelURL             string   `yaml:"channel_url"`
	Token                  string   `yaml:"token"`
	SettingsDir            string   `yaml:"settings_dir"`
	BillingMode            string   `yaml:"billing_mode"`
	ReconnectDelay         Duration `yaml:"reconnect_delay"`
	AckTimeout             Duration `yaml:"ack_timeout"`
	CaptureLimit           Duration `yaml:"capture_limit"`
	InactivityTimeout      Duration `yaml:"inactivity_timeout"`
	UploadRetries          int      `yaml:"upload_retries"`
	UploadRetryDelay       Duration `yaml:"upload_retry_delay"`
	RecognizerRestartDelay Duration `yaml:"recognizer_restart_delay"`
	RecognizerMaxRestarts  int      `yaml:"recognizer_max_restarts"`
	InterimInterval        Duration `yaml:"interim_interval"`
	CaptionGrace           Duration `yaml:"caption_grace"`
	WindowSize             int      `yaml:"window_size"`
	WindowStep             int      `yaml:"window_step"`
}

// NewConfig builds a validated config with defaults for every timing knob.
func NewConfig(serverURL, channelURL, token string) (*Config, error) {
	cfg := &Config{
		ServerURL:  serverURL,
		ChannelURL: channelURL,
		Token:      token,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads an optional env file and an optional YAML file, then applies
// LIVECHAT_* environment overrides and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
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

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SERVER_URL":   &c.ServerURL,
		"CHANNEL_URL":  &c.ChannelURL,
		"TOKEN":        &c.Token,
		"SETTINGS_DIR": &c.SettingsDir,
		"BILLING_MODE": &c.BillingMode,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"RECONNECT_DELAY":    &c.ReconnectDelay,
		"ACK_TIMEOUT":        &c.AckTimeout,
		"CAPTURE_LIMIT":      &c.CaptureLimit,
		"INACTIVITY_TIMEOUT": &c.InactivityTimeout,
		"UPLOAD_RETRY_DELAY": &c.UploadRetryDelay,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "UPLOAD_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sUPLOAD_RETRIES: %w", envPrefix, err)
		}
		c.UploadRetries = n
	}
	return nil
}

// Validate fills missing defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if c.ChannelURL == "" {
		return fmt.Errorf("channel url cannot be empty")
	}
	u, err := url.Parse(c.ChannelURL)
	if err != nil {
		return fmt.Errorf("parse channel url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("channel url must use ws or wss, got %q", u.Scheme)
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("upload retries cannot be negative")
	}
	if c.WindowSize < 0 || c.WindowStep < 0 {
		return fmt.Errorf("window size and step cannot be negative")
	}

	setDuration(&c.ReconnectDelay, defaultReconnectDelay)
	setDuration(&c.AckTimeout, defaultAckTimeout)
	setDuration(&c.CaptureLimit, defaultCaptureLimit)
	setDuration(&c.InactivityTimeout, defaultInactivityTimeout)
	setDuration(&c.UploadRetryDelay, defaultUploadRetryDelay)
	setDuration(&c.RecognizerRestartDelay, defaultRecognizerRestartDelay)
	setDuration(&c.InterimInterval, defaultInterimInterval)
	setDuration(&c.CaptionGrace, defaultCaptionGrace)
	if c.UploadRetries == 0 {
		c.UploadRetries = defaultUploadRetries
	}
	if c.RecognizerMaxRestarts <= 0 {
		c.RecognizerMaxRestarts = defaultRecognizerMaxRestarts
	}
	if c.WindowSize == 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.WindowStep == 0 {
		c.WindowStep = defaultWindowStep
	}
	return nil
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}
