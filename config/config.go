package config

import (
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "zecret"
	// EnvPrefix prefixes every environment override, e.g. ZECRET_API_BASE_URL.
	EnvPrefix = "ZECRET"

	DefaultAPIBaseURL       = "http://localhost:5000"
	DefaultPushPath         = "/ws"
	DefaultPageSize         = 20
	DefaultTimestampPrefix  = 16
	DefaultPresenceInterval = 30 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
	DefaultLogLevel         = "info"

	// configFileName is the persisted configuration file.
	configFileName  = "config.json"
	archiveFileName = "archive.db"
	// timestampLayoutLen is the length of the envelope timestamp layout.
	timestampLayoutLen = len("2006-01-02T15:04:05.000Z")
)

const (
	keyAPIBaseURL        = "api_base_url"
	keyPushURL           = "push_url"
	keyPageSize          = "page_size"
	keyTimestampPrefix   = "timestamp_prefix"
	keyPresenceInterval  = "presence_interval"
	keyRequestTimeout    = "request_timeout"
	keyRequestsPerSecond = "requests_per_second"
	keyArchivePath       = "archive_path"
	keyLogLevel          = "log_level"
)

// Config holds engine settings.
type Config struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	// PushURL defaults to the API base with a ws scheme and DefaultPushPath.
	PushURL          string        `mapstructure:"push_url"`
	PageSize         int           `mapstructure:"page_size"`
	TimestampPrefix  int           `mapstructure:"timestamp_prefix"`
	PresenceInterval time.Duration `mapstructure:"presence_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	// RequestsPerSecond caps API calls; zero means unlimited.
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	// ArchivePath is the sent-message archive. Empty disables it.
	ArchivePath string `mapstructure:"archive_path"`
	LogLevel    string `mapstructure:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ZECRET_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user home")
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(keyAPIBaseURL, DefaultAPIBaseURL)
	v.SetDefault(keyPushURL, "")
	v.SetDefault(keyPageSize, DefaultPageSize)
	v.SetDefault(keyTimestampPrefix, DefaultTimestampPrefix)
	v.SetDefault(keyPresenceInterval, DefaultPresenceInterval)
	v.SetDefault(keyRequestTimeout, DefaultRequestTimeout)
	v.SetDefault(keyRequestsPerSecond, 0)
	v.SetDefault(keyArchivePath, "")
	v.SetDefault(keyLogLevel, DefaultLogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, if any, applies ZECRET_ environment
// overrides and repairs invalid values. A missing file yields defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	normalizeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path. The format follows the file extension.
func Save(path string, cfg *Config) error {
	v := viper.New()
	v.Set(keyAPIBaseURL, cfg.APIBaseURL)
	v.Set(keyPushURL, cfg.PushURL)
	v.Set(keyPageSize, cfg.PageSize)
	v.Set(keyTimestampPrefix, cfg.TimestampPrefix)
	v.Set(keyPresenceInterval, cfg.PresenceInterval.String())
	v.Set(keyRequestTimeout, cfg.RequestTimeout.String())
	v.Set(keyRequestsPerSecond, cfg.RequestsPerSecond)
	v.Set(keyArchivePath, cfg.ArchivePath)
	v.Set(keyLogLevel, cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// LoadOrCreate ensures the data directory and config file exist, then
// returns the loaded config and its path.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrapf(err, "create directory %q", dataDir)
	}

	cfgPath := ConfigPath(dataDir)
	_, statErr := os.Stat(cfgPath)
	exists := statErr == nil

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		if cfg.ArchivePath == "" {
			cfg.ArchivePath = filepath.Join(dataDir, archiveFileName)
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// Validate checks the values normalizeDefaults cannot repair.
func (c *Config) Validate() error {
	base, err := url.Parse(c.APIBaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return errors.Errorf("config: invalid api_base_url %q", c.APIBaseURL)
	}
	push, err := url.Parse(c.PushURL)
	if err != nil || (push.Scheme != "ws" && push.Scheme != "wss") || push.Host == "" {
		return errors.Errorf("config: invalid push_url %q", c.PushURL)
	}
	return nil
}

// NewLogger returns a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
		updated = true
	}
	if trimmed := strings.TrimRight(cfg.APIBaseURL, "/"); trimmed != cfg.APIBaseURL {
		cfg.APIBaseURL = trimmed
		updated = true
	}

	if strings.TrimSpace(cfg.PushURL) == "" {
		cfg.PushURL = derivePushURL(cfg.APIBaseURL)
		updated = true
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.TimestampPrefix <= 0 || cfg.TimestampPrefix > timestampLayoutLen {
		cfg.TimestampPrefix = DefaultTimestampPrefix
		updated = true
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
		updated = true
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
		updated = true
	}
	if cfg.RequestsPerSecond < 0 {
		cfg.RequestsPerSecond = 0
		updated = true
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func derivePushURL(apiBaseURL string) string {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultPushPath
	return u.String()
}
