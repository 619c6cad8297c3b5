package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"meshchat/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshchat"
	// EnvPrefix prefixes environment overrides, e.g. MESHCHAT_LOG_LEVEL.
	EnvPrefix = "MESHCHAT"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "MESHCHAT_DATA_DIR"

	DefaultSelfLabel         = "Me"
	DefaultSendRatePerMinute = 30
	DefaultHistoryLimit      = 1000
	DefaultRefreshTimeout    = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultDiscoveryService  = "_meshchat-bridge._tcp"
	DefaultDiscoveryDomain   = "local."
	DefaultScanTimeout       = 3 * time.Second

	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
)

// Config holds the persistent settings of one client profile.
type Config struct {
	ProfileID       string          `mapstructure:"profile_id"`
	SelfLabel       string          `mapstructure:"self_label"`
	Log             LogConfig       `mapstructure:"log"`
	Bridge          BridgeConfig    `mapstructure:"bridge"`
	Send            SendConfig      `mapstructure:"send"`
	RefreshTimeout  time.Duration   `mapstructure:"refresh_timeout"`
	HistoryLimit    int             `mapstructure:"history_limit"`
	FreshnessSource string          `mapstructure:"freshness_source"`
	Discovery       DiscoveryConfig `mapstructure:"discovery"`

	// DataDir is where config and database live; it is not persisted.
	DataDir string `mapstructure:"-"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// BridgeConfig locates the radio bridge.
type BridgeConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SendConfig paces outbound traffic.
type SendConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"`
}

// DiscoveryConfig controls the mDNS bridge scan.
type DiscoveryConfig struct {
	Service     string        `mapstructure:"service"`
	Domain      string        `mapstructure:"domain"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
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

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile_id", "")
	v.SetDefault("self_label", DefaultSelfLabel)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("bridge.url", "")
	v.SetDefault("bridge.dial_timeout", DefaultDialTimeout)

	v.SetDefault("send.rate_per_minute", DefaultSendRatePerMinute)
	v.SetDefault("refresh_timeout", DefaultRefreshTimeout)
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("freshness_source", string(models.FreshnessFromStore))

	v.SetDefault("discovery.service", DefaultDiscoveryService)
	v.SetDefault("discovery.domain", DefaultDiscoveryDomain)
	v.SetDefault("discovery.scan_timeout", DefaultScanTimeout)
}

// Load reads config.yaml, layering defaults underneath and environment
// overrides on top.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	v := viper.New()
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict config permissions: %w", err)
	}
	return nil
}

func (cfg *Config) settings() map[string]any {
	return map[string]any{
		"profile_id":             cfg.ProfileID,
		"self_label":             cfg.SelfLabel,
		"log.level":              cfg.Log.Level,
		"log.format":             cfg.Log.Format,
		"log.output":             cfg.Log.Output,
		"bridge.url":             cfg.Bridge.URL,
		"bridge.dial_timeout":    cfg.Bridge.DialTimeout.String(),
		"send.rate_per_minute":   cfg.Send.RatePerMinute,
		"refresh_timeout":        cfg.RefreshTimeout.String(),
		"history_limit":          cfg.HistoryLimit,
		"freshness_source":       cfg.FreshnessSource,
		"discovery.service":      cfg.Discovery.Service,
		"discovery.domain":       cfg.Discovery.Domain,
		"discovery.scan_timeout": cfg.Discovery.ScanTimeout.String(),
	}
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config and its path. Missing or invalid fields are filled with
// defaults and written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = decode(newViper())
		if err != nil {
			return nil, "", err
		}
		normalizeDefaults(cfg)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		cfg.DataDir = dataDir
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.DataDir = dataDir
	return cfg, cfgPath, nil
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.ProfileID == "" {
		cfg.ProfileID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.SelfLabel) == "" {
		cfg.SelfLabel = DefaultSelfLabel
		updated = true
	}

	source := normalizeFreshnessSource(cfg.FreshnessSource)
	if cfg.FreshnessSource != source {
		cfg.FreshnessSource = source
		updated = true
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
		updated = true
	}

	if cfg.Send.RatePerMinute == 0 {
		cfg.Send.RatePerMinute = DefaultSendRatePerMinute
		updated = true
	}

	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
		updated = true
	}

	if cfg.Bridge.DialTimeout <= 0 {
		cfg.Bridge.DialTimeout = DefaultDialTimeout
		updated = true
	}

	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = DefaultDiscoveryService
		updated = true
	}

	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = DefaultDiscoveryDomain
		updated = true
	}

	if cfg.Discovery.ScanTimeout <= 0 {
		cfg.Discovery.ScanTimeout = DefaultScanTimeout
		updated = true
	}

	return updated
}

func normalizeFreshnessSource(source string) string {
	return string(models.ParseFreshnessSource(source))
}
