// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Page() PageConfig
	Snapshot() SnapshotConfig
	Storage() StorageConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserBinary(string)
	SetBrowserDebugPort(int)
	SetBrowserFallbackPort(int)
	SetBrowserProxy(string)

	// Page Setters
	SetPageDismissConsent(bool)

	// Snapshot Setters
	SetSnapshotMode(string)
	SetSnapshotContext(string)

	// Storage Setter
	SetStoragePath(string)
}

// Config holds the entire application configuration. Fields are exported for
// viper's unmarshal; callers go through the Interface's getter methods.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	PageCfg     PageConfig     `mapstructure:"page" yaml:"page"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	StorageCfg  StorageConfig  `mapstructure:"storage" yaml:"storage"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Page() PageConfig         { return c.PageCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }
func (c *Config) Storage() StorageConfig   { return c.StorageCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserBinary(p string)     { c.BrowserCfg.Binary = p }
func (c *Config) SetBrowserDebugPort(p int)     { c.BrowserCfg.DebugPort = p }
func (c *Config) SetBrowserFallbackPort(p int)  { c.BrowserCfg.FallbackPort = p }
func (c *Config) SetBrowserProxy(addr string)   { c.BrowserCfg.Proxy = addr }
func (c *Config) SetPageDismissConsent(b bool)  { c.PageCfg.DismissConsent = b }
func (c *Config) SetSnapshotMode(m string)      { c.SnapshotCfg.Mode = m }
func (c *Config) SetSnapshotContext(ctx string) { c.SnapshotCfg.Context = ctx }
func (c *Config) SetStoragePath(p string)       { c.StorageCfg.StatePath = p }

// LoggerConfig controls the zap logger and its file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ViewportConfig sets the emulated viewport dimensions in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the Chromium instance.
type BrowserConfig struct {
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	Binary   string `mapstructure:"binary" yaml:"binary"`
	// DebugPort is the DevTools port for the launched instance. Zero picks
	// a free port.
	DebugPort int `mapstructure:"debug_port" yaml:"debug_port"`
	// FallbackPort, when set, names an already-running headed browser that
	// the session migrates to after a bot challenge.
	FallbackPort int `mapstructure:"fallback_port" yaml:"fallback_port"`
	// Proxy is passed to the launched browser as --proxy-server.
	Proxy    string         `mapstructure:"proxy" yaml:"proxy"`
	Viewport ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
}

// PageConfig tunes per-page behavior.
type PageConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	DismissConsent    bool          `mapstructure:"dismiss_consent" yaml:"dismiss_consent"`
}

// SnapshotConfig selects the default pruning mode and task context.
type SnapshotConfig struct {
	Mode    string `mapstructure:"mode" yaml:"mode"`
	Context string `mapstructure:"context" yaml:"context"`
}

// StorageConfig locates the persisted session state.
type StorageConfig struct {
	StatePath string `mapstructure:"state_path" yaml:"state_path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagescope")
	v.SetDefault("logger.log_file", "pagescope.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.debug_port", 0)
	v.SetDefault("browser.fallback_port", 0)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)

	// -- Page --
	v.SetDefault("page.navigation_timeout", "30s")
	v.SetDefault("page.dismiss_consent", true)

	// -- Snapshot --
	v.SetDefault("snapshot.mode", "act")

	// -- Storage --
	v.SetDefault("storage.state_path", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validModes = map[string]bool{"act": true, "browse": true, "navigate": true, "full": true}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if !validModes[c.SnapshotCfg.Mode] {
		return fmt.Errorf("snapshot.mode must be one of act, browse, navigate, full; got %q", c.SnapshotCfg.Mode)
	}
	if c.BrowserCfg.DebugPort < 0 || c.BrowserCfg.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port out of range: %d", c.BrowserCfg.DebugPort)
	}
	if c.BrowserCfg.FallbackPort < 0 || c.BrowserCfg.FallbackPort > 65535 {
		return fmt.Errorf("browser.fallback_port out of range: %d", c.BrowserCfg.FallbackPort)
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive")
	}
	if c.PageCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("page.navigation_timeout must be a positive duration")
	}
	return nil
}
