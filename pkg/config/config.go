// Package config loads, defaults, and validates the nabud
// configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NABUD_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nabunetwork/nabud/internal/bytesize"
)

// Config is the nabud configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server groups process-level settings: shutdown, metrics, API.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Adaptor configures the NABU connections themselves.
	Adaptor AdaptorConfig `mapstructure:"adaptor" yaml:"adaptor"`

	// Channels is the channel catalog, static for the process
	// lifetime.
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels" validate:"dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig groups process-level settings.
type ServerConfig struct {
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// Metrics configures the Prometheus listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API configures the admin HTTP API.
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// AdaptorConfig configures the NABU connections.
type AdaptorConfig struct {
	// MaxImageSize caps a single image load.
	MaxImageSize bytesize.ByteSize `mapstructure:"max_image_size" yaml:"max_image_size"`

	// RetroNetMaxBlobSize caps a single RetroNet blob fetch.
	RetroNetMaxBlobSize bytesize.ByteSize `mapstructure:"retronet_max_blob_size" yaml:"retronet_max_blob_size"`

	// TCP lists the TCP listeners for NABU emulators.
	TCP []TCPConfig `mapstructure:"tcp" yaml:"tcp" validate:"dive"`

	// Serial lists the serial ports connected to real NABUs.
	Serial []SerialConfig `mapstructure:"serial" yaml:"serial" validate:"dive"`
}

// TCPConfig describes one TCP listener.
type TCPConfig struct {
	Port         int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Channel      int16  `mapstructure:"channel" yaml:"channel"`
	FileRoot     string `mapstructure:"file_root" yaml:"file_root"`
	SelectedFile string `mapstructure:"selected_file" yaml:"selected_file"`
}

// SerialConfig describes one serial port.
type SerialConfig struct {
	Device string `mapstructure:"device" yaml:"device" validate:"required"`

	// Baud of 0 selects the NABU-native rate with a 115200 fallback.
	Baud int `mapstructure:"baud" yaml:"baud" validate:"min=0"`

	// StopBits of 0 selects the default of 2.
	StopBits int `mapstructure:"stop_bits" yaml:"stop_bits" validate:"oneof=0 1 2"`

	FlowControl  bool   `mapstructure:"flow_control" yaml:"flow_control"`
	Channel      int16  `mapstructure:"channel" yaml:"channel"`
	FileRoot     string `mapstructure:"file_root" yaml:"file_root"`
	SelectedFile string `mapstructure:"selected_file" yaml:"selected_file"`
}

// ChannelConfig is one channel catalog entry.
type ChannelConfig struct {
	Name        string `mapstructure:"name" yaml:"name" validate:"required"`
	Number      int16  `mapstructure:"number" yaml:"number" validate:"required"`
	Type        string `mapstructure:"type" yaml:"type" validate:"required,oneof=raw pak"`
	Source      string `mapstructure:"source" yaml:"source" validate:"required"`
	DefaultFile string `mapstructure:"default_file" yaml:"default_file"`
	RetroNet    bool   `mapstructure:"retronet" yaml:"retronet"`
}

// Load reads the configuration from the given path (or the default
// location when empty), applies environment overrides and defaults,
// and validates the result. When no configuration file is found, Load
// returns GetDefaultConfig() unchanged: environment variables are not
// consulted and no validation runs.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the NABUD_ prefix with underscores.
	// Example: NABUD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NABUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom
// types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "16Mi" into ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" into time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the configuration beyond what struct tags express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if len(cfg.Adaptor.TCP) == 0 && len(cfg.Adaptor.Serial) == 0 {
		return fmt.Errorf("no TCP listeners or serial ports configured")
	}

	seen := make(map[int16]string, len(cfg.Channels))
	for _, chn := range cfg.Channels {
		if prev, dup := seen[chn.Number]; dup {
			return fmt.Errorf("channel number %d used by both %q and %q", chn.Number, prev, chn.Name)
		}
		seen[chn.Number] = chn.Name
	}

	refs := func(where string, number int16) error {
		if number != 0 && seen[number] == "" {
			return fmt.Errorf("%s references unknown channel %d", where, number)
		}
		return nil
	}
	for _, tc := range cfg.Adaptor.TCP {
		if err := refs(fmt.Sprintf("tcp listener %d", tc.Port), tc.Channel); err != nil {
			return err
		}
	}
	for _, sc := range cfg.Adaptor.Serial {
		if err := refs(fmt.Sprintf("serial port %s", sc.Device), sc.Channel); err != nil {
			return err
		}
	}

	return nil
}

// getConfigDir returns the directory searched for the default config
// file: $XDG_CONFIG_HOME/nabud, ~/.config/nabud, or the working
// directory as a last resort.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nabud")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "nabud")
	}
	return "."
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file is present at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
