package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nabunetwork/nabud/internal/bytesize"
)

// Default values applied for zero fields.
const (
	DefaultLogLevel  = "INFO"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stdout"

	DefaultShutdownTimeout = 30 * time.Second

	DefaultMetricsPort = 9777
	DefaultAPIPort     = 5817

	// DefaultTCPPort is the conventional port NABU emulators dial.
	DefaultTCPPort = 5816

	DefaultMaxImageSize        = 16 * bytesize.MiB
	DefaultRetroNetMaxBlobSize = 1 * bytesize.MiB
)

// GetDefaultConfig returns a configuration consisting entirely of
// defaults: one TCP listener, no channels.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adaptor: AdaptorConfig{
			TCP: []TCPConfig{{Port: DefaultTCPPort}},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero values with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = DefaultMetricsPort
	}
	if cfg.Server.API.Port == 0 {
		cfg.Server.API.Port = DefaultAPIPort
	}

	if cfg.Adaptor.MaxImageSize == 0 {
		cfg.Adaptor.MaxImageSize = DefaultMaxImageSize
	}
	if cfg.Adaptor.RetroNetMaxBlobSize == 0 {
		cfg.Adaptor.RetroNetMaxBlobSize = DefaultRetroNetMaxBlobSize
	}
}

// sampleConfig is the commented template written by `nabud init`.
const sampleConfig = `# nabud configuration
#
# Every value can be overridden with a NABUD_* environment variable,
# e.g. NABUD_LOGGING_LEVEL=DEBUG.

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text or json
  output: stdout     # stdout, stderr, or a file path

server:
  shutdown_timeout: 30s
  metrics:
    enabled: false
    port: 9777
  api:
    enabled: true
    port: 5817

adaptor:
  max_image_size: 16Mi
  retronet_max_blob_size: 1Mi
  tcp:
    - port: 5816
      channel: 1
      # file_root: /var/lib/nabud/storage
  # serial:
  #   - device: /dev/ttyUSB0
  #     baud: 0          # 0 = NABU-native 111860, falling back to 115200
  #     stop_bits: 0     # 0 = default of 2
  #     flow_control: false
  #     channel: 1

channels:
  - name: NABU Network 1984 Cycle 1
    number: 1
    type: pak
    source: /var/lib/nabud/channels/cycle1
  # - name: Homebrew
  #   number: 2
  #   type: raw
  #   source: https://nabu.example.com/homebrew
  #   default_file: menu.nabu
  #   retronet: true
`

// InitConfig writes the sample configuration to the default location.
// It refuses to overwrite an existing file unless force is set.
// Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to an explicit
// path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	// The sample must stay well-formed YAML; catch drift at init time
	// rather than at the user's first start.
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(sampleConfig), &doc); err != nil {
		return fmt.Errorf("internal error: sample config invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
