package app

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"cipherroom/internal/domain"
	"cipherroom/internal/logging"
)

// ConfigFilename is the config file looked up in the home directory.
const ConfigFilename = "config.yaml"

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the runtime options of a client.
type Config struct {
	Homeserver string           `yaml:"homeserver"`
	Log        logging.Config   `yaml:"log"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Decryption DecryptionConfig `yaml:"decryption"`
	Network    NetworkConfig    `yaml:"network"`
	Sync       SyncConfig       `yaml:"sync"`
}

// EncryptionConfig holds the sending defaults.
type EncryptionConfig struct {
	RotationPeriodMsgs    uint32        `yaml:"rotation_period_msgs"`
	RotationPeriod        time.Duration `yaml:"rotation_period"`
	BlockOnUnverified     bool          `yaml:"block_on_unverified"`
	ErrorOnUnknownDevices bool          `yaml:"error_on_unknown_devices"`
}

// DecryptionConfig tunes the decryption pipeline.
type DecryptionConfig struct {
	UnknownSessionRetries int           `yaml:"unknown_session_retries"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	QueueSize             int           `yaml:"queue_size"`
}

// NetworkConfig tunes homeserver requests.
type NetworkConfig struct {
	ReadRetries    int           `yaml:"read_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// SyncConfig tunes the live stream.
type SyncConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration of the embedded example.
func DefaultConfig() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		panic(fmt.Errorf("embedded example config: %w", err))
	}
	if err := cfg.PostProcess(); err != nil {
		panic(fmt.Errorf("embedded example config: %w", err))
	}
	return cfg
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills unset values with defaults and validates the rest.
func (c *Config) PostProcess() error {
	if c.Homeserver != "" {
		u, err := url.Parse(c.Homeserver)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("homeserver: %q is not an http(s) URL", c.Homeserver)
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}
	if c.Log.Format != logging.FormatConsole && c.Log.Format != logging.FormatJSON {
		return fmt.Errorf("log.format: %q is not console or json", c.Log.Format)
	}

	if c.Encryption.RotationPeriodMsgs == 0 {
		c.Encryption.RotationPeriodMsgs = 100
	}
	if c.Encryption.RotationPeriod == 0 {
		c.Encryption.RotationPeriod = 7 * 24 * time.Hour
	}
	if c.Encryption.RotationPeriod < 0 {
		return errors.New("encryption.rotation_period must be positive")
	}

	if c.Decryption.UnknownSessionRetries < 0 {
		return errors.New("decryption.unknown_session_retries must not be negative")
	}
	if c.Decryption.RetryBaseDelay <= 0 {
		c.Decryption.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Decryption.QueueSize <= 0 {
		c.Decryption.QueueSize = 64
	}

	if c.Network.ReadRetries < 0 {
		return errors.New("network.read_retries must not be negative")
	}
	if c.Network.RetryBaseDelay <= 0 {
		c.Network.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = 30 * time.Second
	}
	return nil
}

// MessagePolicy returns the account-wide sending defaults.
func (c Config) MessagePolicy() domain.MessagePolicy {
	return domain.MessagePolicy{
		BlockOnUnverified:     c.Encryption.BlockOnUnverified,
		ErrorOnUnknownDevices: c.Encryption.ErrorOnUnknownDevices,
	}
}

// Rotation returns the default session rotation thresholds.
func (c Config) Rotation() domain.RotationSettings {
	return domain.RotationSettings{
		MaxMessages: c.Encryption.RotationPeriodMsgs,
		MaxAge:      c.Encryption.RotationPeriod,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver")
	helper.Copy(up.Str, "log", "level")
	helper.Copy(up.Str, "log", "format")
	helper.Copy(up.Int, "encryption", "rotation_period_msgs")
	helper.Copy(up.Str, "encryption", "rotation_period")
	helper.Copy(up.Bool, "encryption", "block_on_unverified")
	helper.Copy(up.Bool, "encryption", "error_on_unknown_devices")
	helper.Copy(up.Int, "decryption", "unknown_session_retries")
	helper.Copy(up.Str, "decryption", "retry_base_delay")
	helper.Copy(up.Int, "decryption", "queue_size")
	helper.Copy(up.Int, "network", "read_retries")
	helper.Copy(up.Str, "network", "retry_base_delay")
	helper.Copy(up.Str, "sync", "timeout")
}

func configUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"log"},
			{"encryption"},
			{"decryption"},
			{"network"},
			{"sync"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads the config at path, writing the example there first if
// the file does not exist. Known keys missing from the file are added from
// the example and the file is rewritten in the example's layout.
func LoadConfig(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return Config{}, err
		}
		if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return Config{}, fmt.Errorf("write example config: %w", err)
		}
	} else if err != nil {
		return Config{}, err
	}

	raw, _, err := up.Do(path, true, configUpgrader())
	if err != nil {
		return Config{}, fmt.Errorf("upgrade config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.PostProcess(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
