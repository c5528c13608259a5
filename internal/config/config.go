// Package config loads and persists <dataDir>/config.yaml (§6.4). Reads
// go through viper so every option has a programmatic default and can
// be overridden by a LOOPSY_-prefixed environment variable; writes
// (e.g. appending a pairing-confirmed key) marshal the live struct back
// with yaml.v3, mirroring the read/write split the teacher's
// config loader uses.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port     int    `yaml:"port" mapstructure:"port"`
	Host     string `yaml:"host" mapstructure:"host"`
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
}

type AuthConfig struct {
	APIKey      string            `yaml:"apiKey" mapstructure:"apiKey"`
	AllowedKeys map[string]string `yaml:"allowedKeys" mapstructure:"allowedKeys"`
}

type TLSConfig struct {
	Enabled     bool              `yaml:"enabled" mapstructure:"enabled"`
	PinnedCerts map[string]string `yaml:"pinnedCerts" mapstructure:"pinnedCerts"`
}

type ExecutionConfig struct {
	Denylist       []string `yaml:"denylist" mapstructure:"denylist"`
	Allowlist      []string `yaml:"allowlist" mapstructure:"allowlist"`
	MaxConcurrent  int      `yaml:"maxConcurrent" mapstructure:"maxConcurrent"`
	DefaultTimeout int      `yaml:"defaultTimeout" mapstructure:"defaultTimeout"` // ms
}

type TransferConfig struct {
	AllowedPaths []string `yaml:"allowedPaths" mapstructure:"allowedPaths"`
	DeniedPaths  []string `yaml:"deniedPaths" mapstructure:"deniedPaths"`
	MaxFileSize  int64    `yaml:"maxFileSize" mapstructure:"maxFileSize"`
}

type RateLimitsConfig struct {
	Execute  int `yaml:"execute" mapstructure:"execute"`
	Transfer int `yaml:"transfer" mapstructure:"transfer"`
	Context  int `yaml:"context" mapstructure:"context"`
}

type ManualPeer struct {
	Address  string `yaml:"address" mapstructure:"address"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Hostname string `yaml:"hostname,omitempty" mapstructure:"hostname"`
}

type DiscoveryConfig struct {
	Enabled     bool         `yaml:"enabled" mapstructure:"enabled"`
	ManualPeers []ManualPeer `yaml:"manualPeers" mapstructure:"manualPeers"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

// Config is the full, in-memory view of config.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	TLS        TLSConfig        `yaml:"tls" mapstructure:"tls"`
	Execution  ExecutionConfig  `yaml:"execution" mapstructure:"execution"`
	Transfer   TransferConfig   `yaml:"transfer" mapstructure:"transfer"`
	RateLimits RateLimitsConfig `yaml:"rateLimits" mapstructure:"rateLimits"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`

	path string // resolved config.yaml path, not serialized
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for a security-sensitive key
		panic(fmt.Sprintf("config: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("server.port", 19532)
	v.SetDefault("server.host", "0.0.0.0")
	hostname, _ := os.Hostname()
	v.SetDefault("server.hostname", hostname)

	v.SetDefault("auth.apiKey", randomHex(32))
	v.SetDefault("auth.allowedKeys", map[string]string{})

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.pinnedCerts", map[string]string{})

	v.SetDefault("execution.denylist", []string{"rm", "rmdir", "format", "mkfs", "dd", "shutdown", "reboot"})
	v.SetDefault("execution.maxConcurrent", 10)
	v.SetDefault("execution.defaultTimeout", 300000)

	v.SetDefault("transfer.allowedPaths", []string{home})
	v.SetDefault("transfer.deniedPaths", []string{filepath.Join(home, ".ssh"), filepath.Join(home, ".gnupg")})
	v.SetDefault("transfer.maxFileSize", int64(1<<30))

	v.SetDefault("rateLimits.execute", 30)
	v.SetDefault("rateLimits.transfer", 10)
	v.SetDefault("rateLimits.context", 60)

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.manualPeers", []ManualPeer{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Load reads <dataDir>/config.yaml, applying defaults for any absent
// field and allowing LOOPSY_<SECTION>_<KEY> environment overrides. A
// missing file is not an error: defaults alone produce a usable config,
// which Load then writes out so the file exists for subsequent edits.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.yaml")
	home, err := os.UserHomeDir()
	if err != nil {
		home = dataDir
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOOPSY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	if _, statErr := os.Stat(path); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.path = path

	if cfg.Auth.AllowedKeys == nil {
		cfg.Auth.AllowedKeys = map[string]string{}
	}
	if cfg.TLS.PinnedCerts == nil {
		cfg.TLS.PinnedCerts = map[string]string{}
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("config: creating data dir: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("config: writing initial config: %w", err)
		}
	}

	return &cfg, nil
}

// Save marshals the current in-memory config back to disk with
// yaml.v3, used after a mutation such as /pair/confirm appending a
// trusted peer's key to auth.allowedKeys.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(c.path, data, 0o600)
}

// AllAPIKeys returns this node's own key followed by every trusted
// peer key, the set C8 checks bearer tokens against.
func (c *Config) AllAPIKeys() []string {
	keys := make([]string, 0, len(c.Auth.AllowedKeys)+1)
	keys = append(keys, c.Auth.APIKey)
	for _, k := range c.Auth.AllowedKeys {
		keys = append(keys, k)
	}
	return keys
}
