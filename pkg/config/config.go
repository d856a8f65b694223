// package config stores the settings jit needs to reach the request ledger,
// the cloud identity provider and the revocation and chat webhooks.
// Values are read from a TOML file in the jit config folder and can be
// overridden by command line flags and environment variables.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/common-fate/jit/internal/build"
)

const (
	// permission for user to read/write.
	USER_READ_WRITE_PERM = 0644
)

const (
	// permission for user to read/write.
	USER_READ_WRITE_EXECUTE_PERM = 0700
)

type Config struct {
	// DatabaseURL is a SQLite path or a postgres:// URL for the request ledger.
	DatabaseURL string `toml:",omitempty"`
	// LedgerURL, if set, reads requests from a remote request query service
	// instead of the database. The remote ledger is read-only.
	LedgerURL string `toml:",omitempty"`

	// RevocationWebhookURL receives the event scheduling each revocation.
	RevocationWebhookURL string `toml:",omitempty"`
	// RevocationRetryInterval is how often 'jit serve' redelivers revocations
	// which could not be scheduled, as a Go duration string.
	RevocationRetryInterval string `toml:",omitempty"`

	// ChatWebhookURL is an incoming chat webhook for requester notifications.
	ChatWebhookURL string `toml:",omitempty"`
	// ChatHandles maps requester emails to chat handles. Requesters who are
	// not listed are addressed by the local part of their email.
	ChatHandles map[string]string `toml:",omitempty"`

	// ListenAddr is the address the request query service listens on.
	ListenAddr string `toml:",omitempty"`

	// HashOnTruncate replaces the tail of over-long grant names with a hash.
	// Changing it renames truncated grants, so only set it with no grants
	// outstanding.
	HashOnTruncate bool `toml:",omitempty"`

	AWS AWSConfig `toml:",omitempty"`
}

type AWSConfig struct {
	Profile string `toml:",omitempty"`
	Region  string `toml:",omitempty"`
	// SSOInstanceARN and IdentityStoreID enable permission set grants.
	SSOInstanceARN  string `toml:",omitempty"`
	IdentityStoreID string `toml:",omitempty"`
	// RequestsPerSecond paces calls to the AWS APIs. Negative disables pacing.
	RequestsPerSecond int `toml:",omitempty"`
	// SettleDelay is waited between detaching and deleting a policy.
	SettleDelay string `toml:",omitempty"`
}

// NewDefaultConfig returns a config with defaults populated
func NewDefaultConfig() Config {
	return Config{
		DatabaseURL:             "",
		RevocationRetryInterval: "1m",
		ListenAddr:              "127.0.0.1:8086",
		AWS: AWSConfig{
			RequestsPerSecond: 10,
			SettleDelay:       "2s",
		},
	}
}

// RetryInterval parses RevocationRetryInterval.
func (c *Config) RetryInterval() (time.Duration, error) {
	return parseDuration("RevocationRetryInterval", c.RevocationRetryInterval)
}

// SettleDelay parses AWS.SettleDelay.
func (c *Config) SettleDelay() (time.Duration, error) {
	return parseDuration("AWS.SettleDelay", c.AWS.SettleDelay)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

// DefaultDatabaseURL is the SQLite ledger in the jit config folder.
func DefaultDatabaseURL() (string, error) {
	folder, err := JitConfigFolder()
	if err != nil {
		return "", err
	}
	return "file:" + filepath.Join(folder, "jit.db"), nil
}

// checks and or creates the config folder on startup
func SetupConfigFolder() error {
	jitFolder, err := JitConfigFolder()
	if err != nil {
		return err
	}
	if _, err := os.Stat(jitFolder); os.IsNotExist(err) {
		err := os.MkdirAll(jitFolder, USER_READ_WRITE_EXECUTE_PERM)
		if err != nil {
			return err
		}
	}
	return nil
}

func JitConfigFolder() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(home, build.ConfigFolderName)
	if xdgConfigDir := os.Getenv("XDG_CONFIG_HOME"); !pathExists(configDir) && xdgConfigDir != "" {
		configDir = filepath.Join(xdgConfigDir, "jit")
	}

	return configDir, nil
}

func JitConfigFilePath() (string, error) {
	jitFolder, err := JitConfigFolder()
	if err != nil {
		return "", err
	}
	return path.Join(jitFolder, "config"), nil
}

// pathExists checks if a given file exists and returns true or false
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads the config file. A missing file yields the defaults. Unlike a
// missing file, a file that can't be parsed is an error.
func Load() (*Config, error) {
	configFilePath, err := JitConfigFilePath()
	if err != nil {
		return nil, err
	}

	c := NewDefaultConfig()

	file, err := os.Open(configFilePath)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	_, err = toml.NewDecoder(file).Decode(&c)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFilePath, err)
	}
	return &c, nil
}

func (c *Config) Save() error {
	configFilePath, err := JitConfigFilePath()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(configFilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, USER_READ_WRITE_PERM)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(c)
}
