package config

import (
	"fmt"
	"os"
	"time"
)

// Default values applied when neither the config file nor the environment
// provides one. Credentials and API keys have no defaults.
const (
	DefaultRegion       = "us-east-1"
	DefaultEnvironment  = "sandbox"
	DefaultStateBucket  = "skyform-state"
	DefaultLockTable    = "skyform-locks"
	DefaultLockTTL      = 30 * time.Minute
	DefaultBrokerURL    = "redis://localhost:6379"
	DefaultKeyPrefix    = "skyform"
	DefaultStoreURI     = "mongodb://localhost:27017"
	DefaultDatabase     = "skyform"
	DefaultWorktreeRoot = "/var/lib/skyform/worktrees"
	DefaultAIModel      = "claude-sonnet-4-5"
)

// Config represents a skyform.yaml configuration file.
// All values are optional; unset values fall back to SKYFORM_* environment
// variables and then to safe defaults. CLI flags always override config
// values.
type Config struct {
	Region      string         `yaml:"region"`
	Environment string         `yaml:"environment"`
	State       StateConfig    `yaml:"state"`
	Broker      BrokerConfig   `yaml:"broker"`
	Store       StoreConfig    `yaml:"store"`
	AI          AIConfig       `yaml:"ai"`
	Worktree    WorktreeConfig `yaml:"worktree"`
	Adapter     AdapterConfig  `yaml:"adapter"`
}

// StateConfig holds remote-state storage and locking settings.
type StateConfig struct {
	Bucket    string   `yaml:"bucket"`
	LockTable string   `yaml:"lock_table"`
	LockTTL   Duration `yaml:"lock_ttl"`
}

// BrokerConfig holds job broker connection settings.
type BrokerConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StoreConfig holds document store connection settings.
type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// AIConfig holds AI service settings. The API key is never read from the
// config file; it comes from SKYFORM_AI_API_KEY only.
type AIConfig struct {
	Model     string   `yaml:"model"`
	MaxTokens int64    `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// WorktreeConfig holds working-tree settings.
type WorktreeConfig struct {
	Root string `yaml:"root"`
}

// AdapterConfig holds completion-event adapter settings.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ApplyEnv fills unset fields from SKYFORM_* environment variables, then
// applies defaults. The precedence is: config file > environment > default.
func (c *Config) ApplyEnv() {
	fallback(&c.Region, "SKYFORM_REGION", DefaultRegion)
	fallback(&c.Environment, "SKYFORM_ENVIRONMENT", DefaultEnvironment)
	fallback(&c.State.Bucket, "SKYFORM_STATE_BUCKET", DefaultStateBucket)
	fallback(&c.State.LockTable, "SKYFORM_LOCK_TABLE", DefaultLockTable)
	fallback(&c.Broker.URL, "SKYFORM_BROKER_URL", DefaultBrokerURL)
	fallback(&c.Broker.KeyPrefix, "", DefaultKeyPrefix)
	fallback(&c.Store.URI, "SKYFORM_STORE_URI", DefaultStoreURI)
	fallback(&c.Store.Database, "SKYFORM_STORE_DATABASE", DefaultDatabase)
	fallback(&c.Worktree.Root, "SKYFORM_WORKTREE_ROOT", DefaultWorktreeRoot)
	fallback(&c.AI.Model, "SKYFORM_AI_MODEL", DefaultAIModel)

	if c.State.LockTTL.Duration == 0 {
		if s := os.Getenv("SKYFORM_LOCK_TTL"); s != "" {
			if parsed, err := time.ParseDuration(s); err == nil {
				c.State.LockTTL.Duration = parsed
			}
		}
	}
	if c.State.LockTTL.Duration == 0 {
		c.State.LockTTL.Duration = DefaultLockTTL
	}
}

// AIAPIKey returns the AI service API key from the environment. Empty when
// unset; the key intentionally has no config-file representation.
func AIAPIKey() string {
	return os.Getenv("SKYFORM_AI_API_KEY")
}

func fallback(field *string, envKey, def string) {
	if *field != "" {
		return
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			*field = v
			return
		}
	}
	*field = def
}
