package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the config file path: $SKYFORM_CONFIG when set,
// otherwise skyform.yaml in the working directory.
func DefaultPath() string {
	if p := os.Getenv("SKYFORM_CONFIG"); p != "" {
		return p
	}
	return "skyform.yaml"
}

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct. Environment fallbacks are NOT applied
// here; call ApplyEnv on the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config file at path when it exists; a missing
// file yields a zero Config. ApplyEnv is applied either way so callers
// always see a fully-populated config.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			cfg = &Config{}
		} else {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}
