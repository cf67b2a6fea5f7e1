package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/c360/fleetstream/errors"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. FLEETSTREAM_TRANSPORT_URL.
const DefaultEnvPrefix = "FLEETSTREAM"

// Loader builds a Config from defaults, an optional file and the environment
type Loader struct {
	envPrefix string
}

// NewLoader creates a loader using DefaultEnvPrefix
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithEnvPrefix changes the environment prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load applies defaults, then the file at path (YAML or JSON, skipped when path is
// empty), then environment overrides, and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "read "+path)
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			if err := validateJSONDepth(data); err != nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "check "+path)
			}
		}
		// YAML is a superset of JSON, so one decoder serves both.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode "+path)
		}
	}

	if err := envconfig.Process(l.envPrefix, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "apply environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration with the default loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
