// Package config provides configuration loading for Comet pools
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/comet/pkg/errors"
)

// Load reads a YAML document into config, substituting ${VAR} and
// ${VAR:-default} references from the environment first. An unset variable
// without a default resolves to the empty string, matching what operators
// expect from compose-style files.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	content, err := substituteEnvVars(string(data))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to expand environment references").
			WithDetail("path", filePath)
	}

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}

	return nil
}

// LoadFile loads, defaults, and validates a full Config document. Validation
// failures carry the resolved pool name and file path so an operator juggling
// several pool configs can tell which one is broken.
func LoadFile(filePath string) (*Config, error) {
	cfg := &Config{}
	// MinimumIdle distinguishes "unset" (-1) from an explicit 0
	cfg.Pool.MinimumIdle = -1
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	cfg.Pool.SetDefaults()
	if err := cfg.Pool.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pool configuration").
			WithDetail("path", filePath).
			WithDetail("pool", cfg.Pool.Name)
	}
	return cfg, nil
}

// Save writes a configuration document as YAML. Files are written 0600
// because DSNs routinely embed credentials.
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file").
			WithDetail("path", filePath)
	}

	return nil
}

// substituteEnvVars expands ${VAR} and ${VAR:-default} references. A "${"
// with no closing brace is a config error rather than silently passing
// through half a reference.
func substituteEnvVars(content string) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			b.WriteString(content)
			return b.String(), nil
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			return "", errors.New(errors.ErrorTypeConfig, "unterminated ${ reference").
				WithDetail("near", content[start:min(start+32, len(content))])
		}
		end += start

		b.WriteString(content[:start])
		name, fallback, hasFallback := strings.Cut(content[start+2:end], ":-")
		value, ok := os.LookupEnv(name)
		if !ok && hasFallback {
			value = fallback
		}
		b.WriteString(value)
		content = content[end+1:]
	}
}
