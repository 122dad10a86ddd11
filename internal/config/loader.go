package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FOUNDRY_"
)

// Load loads configuration from an optional YAML file, then overrides it with
// FOUNDRY_* environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FOUNDRY_PIPELINE_EXECUTION_TIMEOUT, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// A missing file is not an error. Environment variables are mapped by
// splitting off the section at the first underscore:
//
//	FOUNDRY_PIPELINE_EXECUTION_TIMEOUT -> pipeline.execution_timeout
//	FOUNDRY_SERVER_PORT                -> server.port
//
// The providers section carries the provider name as a second level:
//
//	FOUNDRY_PROVIDERS_OPENROUTER_API_KEY -> providers.openrouter.api_key
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			// Use rawbytes provider to avoid re-opening the file
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps an environment variable name to a koanf key path.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, field := parts[0], parts[1]
	if section == "providers" {
		// providers.<name>.<field>
		sub := strings.SplitN(field, "_", 2)
		if len(sub) == 2 {
			return section + "." + sub[0] + "." + sub[1]
		}
	}
	return section + "." + field
}
