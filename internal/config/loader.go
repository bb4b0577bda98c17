package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "RESOLVR_"
	envConfig  = envPrefix + "CONFIG"
	tagName    = "koanf"
	keyDivider = "."
)

// Load builds a Config by layering, from low to high precedence:
//  1. defaults (New)
//  2. the YAML file named by RESOLVR_CONFIG, if set
//  3. RESOLVR_* environment variables, e.g. RESOLVR_STORE_ENGINE
func Load(ctx context.Context) (*Config, error) {
	cfg := New(ctx)
	k := koanf.New(keyDivider)

	if path := os.Getenv(envConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	envProvider := env.Provider(envPrefix, keyDivider, func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}
	// The file path itself is not a setting.
	k.Delete("config")

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: tagName}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	cfg.StoreEngine = strings.ToLower(cfg.StoreEngine)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
