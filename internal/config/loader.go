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

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):.
//  1. defaults (New())
//  2. file (YAML) if KINSHIP_CONFIG is set
//  3. env (prefix KINSHIP_)
func Load(ctx context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("KINSHIP_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
		}
	}

	// Environment variables: KINSHIP_ADDR, KINSHIP_QUEUE_SIZE, ...
	// Keys map to the struct's koanf tags with underscores preserved.
	envProvider := env.Provider("KINSHIP_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "kinship_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if c.ReviewThreshold <= 0 || c.AutoMergeThreshold <= c.ReviewThreshold {
		return fmt.Errorf("%w: thresholds must satisfy 0 < review < auto_merge", ErrInvalidConfig)
	}
	if c.AutoMergeThreshold > 1 {
		return fmt.Errorf("%w: auto_merge_threshold must not exceed 1", ErrInvalidConfig)
	}
	if c.InterestAlpha <= 0 || c.InterestAlpha > 1 {
		return fmt.Errorf("%w: interest_alpha must be in (0,1]", ErrInvalidConfig)
	}
	if c.InterestDecayFactor <= 0 || c.InterestDecayFactor >= 1 {
		return fmt.Errorf("%w: interest_decay_factor must be in (0,1)", ErrInvalidConfig)
	}
	if c.DecayRate < 0 {
		return fmt.Errorf("%w: decay_rate must not be negative", ErrInvalidConfig)
	}
	return nil
}
