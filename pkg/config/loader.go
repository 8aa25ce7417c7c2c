package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into the provided struct.
// The struct should use `env` tags to define mappings; fields tagged
// `required` must be present or Load fails.
//
// Example:
//
//	type Config struct {
//	    Port          int    `env:"RECONCILIATION_HTTP_PORT" envDefault:"8006"`
//	    WebhookSecret string `env:"WEBHOOK_SIGNING_SECRET,required"`
//	}
func Load(cfg any) error {
	return LoadWithPrefix(cfg, "")
}

// LoadWithPrefix is Load with every variable name prefixed, used by tools
// that share a process environment with the server.
func LoadWithPrefix(cfg any, prefix string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
