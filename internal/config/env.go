package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvPrefix prefixes every secret variable (PRESENCEBOT_OAUTH_TOKEN, ...).
const DefaultEnvPrefix = "PRESENCEBOT_"

type EnvOptions struct {
	// DotEnv is an optional dotenv file loaded before the overlay. Variables
	// already present in the process environment win.
	DotEnv string
	Prefix string
}

// ApplyEnv overlays secrets from the environment onto cfg. Only fields
// tagged `env:"..."` are touched and unset variables keep the file value.
func ApplyEnv(cfg *Config, opts EnvOptions) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if p := strings.TrimSpace(opts.DotEnv); p != "" {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return env.ParseWithOptions(cfg, env.Options{Prefix: prefix})
}
