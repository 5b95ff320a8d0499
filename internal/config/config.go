package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New parses environment variables into a fresh instance of the given
// config struct type. Each package declares its own Config with `env` tags
// and calls config.New[Config]().
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads the content of ENV_FILE (e.g. .env.agent) into environment
// variables. Falls back to the default .env when ENV_FILE is unset.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		return godotenv.Load()
	}

	return godotenv.Load(envfile)
}
