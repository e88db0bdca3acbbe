package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// LoadEnv builds the configuration from environment variables
func LoadEnv() (Config, error) {
	return loadEnv(nil)
}

// loadEnv parses env into a Config. A nil environment means the process
// environment; an empty map yields the defaults only.
func loadEnv(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load loads a JSON config file. Every string value may be given literally
// or as {"$env": "VAR_NAME"}; secrets must use the env form.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	// Start from the env defaults so both sources agree on them
	cfg, err := loadEnv(map[string]string{})
	if err != nil {
		return Config{}, err
	}

	stringFields := []struct {
		key    string
		secret bool
		set    func(string)
	}{
		{"clientId", false, func(v string) { cfg.ClientID = v }},
		{"clientSecret", true, func(v string) { cfg.ClientSecret = Secret(v) }},
		{"redirectUri", false, func(v string) { cfg.RedirectURI = v }},
		{"accountsBase", false, func(v string) { cfg.AccountsBase = v }},
		{"apiBase", false, func(v string) { cfg.APIBase = v }},
		{"appSecret", true, func(v string) { cfg.AppSecret = Secret(v) }},
		{"environment", false, func(v string) { cfg.Environment = v }},
		{"addr", false, func(v string) { cfg.Addr = v }},
	}

	for _, field := range stringFields {
		value, ok := raw[field.key]
		if !ok {
			continue
		}
		resolved, err := parseConfigValue(value, field.secret)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", field.key, err)
		}
		field.set(resolved)
	}

	if value, ok := raw["maxPages"]; ok {
		if err := json.Unmarshal(value, &cfg.MaxPages); err != nil {
			return Config{}, fmt.Errorf("parsing maxPages: %w", err)
		}
	}

	if value, ok := raw["requestTimeout"]; ok {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return Config{}, fmt.Errorf("parsing requestTimeout: %w", err)
		}
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("parsing requestTimeout: %w", err)
		}
		cfg.RequestTimeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parseConfigValue resolves a literal string or an {"$env": "NAME"}
// reference. An unset variable resolves to the empty string so that the
// operation needing it can report it as missing.
func parseConfigValue(raw json.RawMessage, secret bool) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if secret && str != "" {
			return "", fmt.Errorf("must use environment variable reference for security")
		}
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf(`must use {"$env": "VAR_NAME"} format`)
	}

	value := os.Getenv(envVar)
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
