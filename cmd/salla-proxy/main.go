package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/salla-proxy/internal"
	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"clientId":       map[string]string{"$env": config.EnvClientID},
		"clientSecret":   map[string]string{"$env": config.EnvClientSecret},
		"redirectUri":    "https://app.yourstore.com/oauth/callback",
		"accountsBase":   "https://accounts.salla.sa",
		"apiBase":        "https://api.salla.dev",
		"appSecret":      map[string]string{"$env": config.EnvAppSecret},
		"environment":    "production",
		"addr":           ":8080",
		"maxPages":       50,
		"requestTimeout": "60s",
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (environment variables are used when empty)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	var (
		cfg config.Config
		err error
	)
	if *conf != "" {
		cfg, err = config.Load(*conf)
	} else {
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting salla-proxy", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	proxy, err := internal.NewSallaProxy(cfg)
	if err != nil {
		log.LogError("Failed to create Salla proxy: %v", err)
		os.Exit(1)
	}

	if err := proxy.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
