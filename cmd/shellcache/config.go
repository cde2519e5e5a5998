package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Version token of the cache namespace.
	// Bump on every deployed change to invalidate old caches.
	Version string `yaml:"version"`
	// Path prefix routed network-only.
	APIPrefix string `yaml:"apiPrefix"`
	// Same-origin paths cached atomically during install.
	StaticAssets []string `yaml:"staticAssets"`
	// Cross-origin URLs cached best-effort during install.
	ExternalAssets []string `yaml:"externalAssets"`
	// Error message of the synthesized offline API response.
	OfflineMessage string `yaml:"offlineMessage"`
	// Path served as the offline fallback for navigation requests.
	FallbackPath string `yaml:"fallbackPath"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
