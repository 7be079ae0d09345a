package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("NIX_SIMPLE_DEPLOY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".nix-simple-deploy")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultJournalDir() string {
	return filepath.Join(DefaultConfigDir(), "runs")
}
