package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"codelab/internal/executor"
	"codelab/internal/executor/registry"
	"codelab/internal/executor/sandbox"
	"codelab/pkg/utils/logger"
)

const (
	backendDocker = "docker"
	backendLocal  = "local"
)

// SandboxConfig selects and tunes the isolation backend.
type SandboxConfig struct {
	Backend string               `yaml:"backend"`
	Docker  sandbox.DockerConfig `yaml:"docker"`
	Local   sandbox.LocalConfig  `yaml:"local"`
}

// AppConfig holds executor config.
type AppConfig struct {
	Logger    logger.Config           `yaml:"logger"`
	Executor  executor.Config         `yaml:"executor"`
	Sandbox   SandboxConfig           `yaml:"sandbox"`
	Languages []registry.LanguageSpec `yaml:"languages"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the config file when present; a missing file falls
// back to defaults so the binary works out of the box against Docker.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = backendDocker
	}
	cfg.Sandbox.Backend = strings.ToLower(cfg.Sandbox.Backend)
	if cfg.Sandbox.Backend != backendDocker && cfg.Sandbox.Backend != backendLocal {
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Sandbox.Backend)
	}
	return &cfg, nil
}

// buildRegistry merges configured languages over the built-in defaults.
func buildRegistry(cfg *AppConfig) *registry.Registry {
	specs := registry.Defaults()
	specs = append(specs, cfg.Languages...)
	return registry.New(specs)
}

func buildProvisioner(cfg *AppConfig) (sandbox.Provisioner, error) {
	switch cfg.Sandbox.Backend {
	case backendLocal:
		return sandbox.NewLocalProvisioner(cfg.Sandbox.Local)
	default:
		return sandbox.NewDockerProvisioner(cfg.Sandbox.Docker)
	}
}
