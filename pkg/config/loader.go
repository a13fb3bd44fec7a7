package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DevflowYAMLConfig represents the complete devflow.yaml file structure.
type DevflowYAMLConfig struct {
	System       *SystemConfig               `yaml:"system"`
	Runtime      *RuntimeConfig              `yaml:"runtime"`
	Defaults     *Defaults                   `yaml:"defaults"`
	SessionStore *SessionStoreConfig         `yaml:"session_store"`
	MCPServers   map[string]*MCPServerConfig `yaml:"mcp_servers"`
}

// ProvidersYAMLConfig represents the complete llm-providers.yaml file structure.
type ProvidersYAMLConfig struct {
	LLMProviders map[string]*ProviderConfig `yaml:"llm_providers"`
	Models       map[string]*ModelConfig    `yaml:"models"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"mcp_servers", stats.MCPServers,
		"providers", stats.Providers,
		"models", stats.Models)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	devflowCfg, err := loader.loadDevflowYAML()
	if err != nil {
		return nil, NewLoadError("devflow.yaml", err)
	}

	providersCfg, err := loader.loadProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	system := resolveSystemConfig(devflowCfg.System)

	// Runtime: start from defaults, merge user YAML on top so unset values
	// keep their built-in defaults.
	runtime := DefaultRuntimeConfig()
	if devflowCfg.Runtime != nil {
		if err := mergo.Merge(runtime, devflowCfg.Runtime, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge runtime config: %w", err)
		}
	}

	defaults := devflowCfg.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	storeCfg := DefaultSessionStoreConfig()
	if devflowCfg.SessionStore != nil {
		if err := mergo.Merge(storeCfg, devflowCfg.SessionStore, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge session store config: %w", err)
		}
	}

	return &Config{
		configDir:         configDir,
		System:            system,
		Runtime:           runtime,
		Defaults:          defaults,
		SessionStore:      storeCfg,
		MCPServerRegistry: NewMCPServerRegistry(devflowCfg.MCPServers),
		ProviderRegistry:  NewProviderRegistry(providersCfg.LLMProviders),
		ModelRegistry:     NewModelRegistry(providersCfg.Models),
	}, nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables before parsing so secrets never need to
	// appear literally in config files.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadDevflowYAML() (*DevflowYAMLConfig, error) {
	var config DevflowYAMLConfig
	config.MCPServers = make(map[string]*MCPServerConfig)

	if err := l.loadYAML("devflow.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadProvidersYAML() (*ProvidersYAMLConfig, error) {
	var config ProvidersYAMLConfig
	config.LLMProviders = make(map[string]*ProviderConfig)
	config.Models = make(map[string]*ModelConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveSystemConfig applies built-in defaults for unset system paths.
func resolveSystemConfig(sys *SystemConfig) *SystemConfig {
	cfg := &SystemConfig{
		SessionsDir:   DefaultSessionsDir,
		PromptsDir:    DefaultPromptsDir,
		AgentsFile:    DefaultAgentsFile,
		CommandsFile:  DefaultCommandsFile,
		ApprovalsFile: DefaultApprovalsFile,
		Retention:     DefaultRetentionConfig(),
	}

	if sys == nil {
		return cfg
	}

	if sys.SessionsDir != "" {
		cfg.SessionsDir = sys.SessionsDir
	}
	if sys.PromptsDir != "" {
		cfg.PromptsDir = sys.PromptsDir
	}
	if sys.AgentsFile != "" {
		cfg.AgentsFile = sys.AgentsFile
	}
	if sys.CommandsFile != "" {
		cfg.CommandsFile = sys.CommandsFile
	}
	if sys.ApprovalsFile != "" {
		cfg.ApprovalsFile = sys.ApprovalsFile
	}
	if sys.Retention != nil {
		r := sys.Retention
		if r.SessionRetentionDays > 0 {
			cfg.Retention.SessionRetentionDays = r.SessionRetentionDays
		}
		if r.CleanupInterval > 0 {
			cfg.Retention.CleanupInterval = r.CleanupInterval
		}
	}

	return cfg
}
