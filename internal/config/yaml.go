package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "HEAVY_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version int               `yaml:"version"`
	Gateway fileGatewayConfig `yaml:"gateway"`
}

type fileGatewayConfig struct {
	HTTPAddr             string   `yaml:"http_addr"`
	DBDriver             string   `yaml:"db_driver"`
	DBDSN                string   `yaml:"db_dsn"`
	ParallelAgents       *int     `yaml:"parallel_agents"`
	MaxParallelAgents    *int     `yaml:"max_parallel_agents"`
	AgentTimeout         string   `yaml:"agent_timeout"`
	DecompositionTimeout string   `yaml:"decomposition_timeout"`
	SynthesisTimeout     string   `yaml:"synthesis_timeout"`
	SessionQueueSize     *int     `yaml:"session_queue_size"`
	OutboundQueueSize    *int     `yaml:"outbound_queue_size"`
	StorageRetryCount    *int     `yaml:"storage_retry_count"`
	StorageRetryBackoff  string   `yaml:"storage_retry_backoff"`
	SessionRetention     string   `yaml:"session_retention"`
	RearchiveInterval    string   `yaml:"rearchive_interval"`
	ModelProvider        string   `yaml:"model_provider"`
	ModelName            string   `yaml:"model_name"`
	AnthropicAPIKey      string   `yaml:"anthropic_api_key"`
	OpenAIAPIKey         string   `yaml:"openai_api_key"`
	WebhookURLs          []string `yaml:"webhook_urls"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(heavyDirName, defaultConfigFileName),
		filepath.Join(heavyDirName, alternateConfigFileName),
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve home directory for config lookup: %w", err)
	}
	candidates = append(candidates,
		filepath.Join(homeDir, heavyDirName, defaultConfigFileName),
		filepath.Join(homeDir, heavyDirName, alternateConfigFileName),
	)

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", false, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
