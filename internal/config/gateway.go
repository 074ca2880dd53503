package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	EnvHTTPAddr             = "HEAVY_HTTP_ADDR"
	EnvDBDriver             = "HEAVY_DB_DRIVER"
	EnvDBDSN                = "HEAVY_DB_DSN"
	EnvParallelAgents       = "HEAVY_PARALLEL_AGENTS"
	EnvMaxParallelAgents    = "HEAVY_MAX_PARALLEL_AGENTS"
	EnvAgentTimeout         = "HEAVY_AGENT_TIMEOUT"
	EnvDecompositionTimeout = "HEAVY_DECOMPOSITION_TIMEOUT"
	EnvSynthesisTimeout     = "HEAVY_SYNTHESIS_TIMEOUT"
	EnvSessionQueueSize     = "HEAVY_SESSION_QUEUE_SIZE"
	EnvOutboundQueueSize    = "HEAVY_OUTBOUND_QUEUE_SIZE"
	EnvStorageRetryCount    = "HEAVY_STORAGE_RETRY_COUNT"
	EnvStorageRetryBackoff  = "HEAVY_STORAGE_RETRY_BACKOFF"
	EnvSessionRetention     = "HEAVY_SESSION_RETENTION"
	EnvRearchiveInterval    = "HEAVY_REARCHIVE_INTERVAL"
	EnvModelProvider        = "HEAVY_MODEL_PROVIDER"
	EnvModelName            = "HEAVY_MODEL_NAME"
	EnvAnthropicAPIKey      = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey         = "OPENAI_API_KEY"
	EnvWebhookURLs          = "HEAVY_WEBHOOK_URLS"
	EnvAllowedOrigins       = "HEAVY_ALLOWED_ORIGINS"

	DefaultHTTPAddr             = ":8080"
	DefaultDBDriver             = "sqlite"
	DefaultDBDSN                = ".heavy/sessions.db"
	DefaultParallelAgents       = 4
	DefaultMaxParallelAgents    = 6
	DefaultAgentTimeout         = 5 * time.Minute
	DefaultDecompositionTimeout = 2 * time.Minute
	DefaultSynthesisTimeout     = 5 * time.Minute
	DefaultSessionQueueSize     = 256
	DefaultOutboundQueueSize    = 256
	DefaultStorageRetryCount    = 3
	DefaultStorageRetryBackoff  = 150 * time.Millisecond
	DefaultSessionRetention     = 30 * 24 * time.Hour
	DefaultRearchiveInterval    = time.Minute
	DefaultModelProvider        = "anthropic"
)

var defaultModelNames = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
}

type GatewayConfig struct {
	HTTPAddr             string
	DBDriver             string
	DBDSN                string
	ParallelAgents       int
	MaxParallelAgents    int
	AgentTimeout         time.Duration
	DecompositionTimeout time.Duration
	SynthesisTimeout     time.Duration
	SessionQueueSize     int
	OutboundQueueSize    int
	StorageRetryCount    int
	StorageRetryBackoff  time.Duration
	SessionRetention     time.Duration
	RearchiveInterval    time.Duration
	ModelProvider        string
	ModelName            string
	AnthropicAPIKey      string
	OpenAIAPIKey         string
	WebhookURLs          []string
	AllowedOrigins       []string
}

func GatewayFromEnv() GatewayConfig {
	cfg := defaultGatewayConfig()
	applyGatewayEnv(&cfg)
	return cfg
}

func GatewayFromYAMLAndEnv() (GatewayConfig, error) {
	cfg := defaultGatewayConfig()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return GatewayConfig{}, err
	}
	if err := applyGatewayYAML(&cfg, fileCfg.Gateway); err != nil {
		return GatewayConfig{}, err
	}
	applyGatewayEnv(&cfg)

	return cfg, nil
}

// APIKey returns the key configured for the selected model provider.
func (c GatewayConfig) APIKey() string {
	switch c.ModelProvider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	default:
		return ""
	}
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HTTPAddr:             DefaultHTTPAddr,
		DBDriver:             DefaultDBDriver,
		DBDSN:                ResolveHeavyPath(DefaultDBDSN),
		ParallelAgents:       DefaultParallelAgents,
		MaxParallelAgents:    DefaultMaxParallelAgents,
		AgentTimeout:         DefaultAgentTimeout,
		DecompositionTimeout: DefaultDecompositionTimeout,
		SynthesisTimeout:     DefaultSynthesisTimeout,
		SessionQueueSize:     DefaultSessionQueueSize,
		OutboundQueueSize:    DefaultOutboundQueueSize,
		StorageRetryCount:    DefaultStorageRetryCount,
		StorageRetryBackoff:  DefaultStorageRetryBackoff,
		SessionRetention:     DefaultSessionRetention,
		RearchiveInterval:    DefaultRearchiveInterval,
		ModelProvider:        DefaultModelProvider,
	}
}

func applyGatewayYAML(cfg *GatewayConfig, source fileGatewayConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if source.ParallelAgents != nil {
		cfg.ParallelAgents = *source.ParallelAgents
	}
	if source.MaxParallelAgents != nil {
		cfg.MaxParallelAgents = *source.MaxParallelAgents
	}
	if source.SessionQueueSize != nil {
		cfg.SessionQueueSize = *source.SessionQueueSize
	}
	if source.OutboundQueueSize != nil {
		cfg.OutboundQueueSize = *source.OutboundQueueSize
	}
	if source.StorageRetryCount != nil {
		cfg.StorageRetryCount = *source.StorageRetryCount
	}

	durations := []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{source.AgentTimeout, "gateway.agent_timeout", &cfg.AgentTimeout},
		{source.DecompositionTimeout, "gateway.decomposition_timeout", &cfg.DecompositionTimeout},
		{source.SynthesisTimeout, "gateway.synthesis_timeout", &cfg.SynthesisTimeout},
		{source.StorageRetryBackoff, "gateway.storage_retry_backoff", &cfg.StorageRetryBackoff},
		{source.SessionRetention, "gateway.session_retention", &cfg.SessionRetention},
		{source.RearchiveInterval, "gateway.rearchive_interval", &cfg.RearchiveInterval},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.raw, *d.dst, d.field)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if value := strings.TrimSpace(source.ModelProvider); value != "" {
		cfg.ModelProvider = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.ModelName); value != "" {
		cfg.ModelName = value
	}
	if value := strings.TrimSpace(source.AnthropicAPIKey); value != "" {
		cfg.AnthropicAPIKey = value
	}
	if value := strings.TrimSpace(source.OpenAIAPIKey); value != "" {
		cfg.OpenAIAPIKey = value
	}
	if len(source.WebhookURLs) > 0 {
		cfg.WebhookURLs = cleanList(source.WebhookURLs)
	}
	if len(source.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = cleanList(source.AllowedOrigins)
	}

	return nil
}

func applyGatewayEnv(cfg *GatewayConfig) {
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	if cfg.DBDriver == DefaultDBDriver {
		cfg.DBDSN = ResolveHeavyPath(cfg.DBDSN)
	}

	cfg.ParallelAgents = parseIntEnv(EnvParallelAgents, cfg.ParallelAgents)
	cfg.MaxParallelAgents = parseIntEnv(EnvMaxParallelAgents, cfg.MaxParallelAgents)
	cfg.SessionQueueSize = parseIntEnv(EnvSessionQueueSize, cfg.SessionQueueSize)
	cfg.OutboundQueueSize = parseIntEnv(EnvOutboundQueueSize, cfg.OutboundQueueSize)
	cfg.StorageRetryCount = parseIntEnv(EnvStorageRetryCount, cfg.StorageRetryCount)

	cfg.AgentTimeout = parseDurationEnv(EnvAgentTimeout, cfg.AgentTimeout)
	cfg.DecompositionTimeout = parseDurationEnv(EnvDecompositionTimeout, cfg.DecompositionTimeout)
	cfg.SynthesisTimeout = parseDurationEnv(EnvSynthesisTimeout, cfg.SynthesisTimeout)
	cfg.StorageRetryBackoff = parseDurationEnv(EnvStorageRetryBackoff, cfg.StorageRetryBackoff)
	cfg.SessionRetention = parseDurationEnv(EnvSessionRetention, cfg.SessionRetention)
	cfg.RearchiveInterval = parseDurationEnv(EnvRearchiveInterval, cfg.RearchiveInterval)

	cfg.ModelProvider = strings.ToLower(EnvOrDefault(EnvModelProvider, cfg.ModelProvider))
	cfg.ModelName = EnvOrDefault(EnvModelName, cfg.ModelName)
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModelNames[cfg.ModelProvider]
	}
	cfg.AnthropicAPIKey = EnvOrDefault(EnvAnthropicAPIKey, cfg.AnthropicAPIKey)
	cfg.OpenAIAPIKey = EnvOrDefault(EnvOpenAIAPIKey, cfg.OpenAIAPIKey)

	cfg.WebhookURLs = EnvList(EnvWebhookURLs, cfg.WebhookURLs)
	cfg.AllowedOrigins = EnvList(EnvAllowedOrigins, cfg.AllowedOrigins)
}

func (c GatewayConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if c.ParallelAgents <= 0 {
		return fmt.Errorf("%s must be > 0", EnvParallelAgents)
	}
	if c.MaxParallelAgents < c.ParallelAgents {
		return fmt.Errorf("%s must be >= %s", EnvMaxParallelAgents, EnvParallelAgents)
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSessionQueueSize)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOutboundQueueSize)
	}
	if c.StorageRetryCount <= 0 {
		return fmt.Errorf("%s must be > 0", EnvStorageRetryCount)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{EnvAgentTimeout, c.AgentTimeout},
		{EnvDecompositionTimeout, c.DecompositionTimeout},
		{EnvSynthesisTimeout, c.SynthesisTimeout},
		{EnvStorageRetryBackoff, c.StorageRetryBackoff},
		{EnvSessionRetention, c.SessionRetention},
		{EnvRearchiveInterval, c.RearchiveInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if _, ok := defaultModelNames[c.ModelProvider]; !ok {
		return fmt.Errorf("%s must be anthropic or openai", EnvModelProvider)
	}
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%s must not be empty", EnvModelName)
	}

	for _, raw := range c.WebhookURLs {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%s contains invalid url %q", EnvWebhookURLs, raw)
		}
	}
	return nil
}
