package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/config"
)

// NewClient builds a completion client for the configured provider.
func NewClient(cfg config.ModelConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Name,
			APIKey:   cfg.APIKey,
		}, logger)
	case config.ProviderAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			Model:  cfg.Name,
			APIKey: cfg.APIKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
