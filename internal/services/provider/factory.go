package provider

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
)

// NewAdapter constructs the adapter named by the provider config
func NewAdapter(cfg config.ProviderConfig, logger *logrus.Logger) (Adapter, error) {
	switch cfg.Name {
	case "openai":
		return NewOpenAIAdapter(cfg, logger), nil
	case "anthropic":
		return NewAnthropicAdapter(cfg, logger), nil
	case "ollama":
		return NewOllamaAdapter(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}
