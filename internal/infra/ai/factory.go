// Package ai wires the configured provider to the analysis ports.
package ai

import (
	"fmt"

	"github.com/bryanwahyu/image-analyst/internal/config"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/infra/ai/gemini"
	"github.com/bryanwahyu/image-analyst/internal/infra/ai/openai"
)

// NewFactory returns the model factory for cfg.Model.Provider.
func NewFactory(cfg *config.Config, cred config.Credential) (domain.ModelFactory, error) {
	switch cfg.Model.Provider {
	case config.ProviderGemini:
		return gemini.NewFactory(cred.Value), nil
	case config.ProviderOpenAI:
		return openai.NewFactory(cred.Value, cfg.Model.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
