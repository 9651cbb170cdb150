package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/flightdesk-ai/internal/config"
	"github.com/wolfman30/flightdesk-ai/internal/llm"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// BuildModel wires the classifier's model fallback: Bedrock first, Gemini
// as its fallback. Either alone is used as-is. It returns nil when neither
// is configured, which leaves classification keyword-only.
func BuildModel(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) llm.Client {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var primary, fallback llm.Client
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" {
		if awsCfg == nil {
			logger.Warn("bedrock model configured without aws config; skipping", "model", model)
		} else {
			primary = llm.NewBedrockClient(bedrockruntime.NewFromConfig(*awsCfg), model)
			logger.Info("bedrock model enabled", "model", model)
		}
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini model unavailable", "error", err)
		} else {
			fallback = gemini
			logger.Info("gemini model enabled", "model", cfg.GeminiModelID)
		}
	}

	switch {
	case primary != nil && fallback != nil:
		return llm.NewFallbackClient(primary, fallback, logger)
	case primary != nil:
		return primary
	case fallback != nil:
		return fallback
	}
	logger.Warn("no model configured; intent classification is keyword-only")
	return nil
}
