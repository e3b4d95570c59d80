package llm

import (
	"context"
	"errors"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/models"
)

// IntentContext carries optional hints for intent classification.
type IntentContext struct {
	CourseTitle   string
	CurrentDay    int
	RecentQueries []string
}

// GenerationRequest describes one answer-generation call.
type GenerationRequest struct {
	Question           string
	SystemPrompt       string
	Chunks             []models.RankedChunk
	IsLabGuidance      bool
	LabStruggleContext string
	MaxTokens          int
}

// Generation is the result of a successful answer-generation call.
type Generation struct {
	Answer     string
	Confidence float64
	TokensUsed int64
	ModelUsed  string
	WordCount  int
}

// Provider is the narrow interface to the embedding/completion service.
// Implementations are treated as potentially imprecise oracles; governance
// never depends on their output being correct.
type Provider interface {
	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// ClassifyIntent labels the question with one of the known intents.
	ClassifyIntent(ctx context.Context, question string, ictx IntentContext) (models.Intent, error)

	// GenerateAnswer produces a grounded answer from the selected chunks.
	GenerateAnswer(ctx context.Context, req GenerationRequest) (Generation, error)
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return newOpenAIClient(cfg), nil
	default:
		return nil, errors.New("unsupported LLM provider: " + cfg.Provider)
	}
}
