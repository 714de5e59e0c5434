package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// OpenAIConfig holds configuration for the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// Azure configuration
	UseAzure   bool
	APIVersion string
}

// OpenAI implements LLM over an Eino OpenAI chat model. BaseURL makes
// it work against any OpenAI-compatible endpoint.
type OpenAI struct {
	chatModel model.ToolCallingChatModel
	maxTokens int
}

// NewOpenAI creates the backend. The API key falls back to the
// environment.
func NewOpenAI(ctx context.Context, config *OpenAIConfig) (*OpenAI, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		if config.UseAzure {
			apiKey = os.Getenv("AZURE_OPENAI_API_KEY")
		} else {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	modelID := config.Model
	if modelID == "" {
		modelID = os.Getenv("OPENAI_MODEL_ID")
	}
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}

	cfg := &openai.ChatModelConfig{
		APIKey:              apiKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	if config.UseAzure {
		cfg.ByAzure = true
		if config.APIVersion != "" {
			cfg.APIVersion = config.APIVersion
		} else {
			cfg.APIVersion = "2024-02-15-preview"
		}
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
	}
	return &OpenAI{chatModel: chatModel, maxTokens: maxTokens}, nil
}

// ChatCompletion runs one non-streaming generation and returns the
// assistant content.
func (p *OpenAI) ChatCompletion(ctx context.Context, messages []*schema.Message) (string, error) {
	msg, err := p.chatModel.Generate(ctx, messages, openai.WithMaxCompletionTokens(p.maxTokens))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	return msg.Content, nil
}
