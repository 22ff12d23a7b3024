package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	openai "github.com/sashabaranov/go-openai"

	"anivid/config"
	"anivid/models"
)

// LLMRequest is everything the orchestrator hands the model backend.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Turns        []models.ChatTurn
	MaxTokens    int
	Temperature  float32
}

// TokenStream yields reply text deltas. Recv returns io.EOF when the model
// is done. Close releases the upstream connection.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// LLMClient invokes the model as an opaque capability: system prompt plus
// turns in, token stream out. The vendor protocol stays behind this seam.
type LLMClient interface {
	StreamCompletion(ctx context.Context, req LLMRequest) (TokenStream, error)
}

type openaiClient struct {
	cfg *config.Config
}

// NewLLMClient creates an LLMClient backed by OpenAI-compatible providers
// from the configuration.
func NewLLMClient(cfg *config.Config) LLMClient {
	return &openaiClient{cfg: cfg}
}

func (c *openaiClient) StreamCompletion(ctx context.Context, req LLMRequest) (TokenStream, error) {
	route, ok := c.cfg.ModelRouteFor(req.Model)
	if !ok {
		// Allow a fully-qualified upstream model id routed via the default
		// provider, matching how model overrides are configured.
		route = config.ModelRoute{ID: req.Model, Provider: "openai"}
	}
	provider, ok := c.cfg.ProviderFor(route)
	if !ok {
		return nil, fmt.Errorf("no provider configured for model '%s'", req.Model)
	}
	if provider.APIKey == "" || provider.BaseURL == "" {
		return nil, errors.New("provider API key or base URL is not configured")
	}

	clientConfig := openai.DefaultConfig(provider.APIKey)
	clientConfig.BaseURL = provider.BaseURL
	client := openai.NewClientWithConfig(clientConfig)

	llmMessages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		llmMessages = append(llmMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		llmMessages = append(llmMessages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       route.ID,
		Messages:    llmMessages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		log.Printf("ERROR: [LLMClient] CreateChatCompletionStream failed for model %s: %v", route.ID, err)
		return nil, fmt.Errorf("model invocation failed for '%s': %w", route.ID, err)
	}
	return &openaiTokenStream{stream: stream}, nil
}

type openaiTokenStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next text delta, skipping empty choices.
func (s *openaiTokenStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to receive from model stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if content := response.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *openaiTokenStream) Close() error {
	s.stream.Close()
	return nil
}
