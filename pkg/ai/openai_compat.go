package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "llama-3.3-70b-versatile"
	chatMaxTokens      = 4096
)

// OpenAICompatClient talks to any OpenAI-compatible /chat/completions
// endpoint (Groq, vLLM, LiteLLM, OpenRouter, ...).
type OpenAICompatClient struct {
	client *openai.Client
	model  string
}

// NewOpenAICompatClient builds a client. baseURL should include the /v1
// prefix; an empty baseURL selects Groq.
func NewOpenAICompatClient(baseURL, apiKey, model string, httpClient *http.Client) *OpenAICompatClient {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGroqBaseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultGroqModel
	}
	return &OpenAICompatClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// StreamChat implements ChatStreamer.
func (c *OpenAICompatClient) StreamChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatStream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		messages = append(messages, toOpenAIMessage(m))
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: chatMaxTokens,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai-compat stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func toOpenAIMessage(m ChatMessage) openai.ChatCompletionMessage {
	if len(m.Images) == 0 {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: "data:" + img.MediaType + ";base64," + img.Data},
		})
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("openai-compat recv: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// GenerateText implements TextGenerator for short completions such as titles.
func (c *OpenAICompatClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: titleMaxTokens,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}
