package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// OllamaChat streams completions from a local Ollama model through
// /api/chat. Useful for development without a hosted provider.
type OllamaChat struct {
	client *OllamaClient
	model  string
}

// NewOllamaChat builds an Ollama-backed ChatStreamer and TextGenerator.
func NewOllamaChat(client *OllamaClient, model string) *OllamaChat {
	return &OllamaChat{client: client, model: strings.TrimSpace(model)}
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func (g *OllamaChat) messages(systemPrompt string, history []ChatMessage) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		msg := ollamaChatMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, img.Data)
		}
		out = append(out, msg)
	}
	return out
}

// StreamChat implements ChatStreamer. Ollama streams newline-delimited JSON.
func (g *OllamaChat) StreamChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatStream, error) {
	if g.model == "" {
		return nil, fmt.Errorf("ollama generation model required")
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.model,
		Messages: g.messages(systemPrompt, history),
		Stream:   true,
		Options:  map[string]any{"num_predict": chatMaxTokens},
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.client.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// The shared client carries a short timeout meant for embeddings.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		cancel()
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return &ollamaStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type ollamaStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
	done   bool
}

func (s *ollamaStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		line, err := s.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk ollamaChatResponse
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr == nil {
				if chunk.Error != "" {
					return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
				}
				s.done = chunk.Done
				if chunk.Message.Content != "" {
					return chunk.Message.Content, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("ollama recv: %w", err)
		}
	}
}

func (s *ollamaStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// GenerateText implements TextGenerator using Ollama /api/chat.
func (g *OllamaChat) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}
	reqBody := ollamaChatRequest{
		Model:    g.model,
		Messages: g.messages(systemPrompt, []ChatMessage{{Role: "user", Content: userPrompt}}),
		Options:  map[string]any{"num_predict": titleMaxTokens},
	}

	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}
