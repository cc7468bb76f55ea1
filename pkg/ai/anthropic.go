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
	"time"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicClient calls the Anthropic Messages API. It accepts images, so
// it also serves as the vision model.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient builds a client. Empty baseURL and model select the
// public API and the default model.
func NewAnthropicClient(baseURL, apiKey, model string) *AnthropicClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		// Only the header wait is bounded; streams run until done.
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func toAnthropicMessages(history []ChatMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(history))
	for _, m := range history {
		content := []anthropicContent{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			content = append(content, anthropicContent{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
			})
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: content})
	}
	return out
}

// StreamChat implements ChatStreamer.
func (c *AnthropicClient) StreamChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: chatMaxTokens,
		System:    systemPrompt,
		Messages:  toAnthropicMessages(history),
		Stream:    true,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &anthropicStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

// GenerateText implements TextGenerator for short completions such as titles.
func (c *AnthropicClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: titleMaxTokens,
		System:    systemPrompt,
		Messages:  toAnthropicMessages([]ChatMessage{{Role: "user", Content: userPrompt}}),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anthropic decode: %w", err)
	}
	var b strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("empty response from anthropic api")
	}
	return text, nil
}

func (c *AnthropicClient) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic api key required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp anthropicError
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("anthropic api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("anthropic api error: %s", resp.Status)
	}
	return resp, nil
}

type anthropicStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
}

func (s *anthropicStream) Recv() (string, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("anthropic recv: %w", err)
		}
		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return ev.Delta.Text, nil
			}
		case "message_stop":
			return "", io.EOF
		case "error":
			return "", fmt.Errorf("anthropic stream error: %s", ev.Error.Message)
		}
	}
}

func (s *anthropicStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
