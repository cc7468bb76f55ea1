package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func drain(t *testing.T, stream ChatStream) string {
	t.Helper()
	defer stream.Close()
	var b strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return b.String()
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		b.WriteString(delta)
	}
}

func TestOpenAICompatStreamChat(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer gsk-test" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hola", "", ", ¿qué", " tal?"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAICompatClient(srv.URL+"/v1", "gsk-test", "", srv.Client())
	stream, err := client.StreamChat(context.Background(), "sistema", []ChatMessage{
		{Role: "user", Content: "hola"},
		{Role: "assistant", Content: "buenas"},
		{Role: "user", Content: "¿qué tal?"},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text := drain(t, stream); text != "Hola, ¿qué tal?" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != DefaultGroqModel || got.MaxTokens != 4096 || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || got.Messages[0].Content != "sistema" {
		t.Fatalf("system prompt not sent first: %+v", got.Messages)
	}
}

func TestOpenAICompatStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit reached","type":"requests"}}`)
	}))
	defer srv.Close()

	client := NewOpenAICompatClient(srv.URL, "k", "m", srv.Client())
	if _, err := client.StreamChat(context.Background(), "", []ChatMessage{{Role: "user", Content: "x"}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenAICompatGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MaxTokens int `json:"max_tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != 50 {
			t.Errorf("expected 50 max tokens, got %d", req.MaxTokens)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"  \"Reinicio del router\"  "}}]}`)
	}))
	defer srv.Close()

	client := NewOpenAICompatClient(srv.URL, "k", "m", srv.Client())
	title, err := GenerateTitle(context.Background(), client, "¿cómo reinicio el router?")
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Reinicio del router" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestAnthropicStreamChatWithImages(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Veo un \"}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\": \"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"router\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	client := NewAnthropicClient(srv.URL, "sk-ant", "")
	stream, err := client.StreamChat(context.Background(), "sistema", []ChatMessage{{
		Role:    "user",
		Content: "¿qué ves?",
		Images:  []Image{{MediaType: "image/png", Data: "iVBORw0KGgo="}},
	}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text := drain(t, stream); text != "Veo un router" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.System != "sistema" || !got.Stream || got.Model != DefaultAnthropicModel {
		t.Fatalf("unexpected request %+v", got)
	}
	content := got.Messages[0].Content
	if len(content) != 2 || content[1].Type != "image" || content[1].Source.MediaType != "image/png" {
		t.Fatalf("image block missing: %+v", content)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hola\"}}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	stream, err := NewAnthropicClient(srv.URL, "k", "").StreamChat(context.Background(), "", []ChatMessage{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()
	if delta, err := stream.Recv(); err != nil || delta != "Hola" {
		t.Fatalf("unexpected first delta %q %v", delta, err)
	}
	if _, err := stream.Recv(); err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Fatalf("expected overloaded error, got %v", err)
	}
}

func TestAnthropicRequiresKey(t *testing.T) {
	if _, err := NewAnthropicClient("", "", "").GenerateText(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestOllamaChatStreamAndBatchEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Buenos"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":" días"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		case "/api/embed":
			var req struct {
				Input []string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			out := make([][]float32, len(req.Input))
			for i := range req.Input {
				out[i] = []float32{float32(i), 1}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	stream, err := NewOllamaChat(client, "llama3").StreamChat(context.Background(), "sys", []ChatMessage{{Role: "user", Content: "hola"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text := drain(t, stream); text != "Buenos días" {
		t.Fatalf("unexpected text %q", text)
	}

	vecs, err := NewOllamaEmbedder(client, "nomic", 0).EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 2 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
}

type stubStreamer struct{ name string }

func (stubStreamer) StreamChat(context.Context, string, []ChatMessage) (ChatStream, error) {
	return nil, nil
}

func TestProviderPicksVisionForImages(t *testing.T) {
	p := Provider{Default: stubStreamer{"groq"}, Vision: stubStreamer{"claude"}}
	if s, _ := p.Streamer(true); s.(stubStreamer).name != "claude" {
		t.Fatalf("expected vision model for images")
	}
	if s, _ := p.Streamer(false); s.(stubStreamer).name != "groq" {
		t.Fatalf("expected default model without images")
	}
	if _, err := (Provider{Default: stubStreamer{}}).Streamer(true); !errors.Is(err, ErrVisionUnsupported) {
		t.Fatalf("expected ErrVisionUnsupported, got %v", err)
	}
}
