package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrVisionUnsupported is returned when images reach a text-only model.
var ErrVisionUnsupported = errors.New("model does not accept images")

// Image is one base64 encoded picture attached to a user message.
type Image struct {
	MediaType string
	Data      string
}

// ChatMessage is one turn of the replayed conversation.
type ChatMessage struct {
	Role    string
	Content string
	Images  []Image
}

// ChatStream yields the model output incrementally. Recv returns io.EOF
// after the last delta. Close aborts the upstream call.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// ChatStreamer starts a streamed completion.
type ChatStreamer interface {
	StreamChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatStream, error)
}

// TextGenerator generates text from a system prompt and user prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider bundles the models used for one chat turn.
type Provider struct {
	Default ChatStreamer
	// Vision is used whenever the turn carries images.
	Vision ChatStreamer
	Titles TextGenerator
}

// Streamer picks the model for a turn.
func (p Provider) Streamer(hasImages bool) (ChatStreamer, error) {
	if hasImages {
		if p.Vision == nil {
			return nil, ErrVisionUnsupported
		}
		return p.Vision, nil
	}
	if p.Default == nil {
		return nil, errors.New("no chat model configured")
	}
	return p.Default, nil
}

const titleMaxTokens = 50

// TitlePrompt is the instruction sent to generate a conversation title.
func TitlePrompt(firstMessage string) string {
	return fmt.Sprintf("Genera un título corto (máximo 6 palabras, sin comillas) para una conversación que empieza con este mensaje:\n\n\"%s\"", firstMessage)
}

// GenerateTitle asks gen for a short title for a conversation starting
// with firstMessage.
func GenerateTitle(ctx context.Context, gen TextGenerator, firstMessage string) (string, error) {
	if gen == nil {
		return "", errors.New("no title model configured")
	}
	raw, err := gen.GenerateText(ctx, "", TitlePrompt(firstMessage))
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(raw), "\"'«»“”")
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("empty title")
	}
	return title, nil
}
