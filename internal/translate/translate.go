// Package translate renders transcript segments into the user's preferred
// language. Translation is asynchronous and best-effort: a failed or dropped
// translation never affects the transcript itself.
package translate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Translator translates a single text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// OpenAITranslator implements Translator on the OpenAI chat completions API.
type OpenAITranslator struct {
	client oai.Client
	model  string
}

// Option configures the translator.
type Option func(*config)

type config struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// NewOpenAITranslator creates a translator.
func NewOpenAITranslator(apiKey, model string, opts ...Option) (*OpenAITranslator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translate: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("translate: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAITranslator{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Translate implements Translator.
func (t *OpenAITranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	prompt := fmt.Sprintf(
		"Translate the following utterance into %s. Reply with the translation only, no commentary.\n\n%s",
		targetLang, text)

	resp, err := t.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(t.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("translate: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// StaticTranslator returns its input prefixed with the target language.
// Used in tests.
type StaticTranslator struct{}

var _ Translator = StaticTranslator{}

func (StaticTranslator) Translate(_ context.Context, text, targetLang string) (string, error) {
	return "[" + targetLang + "] " + text, nil
}
