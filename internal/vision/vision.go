// Package vision describes conversation photos. Openglass devices attach
// images to conversations; the describer turns each image into a short text
// description stored on the ConversationPhoto.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Describer produces a short textual description of an image.
type Describer interface {
	DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error)
}

const describePrompt = "Describe the scene in this photo in one or two factual sentences. " +
	"Mention people only by count, never identity."

// OpenAIDescriber implements Describer on the OpenAI chat completions API
// with image input.
type OpenAIDescriber struct {
	client oai.Client
	model  string
}

// Option configures the describer.
type Option func(*config)

type config struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL (for OpenAI-compatible gateways).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// NewOpenAIDescriber creates a describer. model must support image input.
func NewOpenAIDescriber(apiKey, model string, opts ...Option) (*OpenAIDescriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("vision: model must not be empty")
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

	return &OpenAIDescriber{client: oai.NewClient(reqOpts...), model: model}, nil
}

// DescribeImage implements Describer.
func (d *OpenAIDescriber) DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	resp, err := d.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(d.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(describePrompt),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision: describe image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// StaticDescriber returns a fixed description. Used when no vision API is
// configured and in tests.
type StaticDescriber struct {
	Description string
}

var _ Describer = StaticDescriber{}

func (s StaticDescriber) DescribeImage(context.Context, []byte, string) (string, error) {
	return s.Description, nil
}
