package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
)

const maxTokens = 2048

// Factory builds handles on OpenAI-compatible vision models.
type Factory struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewFactory(apiKey, baseURL string) *Factory {
	return &Factory{APIKey: apiKey, BaseURL: baseURL}
}

func (f *Factory) NewModel(_ context.Context, name string) (domain.Model, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("model name is required")
	}
	if f.APIKey == "" {
		return nil, errors.New("apiKey is required")
	}
	cfg := openai.DefaultConfig(f.APIKey)
	if f.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(f.BaseURL, "/")
	}
	if f.HTTPClient != nil {
		cfg.HTTPClient = f.HTTPClient
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: name}, nil
}

type Client struct {
	*openai.Client
	Model string
}

func (c *Client) Name() string { return c.Model }

func (c *Client) Generate(ctx context.Context, prompt string, img domain.Image) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: buildParts(prompt, img)},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if strings.HasPrefix(c.Model, "o1") || strings.HasPrefix(c.Model, "o3") || strings.HasPrefix(c.Model, "o4") || strings.HasPrefix(c.Model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", domain.ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func buildParts(prompt string, img domain.Image) []openai.ChatMessagePart {
	return []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: prompt},
		{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
			URL:    dataURI(img),
			Detail: openai.ImageURLDetailAuto,
		}},
	}
}

func dataURI(img domain.Image) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, reqErr.Err)
	}
	return fmt.Errorf("failed to create chat completion: %w", err)
}
