package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
)

// Factory builds Gemini model handles from a static API key.
type Factory struct {
	APIKey     string
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

func NewFactory(apiKey string) *Factory {
	return &Factory{APIKey: apiKey}
}

func (f *Factory) NewModel(ctx context.Context, name string) (domain.Model, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("model name is required")
	}
	if f.APIKey == "" {
		return nil, errors.New("apiKey is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     f.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: f.HTTPClient,
	}
	if f.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: f.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Model{client: client, name: name}, nil
}

// Model is a handle on one Gemini model version.
type Model struct {
	client *genai.Client
	name   string
}

func (m *Model) Name() string { return m.name }

func (m *Model) Generate(ctx context.Context, prompt string, img domain.Image) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts(buildParts(prompt, img), genai.RoleUser)}
	res, err := m.client.Models.GenerateContent(ctx, m.name, contents, nil)
	if err != nil {
		return "", classify(err)
	}
	return extractText(res)
}

// buildParts keeps the prompt first and the image second. An empty prompt is
// still sent so the pair stays ordered.
func buildParts(prompt string, img domain.Image) []*genai.Part {
	return []*genai.Part{
		genai.NewPartFromText(prompt),
		{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}},
	}
}

func extractText(res *genai.GenerateContentResponse) (string, error) {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0] == nil || res.Candidates[0].Content == nil {
		if res != nil && res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", domain.ErrEmptyResponse, res.PromptFeedback.BlockReason)
		}
		return "", domain.ErrEmptyResponse
	}
	var out strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			out.WriteString(p.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("%w: finish reason %s", domain.ErrEmptyResponse, res.Candidates[0].FinishReason)
	}
	return out.String(), nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, apiErr.Message)
	}
	return fmt.Errorf("generate content: %w", err)
}
