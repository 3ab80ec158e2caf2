package analysis

import "context"

// Model is a handle on one remote multimodal model version.
type Model interface {
	Name() string
	// Generate submits prompt and image, in that order, and returns the response text.
	Generate(ctx context.Context, prompt string, img Image) (string, error)
}

// ModelFactory builds Model handles for a provider.
type ModelFactory interface {
	NewModel(ctx context.Context, name string) (Model, error)
}

// ImageSource fetches images that already live elsewhere (object storage).
type ImageSource interface {
	Fetch(ctx context.Context, key string) (Image, error)
}
