package analysis

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

var (
	ErrModelUnavailable = errors.New("model not loaded")
	ErrUnsupportedImage = errors.New("unsupported image")
	ErrEmptyResponse    = errors.New("model returned no text")
	ErrObjectNotFound   = errors.New("image object not found")
	ErrInvalidInput     = errors.New("invalid input")
)
