package middleware

import (
	"fmt"
	"path"
	"strings"

	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
)

// Input validation and sanitization utilities

const maxObjectKeyLen = 1024

// ValidateObjectKey checks an object storage key before it reaches the bucket.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: object_key is required", domain.ErrInvalidInput)
	}
	if len(key) > maxObjectKeyLen {
		return fmt.Errorf("%w: object_key longer than %d bytes", domain.ErrInvalidInput, maxObjectKeyLen)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: object_key must be relative", domain.ErrInvalidInput)
	}

	// Block path traversal attempts
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path traversal detected", domain.ErrInvalidInput)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: object_key is not in canonical form", domain.ErrInvalidInput)
	}

	for _, r := range key {
		if r < 32 || r == 0x7f {
			return fmt.Errorf("%w: control characters in object_key", domain.ErrInvalidInput)
		}
	}

	return domain.CheckExtension(key)
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}
