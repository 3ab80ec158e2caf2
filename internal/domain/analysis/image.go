package analysis

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
)

// AllowedExtensions is the upload allow-list, lower case and without the dot.
var AllowedExtensions = []string{"jpg", "jpeg", "png"}

var formatMIME = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// AcceptAttr renders AllowedExtensions for an <input type="file" accept=...>.
func AcceptAttr() string {
	parts := make([]string, len(AllowedExtensions))
	for i, ext := range AllowedExtensions {
		parts[i] = "." + ext
	}
	return strings.Join(parts, ",")
}

// CheckExtension rejects names whose extension is not in AllowedExtensions.
func CheckExtension(name string) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q not allowed (allowed: %s)", ErrUnsupportedImage, ext, strings.Join(AllowedExtensions, ", "))
}

// DecodeImage validates the name, decodes data fully and returns the Image.
// The MIME type comes from the decoded format, not from the client.
func DecodeImage(name string, data []byte) (Image, error) {
	if err := CheckExtension(name); err != nil {
		return Image{}, err
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	mime, ok := formatMIME[format]
	if !ok {
		return Image{}, fmt.Errorf("%w: format %q", ErrUnsupportedImage, format)
	}
	b := img.Bounds()
	return Image{
		Filename: filepath.Base(name),
		MIMEType: mime,
		Data:     data,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}
