package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/logger"
	"github.com/bryanwahyu/image-analyst/internal/middleware"
)

type imageInfo struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type analyzeResponse struct {
	Text  string    `json:"text"`
	Model string    `json:"model,omitempty"`
	Error string    `json:"error,omitempty"`
	Image imageInfo `json:"image"`
}

type analyzeObjectRequest struct {
	ObjectKey string  `json:"object_key"`
	Prompt    *string `json:"prompt"`
}

// POST /v1/analyze (multipart: image, prompt)
func (r *Router) handleAPIAnalyze(w http.ResponseWriter, req *http.Request) error {
	img, err := r.readUpload(w, req)
	if err != nil {
		return err
	}
	prompt := domain.DefaultPrompt
	if v, ok := req.MultipartForm.Value["prompt"]; ok && len(v) > 0 {
		prompt = v[0]
	}
	r.respondAnalysis(w, req, img, prompt)
	return nil
}

// POST /v1/analyze/object
func (r *Router) handleAPIAnalyzeObject(w http.ResponseWriter, req *http.Request) error {
	if r.images == nil {
		http.NotFound(w, req)
		return nil
	}
	var body analyzeObjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidInput, err)
	}
	key := middleware.SanitizeString(body.ObjectKey)
	if err := middleware.ValidateObjectKey(key); err != nil {
		return err
	}
	prompt := domain.DefaultPrompt
	if body.Prompt != nil {
		prompt = *body.Prompt
	}

	img, err := r.images.Fetch(req.Context(), key)
	if err != nil {
		return err
	}
	r.respondAnalysis(w, req, img, prompt)
	return nil
}

func (r *Router) respondAnalysis(w http.ResponseWriter, req *http.Request, img domain.Image, prompt string) {
	res := r.analysis.Analyze(req.Context(), r.model(req.Context()), img, prompt)
	resp := analyzeResponse{
		Text:  res.Text,
		Model: res.Model,
		Error: res.ErrorString(),
		Image: imageInfo{Filename: img.Filename, MIMEType: img.MIMEType, Width: img.Width, Height: img.Height},
	}
	code := http.StatusOK
	if res.Failed() {
		code = resultStatus(res.Err)
	}
	logger.FromContext(req.Context(), r.log).Infow("api analysis",
		"client", middleware.GetClientFromContext(req.Context()), "image", img.Filename, "status", code)
	writeJSON(w, code, resp)
}

// resultStatus maps a failed analysis to a status. Upstream failures that are
// not quota or availability problems are reported as a bad gateway.
func resultStatus(err error) int {
	switch code := statusFor(err); code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return code
	default:
		return http.StatusBadGateway
	}
}
