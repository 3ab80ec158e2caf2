package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/image-analyst/internal/application"
	appanalysis "github.com/bryanwahyu/image-analyst/internal/application/analysis"
	"github.com/bryanwahyu/image-analyst/internal/config"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/domain/session"
	memsession "github.com/bryanwahyu/image-analyst/internal/infra/session"
	"github.com/bryanwahyu/image-analyst/internal/middleware"
)

type fakeModel struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
}

func (m *fakeModel) Name() string { return "fake-vision" }

func (m *fakeModel) Generate(_ context.Context, prompt string, _ domain.Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return m.text, m.err
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

type fakeModels struct {
	model domain.Model
	err   error
}

func (f fakeModels) Get(context.Context) (domain.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.model, nil
}

func (f fakeModels) Name() string { return "fake-vision" }

type fakeImages map[string]domain.Image

func (f fakeImages) Fetch(_ context.Context, key string) (domain.Image, error) {
	img, ok := f[key]
	if !ok {
		return domain.Image{}, fmt.Errorf("%w: %s", domain.ErrObjectNotFound, key)
	}
	return img, nil
}

func newTestRouter(t *testing.T, models ModelProvider, tweak func(*Options)) http.Handler {
	t.Helper()
	clock := &application.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		Analysis:       appanalysis.NewService(nil, clock),
		Models:         models,
		Sessions:       memsession.NewMemoryStore(time.Hour, clock),
		MaxUploadBytes: 1 << 20,
		Clock:          clock,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return NewRouter(opts)
}

// browser keeps the session cookie between requests.
type browser struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, h http.Handler) *browser {
	return &browser{t: t, h: h, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) upload(filename string, data []byte) *httptest.ResponseRecorder {
	body, ctype := multipartBody(b.t, filename, data, nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	return b.do(req)
}

func (b *browser) analyze(prompt string) *httptest.ResponseRecorder {
	form := url.Values{"prompt": {prompt}}
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	return buf.Bytes()
}

func TestFatalRouterRendersOnlyTheError(t *testing.T) {
	cause := fmt.Errorf("%w: set GEMINI_API_KEY", config.ErrMissingCredential)
	h := NewFatalRouter(cause, nil)

	for _, path := range []string{"/", "/upload", "/anything"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		body := rec.Body.String()
		assert.Contains(t, body, missingCredentialMsg)
		assert.NotContains(t, body, `type="file"`)
		assert.NotContains(t, body, "<textarea")
		assert.NotContains(t, body, "Analisar Imagem")
		assert.NotContains(t, body, "<h1>")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"`+missingCredentialMsg+`"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFatalRouterShowsOtherConfigErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	NewFatalRouter(errors.New("parse config.yaml: bad indent"), nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "parse config.yaml: bad indent")
}

func TestPageInitialState(t *testing.T) {
	b := newBrowser(t, newTestRouter(t, fakeModels{model: &fakeModel{}}, nil))

	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Analisador de Imagens com Gemini AI")
	assert.Contains(t, body, `accept=".jpg,.jpeg,.png"`)
	assert.NotContains(t, body, `id="analyze"`)
	assert.NotContains(t, body, "Resultado da Análise:")
	assert.NotContains(t, b.cookies, SessionCookie)
}

func TestReadOnlyRequestsDoNotStartSessions(t *testing.T) {
	clock := &application.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := memsession.NewMemoryStore(time.Hour, clock)
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, func(o *Options) { o.Sessions = store })

	for i := 0; i < 3; i++ {
		b := newBrowser(t, h)
		assert.Equal(t, http.StatusOK, b.get("/").Code)
		assert.Equal(t, http.StatusNotFound, b.get("/image").Code)
		assert.Equal(t, http.StatusBadRequest, b.analyze("x").Code)
		assert.Empty(t, b.cookies)
	}
	assert.Equal(t, 0, store.Len())

	b := newBrowser(t, h)
	require.Equal(t, http.StatusSeeOther, b.upload("cat.png", pngBytes(t)).Code)
	assert.Contains(t, b.cookies, SessionCookie)
	assert.Equal(t, 1, store.Len())
}

func TestUploadIsRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, func(o *Options) {
		o.Limiter = middleware.NewRateLimiter(ctx, 1, 0)
	})
	b := newBrowser(t, h)

	assert.Equal(t, http.StatusSeeOther, b.upload("cat.png", pngBytes(t)).Code)
	assert.Equal(t, http.StatusTooManyRequests, b.upload("cat.png", pngBytes(t)).Code)
}

func TestActiveSessionOutlivesTTL(t *testing.T) {
	clock := &application.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, func(o *Options) {
		o.Clock = clock
		o.Sessions = memsession.NewMemoryStore(30*time.Minute, clock)
	})
	b := newBrowser(t, h)
	require.Equal(t, http.StatusSeeOther, b.upload("cat.png", pngBytes(t)).Code)

	// reloads every 20 minutes keep the image for well past the TTL
	for i := 1; i <= 4; i++ {
		clock.Advance(20 * time.Minute)
		assert.Contains(t, b.get("/").Body.String(), "Imagem enviada.", "after %d reloads", i)
	}
	clock.Advance(20 * time.Minute)
	assert.Equal(t, http.StatusOK, b.get("/image").Code)

	clock.Advance(31 * time.Minute)
	assert.NotContains(t, b.get("/").Body.String(), "Imagem enviada.")
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	model := &fakeModel{text: "never"}
	b := newBrowser(t, newTestRouter(t, fakeModels{model: model}, nil))

	for _, name := range []string{"photo.gif", "photo.webp", "photo", "photo.png.exe"} {
		rec := b.upload(name, pngBytes(t))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, name)
		assert.NotContains(t, rec.Body.String(), `id="analyze"`)
	}

	// the flow never started
	rec := b.analyze("what is it?")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, model.calls())
}

func TestUploadRejectsUndecodableImage(t *testing.T) {
	b := newBrowser(t, newTestRouter(t, fakeModels{model: &fakeModel{}}, nil))
	rec := b.upload("photo.jpg", []byte("not an image"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, func(o *Options) { o.MaxUploadBytes = 64 })
	b := newBrowser(t, h)
	rec := b.upload("photo.png", bytes.Repeat([]byte{1}, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAnalyzeFlow(t *testing.T) {
	model := &fakeModel{text: "A cat on a chair."}
	b := newBrowser(t, newTestRouter(t, fakeModels{model: model}, nil))

	rec := b.upload("Cat.PNG", pngBytes(t))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	body := b.get("/").Body.String()
	assert.Contains(t, body, `id="analyze"`)
	assert.Contains(t, body, "Imagem enviada.")
	assert.Contains(t, body, domain.DefaultPrompt)
	assert.Contains(t, body, `width="4"`)

	img := b.get("/image")
	require.Equal(t, http.StatusOK, img.Code)
	assert.Equal(t, "image/png", img.Header().Get("Content-Type"))
	assert.Equal(t, pngBytes(t), img.Body.Bytes())

	rec = b.analyze(domain.DefaultPrompt)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, []string{domain.DefaultPrompt}, model.prompts)

	body = b.get("/").Body.String()
	assert.Contains(t, body, "Resultado da Análise:")
	assert.Contains(t, body, "<p>A cat on a chair.</p>")

	// shown once, gone on the next interaction
	body = b.get("/").Body.String()
	assert.NotContains(t, body, "A cat on a chair.")
	assert.Contains(t, body, `id="analyze"`)
}

func TestAnalyzeRendersMarkdownWithoutRawHTML(t *testing.T) {
	model := &fakeModel{text: "**Gato** <script>alert(1)</script>"}
	b := newBrowser(t, newTestRouter(t, fakeModels{model: model}, nil))
	b.upload("cat.png", pngBytes(t))
	b.analyze("?")

	body := b.get("/").Body.String()
	assert.Contains(t, body, "<strong>Gato</strong>")
	assert.NotContains(t, body, "<script>alert(1)</script>")
}

func TestAnalyzeFailureIsDisplayed(t *testing.T) {
	model := &fakeModel{err: errors.New("boom")}
	b := newBrowser(t, newTestRouter(t, fakeModels{model: model}, nil))
	b.upload("cat.jpeg.png", pngBytes(t))

	rec := b.analyze("")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, b.get("/").Body.String(), "Ocorreu um erro durante a análise: boom")
	assert.Equal(t, []string{""}, model.prompts)
}

func TestModelLoadFailure(t *testing.T) {
	models := fakeModels{err: errors.New("load model gemini-1.5-flash-latest: invalid key")}
	b := newBrowser(t, newTestRouter(t, models, nil))

	rec := b.upload("cat.png", pngBytes(t))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	body := b.get("/").Body.String()
	assert.Contains(t, body, "Erro ao carregar o modelo do Gemini: load model gemini-1.5-flash-latest: invalid key")
	assert.NotContains(t, body, `id="analyze"`)

	// a stale form post still gets the fixed answer
	b.analyze(domain.DefaultPrompt)
	assert.Contains(t, b.get("/").Body.String(), domain.ModelNotLoadedMessage)
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newTestRouter(t, fakeModels{model: &fakeModel{text: "ok"}}, nil)
	alice, bob := newBrowser(t, h), newBrowser(t, h)

	alice.upload("a.png", pngBytes(t))
	assert.Contains(t, alice.get("/").Body.String(), `id="analyze"`)
	assert.NotContains(t, bob.get("/").Body.String(), `id="analyze"`)
	assert.Equal(t, http.StatusNotFound, bob.get("/image").Code)
}

func TestAPIAnalyze(t *testing.T) {
	model := &fakeModel{text: "A cat on a chair."}
	h := newTestRouter(t, fakeModels{model: model}, nil)

	body, ctype := multipartBody(t, "cat.png", pngBytes(t), map[string]string{"prompt": "Que animal é?"})
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "A cat on a chair.", resp.Text)
	assert.Equal(t, "fake-vision", resp.Model)
	assert.Empty(t, resp.Error)
	assert.Equal(t, imageInfo{Filename: "cat.png", MIMEType: "image/png", Width: 4, Height: 3}, resp.Image)
	assert.Equal(t, []string{"Que animal é?"}, model.prompts)
}

func TestAPIAnalyzeDefaultsPrompt(t *testing.T) {
	model := &fakeModel{text: "x"}
	h := newTestRouter(t, fakeModels{model: model}, nil)

	body, ctype := multipartBody(t, "cat.png", pngBytes(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{domain.DefaultPrompt}, model.prompts)
}

func TestAPIAnalyzeErrors(t *testing.T) {
	cases := []struct {
		name     string
		models   ModelProvider
		filename string
		code     int
		errPart  string
	}{
		{"bad extension", fakeModels{model: &fakeModel{}}, "cat.bmp", http.StatusUnsupportedMediaType, "not allowed"},
		{"no model", fakeModels{err: errors.New("no key")}, "cat.png", http.StatusServiceUnavailable, "model not loaded"},
		{"quota", fakeModels{model: &fakeModel{err: fmt.Errorf("%w: slow down", domain.ErrQuotaExceeded)}}, "cat.png", http.StatusTooManyRequests, "slow down"},
		{"upstream", fakeModels{model: &fakeModel{err: errors.New("500 from upstream")}}, "cat.png", http.StatusBadGateway, "500 from upstream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(t, tc.models, nil)
			body, ctype := multipartBody(t, tc.filename, pngBytes(t), nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.errPart)
		})
	}
}

func TestAPIRequiresKeyWhenConfigured(t *testing.T) {
	h := newTestRouter(t, fakeModels{model: &fakeModel{text: "x"}}, func(o *Options) {
		o.APIKeys = map[string]string{"ci": "s3cret"}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/analyze", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// the page itself stays open
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIAnalyzeObject(t *testing.T) {
	model := &fakeModel{text: "A cat on a chair."}
	images := fakeImages{"uploads/cat.png": {Filename: "cat.png", MIMEType: "image/png", Data: []byte{1}, Width: 4, Height: 3}}
	h := newTestRouter(t, fakeModels{model: model}, func(o *Options) { o.Images = images })

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze/object", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"object_key":"uploads/cat.png","prompt":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "A cat on a chair.")
	assert.Equal(t, []string{""}, model.prompts)

	assert.Equal(t, http.StatusNotFound, post(`{"object_key":"uploads/dog.png"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"object_key":"../cat.png"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"object_key":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, post(`{"object_key":"uploads/cat.tiff"}`).Code)
}

func TestAPIAnalyzeObjectDisabledWithoutStorage(t *testing.T) {
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze/object", strings.NewReader(`{"object_key":"a.png"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestRouter(t, fakeModels{model: &fakeModel{}}, func(o *Options) {
		o.Checkers = map[string]middleware.HealthChecker{
			"model": middleware.CheckerFunc(func(context.Context) error { return nil }),
		}
	})
	for path, code := range map[string]int{"/health": 200, "/ready": 200, "/live": 200, "/metrics": 200} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, rec.Code, path)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", domain.ErrUnsupportedImage): http.StatusUnsupportedMediaType,
		fmt.Errorf("x: %w", domain.ErrInvalidInput):     http.StatusBadRequest,
		session.ErrNoImage:                              http.StatusBadRequest,
		fmt.Errorf("x: %w", domain.ErrObjectNotFound):   http.StatusNotFound,
		session.ErrAnalysisInProgress:                   http.StatusConflict,
		fmt.Errorf("x: %w", domain.ErrQuotaExceeded):    http.StatusTooManyRequests,
		domain.ErrModelUnavailable:                      http.StatusServiceUnavailable,
		&http.MaxBytesError{Limit: 1}:                   http.StatusRequestEntityTooLarge,
		errors.New("other"):                             http.StatusInternalServerError,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(err), err.Error())
	}
}
