package httpserver

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"hash/crc32"
	"html/template"
	"io"
	"net/http"
	"strconv"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/bryanwahyu/image-analyst/internal/config"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/domain/session"
	"github.com/bryanwahyu/image-analyst/internal/logger"
	"github.com/bryanwahyu/image-analyst/internal/metrics"
	"github.com/bryanwahyu/image-analyst/internal/middleware"
)

const (
	// SessionCookie names the cookie carrying the session id.
	SessionCookie = "analyst_session"

	modelErrorPrefix     = "Erro ao carregar o modelo do Gemini: "
	missingCredentialMsg = "Chave de API do Gemini não encontrada! Por favor, configure seu arquivo .env."
)

//go:embed templates/page.html
var templateFS embed.FS

var pageTmpl = template.Must(template.ParseFS(templateFS, "templates/page.html"))

var markdown = goldmark.New()

type pageView struct {
	Fatal      string
	ModelError string
	Notice     string
	Accept     string

	HasImage     bool
	ModelReady   bool
	ImageVersion string
	ImageName    string
	ImageWidth   int
	ImageHeight  int

	Prompt    string
	Analyzing bool

	HasResult bool
	Result    template.HTML
}

func renderPage(w http.ResponseWriter, code int, view pageView, log *zap.SugaredLogger) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, view); err != nil {
		log.Errorw("render page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func fatalMessage(cause error) string {
	if errors.Is(cause, config.ErrMissingCredential) {
		return missingCredentialMsg
	}
	return cause.Error()
}

// renderMarkdown turns model output into HTML. Raw HTML in the text is not
// passed through.
func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return template.HTML(buf.String())
}

// wrapPage renders handler errors as the page itself, with the message shown
// above the widgets. With create set, a caller without a live session gets a
// new one; otherwise the handler sees a nil session.
func (r *Router) wrapPage(h handlerFunc, create bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess := r.lookupSession(req)
		if sess == nil && create {
			sess = r.startSession(w, req)
		}
		req = req.WithContext(context.WithValue(req.Context(), sessionCtxKey{}, sess))
		if err := h(w, req); err != nil {
			code := statusFor(err)
			log := logger.FromContext(req.Context(), r.log)
			if code >= http.StatusInternalServerError {
				log.Errorw("page request failed", "path", req.URL.Path, "error", err)
			} else {
				log.Infow("page request rejected", "path", req.URL.Path, "status", code, "error", err)
			}
			view := r.buildView(req.Context(), snapshotOf(sess))
			view.Notice = err.Error()
			renderPage(w, code, view, r.log)
		}
	}
}

type sessionCtxKey struct{}

// currentSession is nil when the caller has no live session.
func currentSession(req *http.Request) *session.Session {
	s, _ := req.Context().Value(sessionCtxKey{}).(*session.Session)
	return s
}

// snapshotOf treats a missing session as a fresh one.
func snapshotOf(s *session.Session) session.Snapshot {
	if s == nil {
		return session.Snapshot{State: session.StateIdle, Prompt: domain.DefaultPrompt}
	}
	return s.Snapshot()
}

func (r *Router) lookupSession(req *http.Request) *session.Session {
	c, err := req.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	s, ok := r.sessions.Get(req.Context(), session.ID(c.Value))
	if !ok {
		return nil
	}
	return s
}

func (r *Router) startSession(w http.ResponseWriter, req *http.Request) *session.Session {
	s := r.sessions.Create(req.Context())
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    string(s.ID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   req.TLS != nil,
	})
	return s
}

func (r *Router) buildView(ctx context.Context, snap session.Snapshot) pageView {
	view := pageView{
		Accept:    domain.AcceptAttr(),
		Prompt:    snap.Prompt,
		Analyzing: snap.State == session.StateAnalyzing,
	}
	if _, err := r.models.Get(ctx); err != nil {
		view.ModelError = modelErrorPrefix + err.Error()
	} else {
		view.ModelReady = true
	}
	if img := snap.Image; img != nil {
		view.HasImage = true
		view.ImageName = img.Filename
		view.ImageWidth = img.Width
		view.ImageHeight = img.Height
		view.ImageVersion = strconv.FormatUint(uint64(crc32.ChecksumIEEE(img.Data)), 16)
	}
	if res := snap.Result; res != nil {
		view.HasResult = true
		view.Result = renderMarkdown(res.Text)
	}
	return view
}

func (r *Router) handlePage(w http.ResponseWriter, req *http.Request) error {
	sess := currentSession(req)
	snap := snapshotOf(sess)
	view := r.buildView(req.Context(), snap)
	// a result is shown exactly once
	if sess != nil && snap.State == session.StateResultShown {
		sess.Acknowledge(r.clock.Now())
	}
	renderPage(w, http.StatusOK, view, r.log)
	return nil
}

func (r *Router) handleImage(w http.ResponseWriter, req *http.Request) error {
	snap := snapshotOf(currentSession(req))
	if snap.Image == nil {
		http.NotFound(w, req)
		return nil
	}
	w.Header().Set("Content-Type", snap.Image.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Image.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(snap.Image.Data)
	return nil
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) error {
	sess := currentSession(req)
	img, err := r.readUpload(w, req)
	if err != nil {
		return err
	}
	if err := sess.Upload(img, r.clock.Now()); err != nil {
		return err
	}
	logger.FromContext(req.Context(), r.log).Infow("image uploaded",
		"session", sess.ID, "image", img.Filename, "mime", img.MIMEType, "width", img.Width, "height", img.Height)
	http.Redirect(w, req, "/", http.StatusSeeOther)
	return nil
}

// readUpload pulls the "image" part out of a multipart request. The extension
// is checked before any byte of the file is read.
func (r *Router) readUpload(w http.ResponseWriter, req *http.Request) (domain.Image, error) {
	if r.maxUpload > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)
	}
	file, header, err := req.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			metrics.UploadsRejected.WithLabelValues("too_large").Inc()
			return domain.Image{}, err
		}
		metrics.UploadsRejected.WithLabelValues("missing").Inc()
		return domain.Image{}, fmt.Errorf("%w: image file is required", domain.ErrInvalidInput)
	}
	defer file.Close()

	name := middleware.SanitizeString(header.Filename)
	if err := domain.CheckExtension(name); err != nil {
		metrics.UploadsRejected.WithLabelValues("extension").Inc()
		return domain.Image{}, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		metrics.UploadsRejected.WithLabelValues("read").Inc()
		return domain.Image{}, fmt.Errorf("read upload: %w", err)
	}
	img, err := domain.DecodeImage(name, data)
	if err != nil {
		metrics.UploadsRejected.WithLabelValues("decode").Inc()
		return domain.Image{}, err
	}
	return img, nil
}

func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	sess := currentSession(req)
	if sess == nil {
		return session.ErrNoImage
	}
	if err := req.ParseForm(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	prompt := domain.DefaultPrompt
	if v, ok := req.PostForm["prompt"]; ok && len(v) > 0 {
		prompt = v[0]
	}

	img, err := sess.BeginAnalysis(prompt, r.clock.Now())
	if err != nil {
		return err
	}
	res := r.analysis.Analyze(req.Context(), r.model(req.Context()), img, prompt)
	if err := sess.Complete(res, r.clock.Now()); err != nil {
		return err
	}
	http.Redirect(w, req, "/", http.StatusSeeOther)
	return nil
}

// model returns the cached handle, or nil when it cannot be built.
func (r *Router) model(ctx context.Context) domain.Model {
	m, err := r.models.Get(ctx)
	if err != nil {
		logger.FromContext(ctx, r.log).Warnw("model unavailable", "model", r.models.Name(), "error", err)
		return nil
	}
	return m
}
