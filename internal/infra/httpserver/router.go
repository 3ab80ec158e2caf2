package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bryanwahyu/image-analyst/internal/application"
	appanalysis "github.com/bryanwahyu/image-analyst/internal/application/analysis"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/domain/session"
	"github.com/bryanwahyu/image-analyst/internal/logger"
	"github.com/bryanwahyu/image-analyst/internal/middleware"
)

// ModelProvider hands out the (possibly cached) model handle.
type ModelProvider interface {
	Get(ctx context.Context) (domain.Model, error)
	Name() string
}

// Options carries everything NewRouter wires together.
type Options struct {
	Analysis       *appanalysis.Service
	Models         ModelProvider
	Sessions       session.Store
	Images         domain.ImageSource // nil disables /v1/analyze/object
	Limiter        *middleware.RateLimiter
	Checkers       map[string]middleware.HealthChecker
	APIKeys        map[string]string
	CORSOrigins    []string
	MaxUploadBytes int64
	Clock          application.Clock
	Log            *zap.SugaredLogger
}

type Router struct {
	analysis  *appanalysis.Service
	models    ModelProvider
	sessions  session.Store
	images    domain.ImageSource
	maxUpload int64
	clock     application.Clock
	log       *zap.SugaredLogger
}

func NewRouter(opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = application.SystemClock{}
	}
	r := &Router{
		analysis:  opts.Analysis,
		models:    opts.Models,
		sessions:  opts.Sessions,
		images:    opts.Images,
		maxUpload: opts.MaxUploadBytes,
		clock:     opts.Clock,
		log:       opts.Log,
	}

	mux := newBaseMux(opts.Log, opts.CORSOrigins)
	mux.Get("/health", middleware.HealthHandler(opts.Checkers))
	mux.Get("/ready", middleware.ReadinessHandler(nil))

	limit := func(h http.Handler) http.Handler { return h }
	if opts.Limiter != nil {
		limit = middleware.RateLimit(opts.Limiter)
	}

	// only an upload starts a session
	mux.Get("/", r.wrapPage(r.handlePage, false))
	mux.Get("/image", r.wrapPage(r.handleImage, false))
	mux.With(limit).Post("/upload", r.wrapPage(r.handleUpload, true))
	mux.With(limit).Post("/analyze", r.wrapPage(r.handleAnalyze, false))

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(opts.APIKeys))
		rt.Use(limit)
		rt.Post("/analyze", r.wrap(r.handleAPIAnalyze))
		rt.Post("/analyze/object", r.wrap(r.handleAPIAnalyzeObject))
	})

	return mux
}

// NewFatalRouter serves only the fatal configuration error: no widget is
// rendered and nothing reaches a model.
func NewFatalRouter(cause error, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mux := newBaseMux(log, nil)
	mux.Get("/health", middleware.HealthHandler(map[string]middleware.HealthChecker{
		"config": middleware.CheckerFunc(func(context.Context) error { return cause }),
	}))
	mux.Get("/ready", middleware.ReadinessHandler(func() bool { return false }))

	msg := fatalMessage(cause)
	mux.Route("/v1", func(rt chi.Router) {
		rt.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: msg})
		})
	})
	page := func(w http.ResponseWriter, req *http.Request) {
		renderPage(w, http.StatusServiceUnavailable, pageView{Fatal: msg}, log)
	}
	mux.NotFound(page)
	mux.MethodNotAllowed(page)
	mux.HandleFunc("/", page)
	return mux
}

func newBaseMux(log *zap.SugaredLogger, origins []string) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recovery(log))
	mux.Use(middleware.Logging(log))
	mux.Use(middleware.Metrics)
	if len(origins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}
	mux.Get("/live", middleware.LivenessHandler)
	mux.Method(http.MethodGet, "/metrics", middleware.MetricsHandler())
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type errorBody struct {
	Error string `json:"error"`
}

// wrap maps API errors to JSON responses.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				logger.FromContext(req.Context(), r.log).Errorw("request failed", "path", req.URL.Path, "error", err)
			}
			writeJSON(w, code, errorBody{Error: err.Error()})
		}
	}
}

func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, session.ErrNoImage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAnalysisInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
