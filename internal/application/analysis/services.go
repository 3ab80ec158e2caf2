package analysis

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bryanwahyu/image-analyst/internal/application"
	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
	"github.com/bryanwahyu/image-analyst/internal/metrics"
)

// Service runs analyses against a model handle. It never returns errors to
// its caller: failures come back as displayable Results.
type Service struct {
	log   *zap.SugaredLogger
	clock application.Clock
}

func NewService(log *zap.SugaredLogger, clock application.Clock) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Service{log: log, clock: clock}
}

// Analyze sends prompt and img to model and returns its text unmodified.
// A nil model is never called.
func (s *Service) Analyze(ctx context.Context, model domain.Model, img domain.Image, prompt string) (res domain.Result) {
	if model == nil {
		metrics.AnalysisTotal.WithLabelValues("unloaded").Inc()
		return domain.UnloadedResult()
	}

	name := model.Name()
	start := s.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			res = domain.FailureResult(name, fmt.Errorf("panic: %v", p))
		}
		elapsed := s.clock.Now().Sub(start)
		metrics.AnalysisDuration.Observe(elapsed.Seconds())
		if res.Failed() {
			metrics.AnalysisTotal.WithLabelValues("failed").Inc()
			s.log.Warnw("analysis failed", "model", name, "image", img.Filename, "duration", elapsed, "error", res.Err)
			return
		}
		metrics.AnalysisTotal.WithLabelValues("success").Inc()
		s.log.Infow("analysis done", "model", name, "image", img.Filename, "duration", elapsed, "chars", len(res.Text))
	}()

	text, err := model.Generate(ctx, prompt, img)
	if err != nil {
		return domain.FailureResult(name, err)
	}
	return domain.Result{Text: text, Model: name}
}

// Loader builds the model handle lazily and keeps it for the process
// lifetime once construction succeeds. A failed construction is retried on
// the next call, so a handle is built at most once per interaction.
type Loader struct {
	factory domain.ModelFactory
	name    string
	log     *zap.SugaredLogger

	mu    sync.Mutex
	model domain.Model
}

func NewLoader(factory domain.ModelFactory, name string, log *zap.SugaredLogger) *Loader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{factory: factory, name: name, log: log}
}

// Get returns the cached handle or tries to build it. On failure the handle
// is nil and err says why.
func (l *Loader) Get(ctx context.Context) (domain.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		return l.model, nil
	}

	m, err := l.factory.NewModel(ctx, l.name)
	if err == nil && m == nil {
		err = domain.ErrModelUnavailable
	}
	if err != nil {
		metrics.ModelLoadsTotal.WithLabelValues("failed").Inc()
		l.log.Errorw("model load failed", "model", l.name, "error", err)
		return nil, fmt.Errorf("load model %s: %w", l.name, err)
	}
	l.model = m
	metrics.ModelLoadsTotal.WithLabelValues("success").Inc()
	l.log.Infow("model loaded", "model", l.name)
	return m, nil
}

// Name is the configured model identifier.
func (l *Loader) Name() string { return l.name }

// Check implements the health checker contract: healthy once a handle exists
// or can be built.
func (l *Loader) Check(ctx context.Context) error {
	_, err := l.Get(ctx)
	return err
}
