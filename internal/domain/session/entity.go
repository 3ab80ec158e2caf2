package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanwahyu/image-analyst/internal/domain/analysis"
)

// ID identifies one browser session.
type ID string

// State of the page flow.
type State string

const (
	StateIdle        State = "idle"
	StateReady       State = "ready"
	StateAnalyzing   State = "analyzing"
	StateResultShown State = "result_shown"
)

var (
	ErrNoImage            = errors.New("no image uploaded")
	ErrAnalysisInProgress = errors.New("analysis already in progress")
	ErrNotAnalyzing       = errors.New("no analysis in progress")
)

// Session holds one visitor's transient state. Safe for concurrent use.
type Session struct {
	ID ID

	mu       sync.Mutex
	state    State
	image    *analysis.Image
	prompt   string
	result   *analysis.Result
	lastSeen time.Time
}

// Snapshot is a copy of a session taken under its lock.
type Snapshot struct {
	ID     ID
	State  State
	Image  *analysis.Image
	Prompt string
	Result *analysis.Result
}

func New(id ID, now time.Time) *Session {
	return &Session{ID: id, state: StateIdle, prompt: analysis.DefaultPrompt, lastSeen: now}
}

// Upload stores a decoded image and moves to Ready. Any shown result is dropped.
func (s *Session) Upload(img analysis.Image, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAnalyzing {
		return ErrAnalysisInProgress
	}
	s.image = &img
	s.result = nil
	s.state = StateReady
	s.lastSeen = now
	return nil
}

// BeginAnalysis records the prompt and enters Analyzing. The returned image is
// the one the analysis must use.
func (s *Session) BeginAnalysis(prompt string, now time.Time) (analysis.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	switch s.state {
	case StateIdle:
		return analysis.Image{}, ErrNoImage
	case StateAnalyzing:
		return analysis.Image{}, ErrAnalysisInProgress
	}
	s.prompt = prompt
	s.result = nil
	s.state = StateAnalyzing
	return *s.image, nil
}

// Complete stores the result of the analysis started by BeginAnalysis.
func (s *Session) Complete(res analysis.Result, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAnalyzing {
		return fmt.Errorf("%w: state is %s", ErrNotAnalyzing, s.state)
	}
	s.result = &res
	s.state = StateResultShown
	s.lastSeen = now
	return nil
}

// Acknowledge discards a displayed result and returns to Ready.
func (s *Session) Acknowledge(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateResultShown {
		s.result = nil
		s.state = StateReady
	}
	s.lastSeen = now
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{ID: s.ID, State: s.state, Prompt: s.prompt}
	if s.image != nil {
		img := *s.image
		snap.Image = &img
	}
	if s.result != nil {
		res := *s.result
		snap.Result = &res
	}
	return snap
}

// Touch records activity that does not change state, such as a page view.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

// IdleSince reports whether the session was last touched before t.
func (s *Session) IdleSince(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(t)
}
