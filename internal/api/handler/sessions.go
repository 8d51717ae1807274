package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quickreply/quickreply/internal/search/pipeline"
	apperrors "github.com/quickreply/quickreply/pkg/errors"
	"github.com/quickreply/quickreply/pkg/metrics"
)

// Sessions maps client-chosen ids to open search pipelines.
type Sessions struct {
	open    func() *pipeline.Pipeline
	max     int
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	pipeline *pipeline.Pipeline
	lastUsed time.Time
}

func NewSessions(open func() *pipeline.Pipeline, max int, m *metrics.Metrics) *Sessions {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Sessions{
		open:     open,
		max:      max,
		metrics:  m,
		logger:   slog.Default().With("component", "search-sessions"),
		sessions: make(map[string]*session),
	}
}

// Acquire returns the pipeline of id, opening one if needed.
func (s *Sessions) Acquire(id string) (*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastUsed = time.Now()
		return sess.pipeline, nil
	}
	if s.max > 0 && len(s.sessions) >= s.max {
		return nil, apperrors.ErrTooManySessions
	}
	sess := &session{pipeline: s.open(), lastUsed: time.Now()}
	s.sessions[id] = sess
	s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.logger.Debug("session opened", "session", id)
	return sess.pipeline, nil
}

// Get returns the pipeline of an existing session.
func (s *Sessions) Get(id string) (*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	sess.lastUsed = time.Now()
	return sess.pipeline, nil
}

func (s *Sessions) Close(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	sess.pipeline.Close()
	s.logger.Debug("session closed", "session", id)
	return nil
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes sessions unused for longer than idle and returns how many.
func (s *Sessions) Reap(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	var stale []*session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, sess := range stale {
		sess.pipeline.Close()
	}
	if len(stale) > 0 {
		s.logger.Info("idle sessions reaped", "count", len(stale))
	}
	return len(stale)
}

// Run reaps idle sessions every interval until ctx is done, then closes
// the rest.
func (s *Sessions) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.CloseAll()
			return
		case <-ticker.C:
			s.Reap(idle)
		}
	}
}

func (s *Sessions) CloseAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*session)
	s.metrics.ActiveSessions.Set(0)
	s.mu.Unlock()
	for _, sess := range all {
		sess.pipeline.Close()
	}
}
