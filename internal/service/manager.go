package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Manager holds one started Session per signed-in user.
type Manager struct {
	deps   Deps
	logger *logger.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty session manager.
func NewManager(deps Deps) *Manager {
	if deps.StartTimeout == 0 {
		deps.StartTimeout = 15 * time.Second
	}
	return &Manager{
		deps:     deps,
		logger:   deps.Logger.Named("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Session returns the user's session, starting it on first use. Concurrent
// first requests for the same user share one start.
func (m *Manager) Session(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	if s, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(userID, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[userID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s, err := NewSession(m.deps, userID)
		if err != nil {
			return nil, err
		}
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.StartTimeout)
		defer cancel()
		if err := s.Start(startCtx); err != nil {
			s.Close()
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			s.Close()
			return nil, model.ErrSessionClosed
		}
		m.sessions[userID] = s
		metrics.SessionsActive.Inc()
		m.logger.Info("session started", zap.String("user_id", userID))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Logout tears down the user's session.
func (m *Manager) Logout(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Close()
		metrics.SessionsActive.Dec()
		m.logger.Info("session closed", zap.String("user_id", userID))
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown tears down every session and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
		metrics.SessionsActive.Dec()
	}
}
