// Package session tracks short-lived client sessions: working directories
// for uploads and outputs, a reference embedding slot for selective mode,
// and idle expiry. State is in-memory only and dies with the process.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/facematch"
)

// ErrNotFound marks a session id that does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Session is a client's working state. Fields are set at creation and read
// through the Manager, which serializes access.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	UploadDir  string    `json:"-"`
	OutputDir  string    `json:"-"`

	reference facematch.Embedding
}

// HasReference reports whether a reference embedding is loaded. Only valid
// on snapshots returned by the Manager.
func (s *Session) HasReference() bool {
	return len(s.reference) > 0
}

// Manager owns all sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	uploadRoot string
	outputRoot string
	timeout    time.Duration
	logger     *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	now      func() time.Time
}

// NewManager creates a manager rooted at the given directories. Sessions
// idle longer than timeout are removed by Sweep.
func NewManager(uploadRoot, outputRoot string, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		uploadRoot: uploadRoot,
		outputRoot: outputRoot,
		timeout:    timeout,
		logger:     logger,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// Create allocates a session with fresh upload and output directories.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()
	uploadDir := filepath.Join(m.uploadRoot, id)
	outputDir := filepath.Join(m.outputRoot, id)

	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}

	now := m.now()
	s := &Session{
		ID:         id,
		CreatedAt:  now,
		LastAccess: now,
		UploadDir:  uploadDir,
		OutputDir:  outputDir,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", id))
	return snapshot(s), nil
}

// Get returns a snapshot of the session and refreshes its last access.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastAccess = m.now()
	return snapshot(s), nil
}

// Delete removes the session and its directories.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	m.removeDirs(s)
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// SetReference stores the reference embedding for selective redaction.
func (m *Manager) SetReference(id string, vec facematch.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.reference = append(facematch.Embedding(nil), vec...)
	s.LastAccess = m.now()
	return nil
}

// Reference returns a copy of the stored embedding, or ErrNotFound when the
// session is missing. A session without a reference yields an empty vector.
func (m *Manager) Reference(id string) (facematch.Embedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastAccess = m.now()
	return append(facematch.Embedding(nil), s.reference...), nil
}

// ClearReference drops the stored embedding.
func (m *Manager) ClearReference(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.reference = nil
	s.LastAccess = m.now()
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle past the timeout and returns how many were
// dropped.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.timeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastAccess.Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.removeDirs(s)
		m.logger.Info("session expired", zap.String("session_id", s.ID))
	}
	return len(expired)
}

// StartSweeper runs Sweep on the interval until Close.
func (m *Manager) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the background sweeper. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) removeDirs(s *Session) {
	for _, dir := range []string{s.UploadDir, s.OutputDir} {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("session cleanup failed",
				zap.String("session_id", s.ID),
				zap.String("dir", dir),
				zap.Error(err))
		}
	}
}

// snapshot copies a session so callers never share memory with the map
// entry the manager keeps mutating.
func snapshot(s *Session) *Session {
	cp := *s
	cp.reference = append(facematch.Embedding(nil), s.reference...)
	return &cp
}
