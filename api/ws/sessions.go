package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager maintains the registry of connected sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // playerID → session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session. A previous session of the same player is closed
// first (duplicate login / reconnect).
func (sm *SessionManager) Register(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if old, ok := sm.sessions[s.PlayerID]; ok {
		old.Close()
		sm.logger.Info("duplicate session displaced", zap.String("player", s.PlayerID))
	}
	sm.sessions[s.PlayerID] = s
}

// Unregister removes s unless a newer session already replaced it.
func (sm *SessionManager) Unregister(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[s.PlayerID] == s {
		delete(sm.sessions, s.PlayerID)
	}
}

// Get returns the session of a player, or nil.
func (sm *SessionManager) Get(playerID string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[playerID]
}

// IsOnline reports whether a player is currently connected.
func (sm *SessionManager) IsOnline(playerID string) bool {
	return sm.Get(playerID) != nil
}

// Count returns the number of currently connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session and waits up to timeout for their
// handlers to unregister them.
func (sm *SessionManager) CloseAll(timeout time.Duration) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && sm.Count() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
}
