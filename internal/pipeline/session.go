package pipeline

import (
	"sync"

	"github.com/kalambet/qcluster/internal/engine"
)

// DefaultHistorySize is how many user messages a Session remembers.
const DefaultHistorySize = 10

// Session is the rolling conversational memory of one chat. It is safe for
// concurrent use.
type Session struct {
	mu      sync.Mutex
	limit   int
	history []engine.Message
}

// NewSession returns an empty Session keeping at most limit messages.
func NewSession(limit int) *Session {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &Session{limit: limit}
}

// History returns a copy of the remembered messages, oldest first.
func (s *Session) History() []engine.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Append records a user message, dropping the oldest ones past the limit.
func (s *Session) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, engine.Message{Role: engine.RoleUser, Content: text})
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// Reset forgets the history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// SessionRegistry hands out one Session per chat id.
type SessionRegistry struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*Session
}

// NewSessionRegistry returns a registry whose sessions keep limit messages.
func NewSessionRegistry(limit int) *SessionRegistry {
	return &SessionRegistry{limit: limit, sessions: make(map[string]*Session)}
}

// Get returns the Session for chatID, creating it on first use. An empty
// chatID maps to DefaultChatID.
func (r *SessionRegistry) Get(chatID string) *Session {
	if chatID == "" {
		chatID = DefaultChatID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		s = NewSession(r.limit)
		r.sessions[chatID] = s
	}
	return s
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reset drops every session.
func (r *SessionRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
}
