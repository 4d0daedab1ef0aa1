package runtime

import (
	"os"
	"sort"
	"sync"
	"time"
)

// AgentSession tracks one in-flight external CLI run. The runtime owns
// the process handle; everyone else sees copies through the index.
type AgentSession struct {
	AgentName        string
	TaskID           string
	WorkingDirectory string
	StartTime        time.Time
	SessionID        string
	PID              int

	process      *os.Process
	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity now.
func (s *AgentSession) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *AgentSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetSessionID records the CLI-reported session id. Last write wins.
func (s *AgentSession) SetSessionID(id string) {
	s.mu.Lock()
	s.SessionID = id
	s.mu.Unlock()
}

// CurrentSessionID returns the CLI-reported session id, if seen.
func (s *AgentSession) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionID
}

// snapshot copies the descriptor fields for callers outside the runtime.
func (s *AgentSession) snapshot() *AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &AgentSession{
		AgentName:        s.AgentName,
		TaskID:           s.TaskID,
		WorkingDirectory: s.WorkingDirectory,
		StartTime:        s.StartTime,
		SessionID:        s.SessionID,
		PID:              s.PID,
		lastActivity:     s.lastActivity,
	}
}

// SessionIndex maps agent names to their running session. It is an
// explicit value owned by the Runtime and handed to collaborators that
// need interjection, never a package-level map.
type SessionIndex struct {
	mu       sync.RWMutex
	sessions map[string]*AgentSession
}

// NewSessionIndex creates an empty index.
func NewSessionIndex() *SessionIndex {
	return &SessionIndex{sessions: make(map[string]*AgentSession)}
}

func (i *SessionIndex) put(s *AgentSession) {
	i.mu.Lock()
	i.sessions[s.AgentName] = s
	i.mu.Unlock()
}

// remove deletes the entry only if it still points at the given session,
// so a stale removal cannot evict a successor run.
func (i *SessionIndex) remove(s *AgentSession) {
	i.mu.Lock()
	if cur, ok := i.sessions[s.AgentName]; ok && cur == s {
		delete(i.sessions, s.AgentName)
	}
	i.mu.Unlock()
}

func (i *SessionIndex) take(agentName string) *AgentSession {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.sessions[agentName]
	if !ok {
		return nil
	}
	delete(i.sessions, agentName)
	return s
}

// Get returns a copy of the active session for an agent, or nil.
func (i *SessionIndex) Get(agentName string) *AgentSession {
	i.mu.RLock()
	s, ok := i.sessions[agentName]
	i.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.snapshot()
}

// List returns copies of all active sessions sorted by agent name.
func (i *SessionIndex) List() []*AgentSession {
	i.mu.RLock()
	out := make([]*AgentSession, 0, len(i.sessions))
	for _, s := range i.sessions {
		out = append(out, s.snapshot())
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].AgentName < out[b].AgentName })
	return out
}
