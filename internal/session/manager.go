// Package session keeps isolated, bounded conversation state. Sessions are
// in-memory only; they are never written to the credential store or any
// other persistence.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnibridge/internal/bus"
	"omnibridge/internal/domain"
)

// History bounds. A session's history grows until it exceeds historyCeiling,
// then it is cut back to the most recent historyRetain entries and never
// grows past that again. Not configurable: the point is a hard memory bound
// regardless of channel volume.
const (
	historyCeiling = 1000
	historyRetain  = 500
)

// Type classifies a session.
type Type string

const (
	TypeMain   Type = "main"
	TypeGroup  Type = "group"
	TypeDomain Type = "domain"
)

// Session is one isolated conversation context.
type Session struct {
	ID        string
	Type      Type
	Domain    domain.ChannelDomain // set for TypeDomain only
	ChannelID string               // set for TypeGroup only
	GroupID   string               // set for TypeGroup only
	AgentID   string               // routing target inside the agent runtime
	CreatedAt time.Time
	UpdatedAt time.Time
	History   []domain.ChatMessage
	Metadata  map[string]any

	// capped is set once History has crossed the ceiling; from then on the
	// history is a sliding window of the retained tail.
	capped bool
}

// Manager owns every session. All methods are safe for concurrent use; the
// gateway calls them from its single dispatch loop, tests may not.
type Manager struct {
	mu       sync.RWMutex
	main     *Session
	byID     map[string]*Session
	byDomain map[domain.ChannelDomain]*Session
	byGroup  map[string]*Session // key: channelID + "\x00" + groupID
	logger   *slog.Logger
	events   *bus.EventBus // optional; lifecycle events when set
}

// NewManager creates a Manager with the main session already registered.
// The main session lives for the process lifetime and cannot be deleted.
func NewManager(logger *slog.Logger) *Manager {
	now := time.Now()
	main := &Session{
		ID:        uuid.NewString(),
		Type:      TypeMain,
		AgentID:   "main",
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]any),
	}
	m := &Manager{
		main:     main,
		byID:     map[string]*Session{main.ID: main},
		byDomain: make(map[domain.ChannelDomain]*Session),
		byGroup:  make(map[string]*Session),
		logger:   logger,
	}
	return m
}

// SetEvents attaches an event bus. Session creation and pruning are
// published on it; a nil or absent bus disables publication.
func (m *Manager) SetEvents(events *bus.EventBus) {
	m.events = events
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(bus.Event{Type: eventType, Source: "session", Payload: payload})
}

// Main returns the process-lifetime main session.
func (m *Manager) Main() *Session {
	return m.main
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// GetOrCreateDomainSession returns the unique session for a domain, creating
// it on first use. Two sessions for the same domain can never coexist.
func (m *Manager) GetOrCreateDomainSession(d domain.ChannelDomain) *Session {
	// Fast path: read lock (most calls hit here)
	m.mu.RLock()
	s, ok := m.byDomain[d]
	m.mu.RUnlock()
	if ok {
		return s
	}

	// Slow path: write lock, double-check
	m.mu.Lock()
	if s, ok := m.byDomain[d]; ok {
		m.mu.Unlock()
		return s
	}

	now := time.Now()
	s = &Session{
		ID:        uuid.NewString(),
		Type:      TypeDomain,
		Domain:    d,
		AgentID:   string(d),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]any),
	}
	m.byID[s.ID] = s
	m.byDomain[d] = s
	m.mu.Unlock()

	m.logger.Info("domain session created", "domain", d, "session", s.ID)
	m.emit(bus.EventSessionCreated, map[string]any{"session": s.ID, "type": string(TypeDomain), "domain": string(d)})
	return s
}

// GetOrCreateGroupSession returns the session for a (channel, group) pair,
// creating it on first message.
func (m *Manager) GetOrCreateGroupSession(channelID, groupID string) *Session {
	key := channelID + "\x00" + groupID

	m.mu.RLock()
	s, ok := m.byGroup[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	if s, ok := m.byGroup[key]; ok {
		m.mu.Unlock()
		return s
	}

	now := time.Now()
	s = &Session{
		ID:        uuid.NewString(),
		Type:      TypeGroup,
		ChannelID: channelID,
		GroupID:   groupID,
		AgentID:   channelID + ":" + groupID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]any),
	}
	m.byID[s.ID] = s
	m.byGroup[key] = s
	m.mu.Unlock()

	m.logger.Info("group session created", "channel", channelID, "group", groupID, "session", s.ID)
	m.emit(bus.EventSessionCreated, map[string]any{"session": s.ID, "type": string(TypeGroup), "channel": channelID, "group": groupID})
	return s
}

// AddMessage appends to a session's history, stamping a server timestamp and
// bumping UpdatedAt. Once the history exceeds the ceiling it is truncated to
// the most recent retained tail and stays there: every later append slides
// the window forward so the newest entries are always the ones kept.
func (m *Manager) AddMessage(sessionID string, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	now := time.Now()
	msg.Timestamp = now.UnixMilli()
	s.History = append(s.History, msg)
	s.UpdatedAt = now

	if len(s.History) > historyCeiling {
		// First crossing: reallocate so the oversized backing array is freed.
		kept := make([]domain.ChatMessage, historyRetain)
		copy(kept, s.History[len(s.History)-historyRetain:])
		s.History = kept
		s.capped = true
		m.logger.Debug("session history truncated", "session", sessionID, "retained", historyRetain)
	} else if s.capped && len(s.History) > historyRetain {
		n := copy(s.History, s.History[len(s.History)-historyRetain:])
		s.History = s.History[:n]
	}
	return nil
}

// PruneInactive removes group sessions whose UpdatedAt predates the cutoff.
// The main session is never pruned; domain sessions are long-lived and are
// bounded by history truncation instead. Returns the number removed.
func (m *Manager) PruneInactive(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var pruned []*Session
	for key, s := range m.byGroup {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.byGroup, key)
			delete(m.byID, s.ID)
			pruned = append(pruned, s)
		}
	}
	m.mu.Unlock()

	for _, s := range pruned {
		m.logger.Info("group session pruned", "channel", s.ChannelID, "group", s.GroupID, "idle_since", s.UpdatedAt)
		m.emit(bus.EventSessionPruned, map[string]any{"session": s.ID, "channel": s.ChannelID, "group": s.GroupID})
	}
	return len(pruned)
}

// Count returns the total number of live sessions (main included).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
