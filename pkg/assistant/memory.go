package assistant

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultMemoryTurns         = 20
	DefaultMemoryConversations = 1000
)

type MemoryEntry struct {
	Role    string
	Content string
	At      time.Time
}

type conversationMemory struct {
	entries []MemoryEntry
	touched time.Time
}

// Memory keeps the most recent turns of each conversation in process. It is
// bounded both per conversation and in the number of conversations held.
type Memory struct {
	mu               sync.RWMutex
	turns            int
	maxConversations int
	conversations    map[string]*conversationMemory
	now              func() time.Time
}

func NewMemory(turns int, maxConversations int) *Memory {
	if turns <= 0 {
		turns = DefaultMemoryTurns
	}
	if maxConversations <= 0 {
		maxConversations = DefaultMemoryConversations
	}
	return &Memory{
		turns:            turns,
		maxConversations: maxConversations,
		conversations:    make(map[string]*conversationMemory),
		now:              time.Now,
	}
}

func (m *Memory) Append(conversationID string, role string, content string) {
	conversationID = strings.TrimSpace(conversationID)
	role = strings.TrimSpace(role)
	content = strings.TrimSpace(content)
	if conversationID == "" || role == "" || content == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	conv, ok := m.conversations[conversationID]
	if !ok {
		if len(m.conversations) >= m.maxConversations {
			m.evictOldestLocked()
		}
		conv = &conversationMemory{}
		m.conversations[conversationID] = conv
	}
	conv.touched = now
	conv.entries = append(conv.entries, MemoryEntry{
		Role:    role,
		Content: content,
		At:      now,
	})
	if over := len(conv.entries) - m.turns; over > 0 {
		conv.entries = append([]MemoryEntry(nil), conv.entries[over:]...)
	}
}

func (m *Memory) List(conversationID string) []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[strings.TrimSpace(conversationID)]
	if !ok || len(conv.entries) == 0 {
		return nil
	}

	out := make([]MemoryEntry, len(conv.entries))
	copy(out, conv.entries)
	return out
}

func (m *Memory) Clear(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conversations, strings.TrimSpace(conversationID))
}

// Len returns the number of conversations currently held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

func (m *Memory) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, conv := range m.conversations {
		if oldestID == "" || conv.touched.Before(oldestAt) {
			oldestID = id
			oldestAt = conv.touched
		}
	}
	if oldestID != "" {
		delete(m.conversations, oldestID)
	}
}
