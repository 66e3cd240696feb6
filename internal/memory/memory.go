// Package memory provides in-process conversation storage for chat sessions.
package memory

import (
	"sync"
	"time"

	"github.com/knoguchi/instchat/internal/prompt"
)

// Conversation holds the turns of one session.
type Conversation struct {
	Turns     []prompt.Turn
	CreatedAt time.Time
	UpdatedAt time.Time

	busy bool
}

// Store provides in-memory conversation storage with idle expiry.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxTurns      int           // 0 means unlimited
	ttl           time.Duration // Time-to-live for idle conversations

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a new conversation memory store and starts its sweeper.
func NewStore(maxTurns int, ttl time.Duration) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		maxTurns:      maxTurns,
		ttl:           ttl,
		stop:          make(chan struct{}),
	}

	if ttl > 0 {
		go s.cleanupLoop(cleanupInterval(ttl))
	}

	return s
}

// Close stops the sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Create registers an empty conversation. It is a no-op if id exists.
func (s *Store) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; exists {
		return
	}
	now := time.Now()
	s.conversations[id] = &Conversation{CreatedAt: now, UpdatedAt: now}
}

// Load replaces the turns of id, creating it if needed.
func (s *Store) Load(id string, turns []prompt.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(id)
	conv.Turns = append([]prompt.Turn(nil), turns...)
	s.trim(conv)
}

// Exists reports whether id is known.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[id]
	return ok
}

// History returns a copy of the turns of id, or nil if id is unknown.
func (s *Store) History(id string) []prompt.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil
	}

	turns := make([]prompt.Turn, len(conv.Turns))
	copy(turns, conv.Turns)
	return turns
}

// Append adds an in-progress turn with an empty response.
func (s *Store) Append(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(id)
	conv.Turns = append(conv.Turns, prompt.Turn{User: message})
	conv.UpdatedAt = time.Now()
	s.trim(conv)
}

// SetLastResponse sets the assistant text of the latest turn.
func (s *Store) SetLastResponse(id, response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists || len(conv.Turns) == 0 {
		return false
	}
	conv.Turns[len(conv.Turns)-1].Assistant = response
	conv.UpdatedAt = time.Now()
	return true
}

// PopLast removes and returns the latest turn.
func (s *Store) PopLast(id string) (prompt.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists || len(conv.Turns) == 0 {
		return prompt.Turn{}, false
	}
	last := conv.Turns[len(conv.Turns)-1]
	conv.Turns = conv.Turns[:len(conv.Turns)-1]
	conv.UpdatedAt = time.Now()
	return last, true
}

// Clear drops all turns but keeps the session.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, exists := s.conversations[id]; exists {
		conv.Turns = nil
		conv.UpdatedAt = time.Now()
	}
}

// Delete removes a session entirely.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// TryLock marks id as generating. It returns false if id is unknown or a
// generation is already running for it.
func (s *Store) TryLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists || conv.busy {
		return false
	}
	conv.busy = true
	return true
}

// Unlock releases a lock taken by TryLock.
func (s *Store) Unlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, exists := s.conversations[id]; exists {
		conv.busy = false
		conv.UpdatedAt = time.Now()
	}
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Store) getOrCreate(id string) *Conversation {
	conv, exists := s.conversations[id]
	if !exists {
		now := time.Now()
		conv = &Conversation{CreatedAt: now, UpdatedAt: now}
		s.conversations[id] = conv
	}
	return conv
}

// trim keeps the most recent maxTurns turns.
func (s *Store) trim(conv *Conversation) {
	if s.maxTurns > 0 && len(conv.Turns) > s.maxTurns {
		conv.Turns = conv.Turns[len(conv.Turns)-s.maxTurns:]
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	interval := 5 * time.Minute
	if ttl < interval {
		interval = ttl
	}
	return interval
}

// cleanupLoop periodically removes expired conversations.
func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stop:
			return
		}
	}
}

// cleanup removes idle conversations. Sessions with a running generation are kept.
func (s *Store) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, conv := range s.conversations {
		if !conv.busy && now.Sub(conv.UpdatedAt) > s.ttl {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}
