// Package view tracks which conversation, if any, the user is actively
// looking at. "Actively viewing X" means the detail view for X is the
// foreground-most view and the app process is in the foreground; callers
// evaluate the predicate at the moment an event is processed, never from a
// cached earlier answer.
package view

import "sync"

// Tracker holds the current view state. It is process-local and updated by
// the UI-facing layer on navigation and app lifecycle changes.
type Tracker struct {
	mu           sync.RWMutex
	foreground   bool
	conversation string
}

// NewTracker creates a tracker with the app considered backgrounded.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SetForeground records the app process foreground state.
func (t *Tracker) SetForeground(fg bool) {
	t.mu.Lock()
	t.foreground = fg
	t.mu.Unlock()
}

// EnterConversation records that a conversation detail view became topmost.
func (t *Tracker) EnterConversation(conversationID string) {
	t.mu.Lock()
	t.conversation = conversationID
	t.mu.Unlock()
}

// LeaveConversation clears the topmost conversation if it matches. Leaving
// one conversation never disturbs tracking that has already moved to
// another.
func (t *Tracker) LeaveConversation(conversationID string) {
	t.mu.Lock()
	if t.conversation == conversationID {
		t.conversation = ""
	}
	t.mu.Unlock()
}

// Foreground reports whether the app process is foregrounded.
func (t *Tracker) Foreground() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.foreground
}

// ActivelyViewing evaluates the predicate for the given conversation now.
func (t *Tracker) ActivelyViewing(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.foreground && t.conversation == conversationID && conversationID != ""
}
