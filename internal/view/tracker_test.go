package view

import "testing"

func TestActivelyViewingRequiresForeground(t *testing.T) {
	tr := NewTracker()
	tr.EnterConversation("c1")

	if tr.ActivelyViewing("c1") {
		t.Error("backgrounded app must not count as actively viewing")
	}
	tr.SetForeground(true)
	if !tr.ActivelyViewing("c1") {
		t.Error("foreground + topmost should be actively viewing")
	}
	if tr.ActivelyViewing("c2") {
		t.Error("other conversation must not be actively viewing")
	}
}

func TestLeaveOnlyClearsMatching(t *testing.T) {
	tr := NewTracker()
	tr.SetForeground(true)
	tr.EnterConversation("c1")
	tr.EnterConversation("c2")

	// Stale leave from the previous view must not clear the current one.
	tr.LeaveConversation("c1")
	if !tr.ActivelyViewing("c2") {
		t.Error("leaving c1 cleared tracking for c2")
	}

	tr.LeaveConversation("c2")
	if tr.ActivelyViewing("c2") {
		t.Error("still viewing after leave")
	}
}

func TestEmptyConversationNeverActive(t *testing.T) {
	tr := NewTracker()
	tr.SetForeground(true)
	if tr.ActivelyViewing("") {
		t.Error("empty id must never be actively viewed")
	}
}
