package store

// ConversationKind distinguishes direct from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// OutboxStatus is the lifecycle state of an outbox entry. Failed is
// terminal: the entry stays visible for user-initiated retry or dismissal.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxFailed  OutboxStatus = "failed"
)

// Conversation is a locally replicated conversation. Conversations are
// archived rather than deleted so cached lists never dangle.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	Title          string
	ImageRef       string
	CreatedAt      int64
	LastActivityAt int64
	Archived       bool
	UnreadCount    int
}

// Participant is a conversation membership record. LeftAt != 0 means the
// user left; the row is retained for historical message attribution.
type Participant struct {
	ConversationID string
	UserID         string
	JoinedAt       int64
	LeftAt         int64
}

// Message is a locally replicated message. CreatedAt is the server-assigned
// timestamp except while Pending, when it holds the local enqueue time.
// Version is the last-writer-wins guard: max(CreatedAt, EditedAt, DeletedAt)
// of the newest applied write.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      int64
	Pending        bool
	EditedAt       int64
	DeletedAt      int64
	ReadAt         int64
	Version        int64
}

// OutboxEntry is a queued outgoing message awaiting server acknowledgment.
type OutboxEntry struct {
	CorrelationID  string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      int64
	Attempts       int
	NextRetryAt    int64
	Status         OutboxStatus
	LastError      string
}

// version computes the LWW guard for a message write.
func (m *Message) version() int64 {
	v := m.CreatedAt
	if m.EditedAt > v {
		v = m.EditedAt
	}
	if m.DeletedAt > v {
		v = m.DeletedAt
	}
	return v
}
