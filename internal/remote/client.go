// Package remote is the HTTP client for the backend's fetch and send
// endpoints. It converts wire payloads into replica types and classifies
// failures into the transient/permanent taxonomy the workers retry on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/naarscars/chatsync/internal/store"
)

// Cursor identifies a position in a conversation's message history: the
// (timestamp, id) pair of the oldest loaded message.
type Cursor struct {
	Ts int64
	ID string
}

// API is the backend surface the sync core consumes. Implemented by
// Client; tests substitute fakes.
type API interface {
	ListConversations(ctx context.Context, cursor string, limit int) ([]store.Conversation, string, error)
	GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, before Cursor, limit int) ([]store.Message, bool, error)
	ListMessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]store.Message, error)
	FetchMessage(ctx context.Context, conversationID, messageID string) (*store.Message, error)
	SendMessage(ctx context.Context, conversationID, body, correlationID string) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// Client talks to the backend over HTTP with bearer auth.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// NewClient creates a backend client. timeout bounds every request so a
// hung call cannot block a worker indefinitely.
func NewClient(baseURL, token, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

type wireConversation struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Title          string `json:"title"`
	ImageRef       string `json:"image_ref"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	Archived       bool   `json:"archived"`
}

type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"`
	EditedAt       int64  `json:"edited_at"`
	DeletedAt      int64  `json:"deleted_at"`
}

func (w wireConversation) toStore() store.Conversation {
	kind := store.ConversationKind(w.Kind)
	if kind != store.KindGroup {
		kind = store.KindDirect
	}
	return store.Conversation{
		ID:             w.ID,
		Kind:           kind,
		Title:          w.Title,
		ImageRef:       w.ImageRef,
		CreatedAt:      w.CreatedAt,
		LastActivityAt: w.LastActivityAt,
		Archived:       w.Archived,
	}
}

func (w wireMessage) toStore() store.Message {
	return store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		CreatedAt:      w.CreatedAt,
		EditedAt:       w.EditedAt,
		DeletedAt:      w.DeletedAt,
	}
}

// ListConversations fetches one page of the user's conversation list.
func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) ([]store.Conversation, string, error) {
	var resp struct {
		Conversations []wireConversation `json:"conversations"`
		NextCursor    string             `json:"next_cursor"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+c.userID+"/conversations", q, nil, &resp); err != nil {
		return nil, "", err
	}
	convs := make([]store.Conversation, 0, len(resp.Conversations))
	for _, w := range resp.Conversations {
		convs = append(convs, w.toStore())
	}
	return convs, resp.NextCursor, nil
}

// GetConversation fetches metadata for a single conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	var w wireConversation
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID, nil, nil, &w); err != nil {
		return nil, err
	}
	conv := w.toStore()
	return &conv, nil
}

// ListMessages fetches a historical page older than the cursor.
func (c *Client) ListMessages(ctx context.Context, conversationID string, before Cursor, limit int) ([]store.Message, bool, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
		HasMore  bool          `json:"has_more"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if before.Ts > 0 {
		q.Set("before_ts", strconv.FormatInt(before.Ts, 10))
		q.Set("before_id", before.ID)
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID+"/messages", q, nil, &resp); err != nil {
		return nil, false, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.toStore())
	}
	return msgs, resp.HasMore, nil
}

// ListMessagesSince fetches everything newer than sinceTs: the catch-up
// fetch after a connectivity gap.
func (c *Client) ListMessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]store.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	q := url.Values{
		"since_ts": {strconv.FormatInt(sinceTs, 10)},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID+"/messages", q, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.toStore())
	}
	return msgs, nil
}

// FetchMessage fetches the authoritative row for a single message. Used
// when an update event arrives without full content.
func (c *Client) FetchMessage(ctx context.Context, conversationID, messageID string) (*store.Message, error) {
	var w wireMessage
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID+"/messages/"+messageID, nil, nil, &w); err != nil {
		return nil, err
	}
	msg := w.toStore()
	return &msg, nil
}

// SendMessage delivers an outbox entry. The correlation id lets the server
// deduplicate retries and lets the client match the acknowledgment.
func (c *Client) SendMessage(ctx context.Context, conversationID, body, correlationID string) (*store.Message, error) {
	req := map[string]string{"body": body, "correlation_id": correlationID}
	var w wireMessage
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages", nil, req, &w); err != nil {
		return nil, err
	}
	msg := w.toStore()
	return &msg, nil
}

// MarkRead reports the given messages as read by the current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	req := map[string][]string{"message_ids": messageIDs}
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/read", nil, req, nil)
}

// UnreadCounts fetches the authoritative per-conversation unread counts.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+c.userID+"/unread", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Counts == nil {
		resp.Counts = map[string]int{}
	}
	return resp.Counts, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		re := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var wire struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Message != "" {
			re.Code = wire.Code
			re.Message = wire.Message
		}
		return re
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDecode, method, path, err)
	}
	return nil
}
