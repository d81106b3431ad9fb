package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/cache"
	"github.com/naarscars/chatsync/internal/outbox"
	"github.com/naarscars/chatsync/internal/pager"
	"github.com/naarscars/chatsync/internal/store"
	syncpkg "github.com/naarscars/chatsync/internal/sync"
	"github.com/naarscars/chatsync/internal/view"
)

// MessageService serves a single conversation's message window and the
// send/read operations against it.
type MessageService struct {
	db         *store.DB
	views      *view.Tracker
	pages      *pager.Coordinator
	sender     *outbox.Sender
	reconciler *syncpkg.Reconciler
	pageCache  *cache.Cache[[]store.Message]
	userID     string
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewMessageService creates the service. ttl and fetchTimeout configure
// the first-page cache that absorbs rapid reopen of the same conversation.
func NewMessageService(db *store.DB, views *view.Tracker, pages *pager.Coordinator, sender *outbox.Sender, rec *syncpkg.Reconciler, userID string, ttl, fetchTimeout time.Duration, logger *zap.Logger) *MessageService {
	return &MessageService{
		db:         db,
		views:      views,
		pages:      pages,
		sender:     sender,
		reconciler: rec,
		pageCache:  cache.New[[]store.Message](ttl, fetchTimeout),
		userID:     userID,
		logger:     logger,
	}
}

// Start begins watching the bus so message writes invalidate cached pages.
func (s *MessageService) Start(ctx context.Context, b *bus.Bus) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := b.Subscribe("message.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if payload, ok := evt.Payload.(map[string]string); ok {
					if conv := payload["conversation_id"]; conv != "" {
						s.pageCache.Invalidate(conv)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (s *MessageService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// OpenConversation enters a conversation: marks it actively viewed, loads
// the newest page, and clears read state for exactly the loaded messages.
// The page comes from the replica, so opening works offline.
func (s *MessageService) OpenConversation(ctx context.Context, conversationID string) ([]store.Message, error) {
	s.views.EnterConversation(conversationID)

	msgs, err := s.pageCache.GetOrFetch(ctx, conversationID, func(ctx context.Context) ([]store.Message, error) {
		return s.pages.Prime(ctx, conversationID)
	})
	if err != nil {
		s.views.LeaveConversation(conversationID)
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	if err := s.markLoaded(ctx, conversationID, msgs); err != nil {
		// The page is already usable; read-state sync catches up on the
		// next reconcile.
		s.logger.Warn("failed to sync read state on open",
			zap.Error(err), zap.String("conversation_id", conversationID))
	}
	return msgs, nil
}

// CloseConversation leaves a conversation view.
func (s *MessageService) CloseConversation(conversationID string) {
	s.views.LeaveConversation(conversationID)
	s.pages.Forget(conversationID)
	s.pageCache.Invalidate(conversationID)
}

// LoadOlder extends the message window one page into the past. Newly
// loaded messages count as seen, which is what makes read-state clearing
// incremental: scrolling reveals them, so they clear.
func (s *MessageService) LoadOlder(ctx context.Context, conversationID string) ([]store.Message, bool, error) {
	msgs, hasMore, err := s.pages.LoadOlder(ctx, conversationID)
	if err != nil {
		return nil, hasMore, err
	}
	if len(msgs) > 0 {
		if err := s.markLoaded(ctx, conversationID, msgs); err != nil {
			s.logger.Warn("failed to sync read state on page load",
				zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
	return msgs, hasMore, nil
}

// Send queues a message for delivery and returns its correlation id. The
// pending copy is already in the replica when this returns.
func (s *MessageService) Send(conversationID, body string) (string, error) {
	corr, err := s.sender.Enqueue(conversationID, s.userID, body)
	if err != nil {
		return "", err
	}
	s.pageCache.Invalidate(conversationID)
	return corr, nil
}

// FailedSends lists terminally failed sends for the retry/dismiss surface.
func (s *MessageService) FailedSends() ([]store.OutboxEntry, error) {
	return s.sender.Failed()
}

// RetrySend re-queues a terminally failed send.
func (s *MessageService) RetrySend(correlationID string) error {
	return s.sender.Retry(correlationID)
}

// DismissSend discards a terminally failed send and its pending copy.
func (s *MessageService) DismissSend(correlationID string) error {
	if err := s.sender.Dismiss(correlationID); err != nil {
		return err
	}
	s.pageCache.InvalidateAll()
	return nil
}

func (s *MessageService) markLoaded(ctx context.Context, conversationID string, msgs []store.Message) error {
	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
	}
	return s.reconciler.MarkEntered(ctx, conversationID, ids)
}
