// Package api is the surface the UI layer talks to. Services read through
// the local replica so every view renders immediately from local state;
// network refreshes land in the replica and invalidate the read caches.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/cache"
	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/store"
	syncpkg "github.com/naarscars/chatsync/internal/sync"
	"github.com/naarscars/chatsync/internal/view"
)

const conversationsCacheKey = "conversations"

// ChatService serves the conversation list and the app-level badge.
type ChatService struct {
	db         *store.DB
	remote     remote.API
	bus        *bus.Bus
	views      *view.Tracker
	reconciler *syncpkg.Reconciler
	cache      *cache.Cache[[]store.Conversation]
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewChatService creates the service. ttl and fetchTimeout configure the
// conversation list cache.
func NewChatService(db *store.DB, api remote.API, b *bus.Bus, views *view.Tracker, rec *syncpkg.Reconciler, ttl, fetchTimeout time.Duration, logger *zap.Logger) *ChatService {
	return &ChatService{
		db:         db,
		remote:     api,
		bus:        b,
		views:      views,
		reconciler: rec,
		cache:      cache.New[[]store.Conversation](ttl, fetchTimeout),
		logger:     logger,
	}
}

// Start begins watching the bus so replica writes invalidate the cached
// list instead of waiting out the TTL.
func (s *ChatService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindSyncCaughtUp ||
					strings.HasPrefix(evt.Kind, "message.") ||
					strings.HasPrefix(evt.Kind, "unread.") {
					s.cache.InvalidateAll()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (s *ChatService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ListConversations returns one page of the non-archived conversation
// list, most recent activity first; limit <= 0 uses the store default.
// A cache hit serves the replica as-is; a miss refreshes the replica from
// the server first, falling back to local state when the refresh fails so
// the list still renders offline.
func (s *ChatService) ListConversations(ctx context.Context, limit, offset int) ([]store.Conversation, error) {
	key := fmt.Sprintf("%s:%d:%d", conversationsCacheKey, limit, offset)
	return s.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]store.Conversation, error) {
		if err := s.refresh(ctx); err != nil {
			if remote.IsPermanent(err) {
				return nil, err
			}
			s.logger.Debug("conversation refresh failed, serving replica", zap.Error(err))
		}
		return s.db.ListConversations(limit, offset)
	})
}

func (s *ChatService) refresh(ctx context.Context) error {
	cursor := ""
	for {
		convs, next, err := s.remote.ListConversations(ctx, cursor, 100)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for i := range convs {
			if err := s.db.UpsertConversation(&convs[i]); err != nil {
				return fmt.Errorf("upsert conversation: %w", err)
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// EnteredConversationList runs when the list view comes into focus. Stale
// unread counts are re-fetched; fresh ones render as-is.
func (s *ChatService) EnteredConversationList(ctx context.Context) error {
	return s.reconciler.MaybeReconcileStale(ctx)
}

// TotalUnread is the app badge value: the sum of per-conversation unread
// counts over non-archived conversations. It reads the same column the
// list renders, so badge and rows can never disagree.
func (s *ChatService) TotalUnread() (int, error) {
	return s.db.TotalUnread()
}

// UnreadCount returns one conversation's unread count.
func (s *ChatService) UnreadCount(conversationID string) (int, error) {
	return s.db.UnreadCount(conversationID)
}

// ArchiveConversation hides a conversation from the list without deleting
// its history.
func (s *ChatService) ArchiveConversation(conversationID string) error {
	if err := s.db.ArchiveConversation(conversationID); err != nil {
		return err
	}
	s.cache.InvalidateAll()
	s.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
	return nil
}

// OnForeground runs when the app process comes to the foreground: the
// badge may have drifted while backgrounded, so a reconcile is nudged.
func (s *ChatService) OnForeground() {
	s.views.SetForeground(true)
	s.reconciler.OnForeground()
}

// OnBackground runs when the app process leaves the foreground.
func (s *ChatService) OnBackground() {
	s.views.SetForeground(false)
}

// WatchUpdates subscribes the caller to replica change notifications.
// namespace filters by event kind prefix; "" receives everything.
func (s *ChatService) WatchUpdates(namespace string) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(namespace, 64)
}
