package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/outbox"
	"github.com/naarscars/chatsync/internal/pager"
	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/store"
	syncpkg "github.com/naarscars/chatsync/internal/sync"
	"github.com/naarscars/chatsync/internal/view"
)

// fakeBackend is an in-memory stand-in for the server. offline makes every
// call fail with a transient error.
type fakeBackend struct {
	mu      sync.Mutex
	offline bool
	convs   []store.Conversation
	history map[string][]store.Message // newest first
	unread  map[string]int
}

var _ remote.API = (*fakeBackend)(nil)

var errOffline = errors.New("connection refused")

func (f *fakeBackend) ListConversations(ctx context.Context, cursor string, limit int) ([]store.Conversation, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, "", errOffline
	}
	return f.convs, "", nil
}

func (f *fakeBackend) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	for i := range f.convs {
		if f.convs[i].ID == id {
			return &f.convs[i], nil
		}
	}
	return nil, &remote.Error{Status: 404, Code: "not_found"}
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID string, before remote.Cursor, limit int) ([]store.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, false, errOffline
	}
	var page []store.Message
	for _, m := range f.history[conversationID] {
		if before.Ts > 0 && !(m.CreatedAt < before.Ts || (m.CreatedAt == before.Ts && m.ID < before.ID)) {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	return page, len(page) == limit, nil
}

func (f *fakeBackend) ListMessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeBackend) FetchMessage(ctx context.Context, conversationID, messageID string) (*store.Message, error) {
	return nil, &remote.Error{Status: 404, Code: "not_found"}
}

func (f *fakeBackend) SendMessage(ctx context.Context, conversationID, body, correlationID string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	return &store.Message{
		ID:             "srv-" + correlationID,
		ConversationID: conversationID,
		SenderID:       "me",
		Body:           body,
		CreatedAt:      time.Now().UnixMilli(),
	}, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	if f.unread[conversationID] >= len(messageIDs) {
		f.unread[conversationID] -= len(messageIDs)
	} else {
		f.unread[conversationID] = 0
	}
	return nil
}

func (f *fakeBackend) UnreadCounts(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	out := make(map[string]int, len(f.unread))
	for k, v := range f.unread {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackend) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

type fixture struct {
	db       *store.DB
	backend  *fakeBackend
	bus      *bus.Bus
	views    *view.Tracker
	chats    *ChatService
	messages *MessageService
	sender   *outbox.Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{
		history: map[string][]store.Message{},
		unread:  map[string]int{},
	}
	b := bus.New()
	views := view.NewTracker()
	logger := zap.NewNop()

	rec := syncpkg.NewReconciler(db, backend, b, "me",
		time.Minute, 5*time.Minute, 30*time.Second, logger)
	pages := pager.NewCoordinator(db, backend, 50, logger)
	sender := outbox.NewSender(db, backend, b, outbox.Options{}, logger)

	return &fixture{
		db:      db,
		backend: backend,
		bus:     b,
		views:   views,
		chats: NewChatService(db, backend, b, views, rec,
			time.Minute, 5*time.Second, logger),
		messages: NewMessageService(db, views, pages, sender, rec, "me",
			time.Minute, 5*time.Second, logger),
		sender: sender,
	}
}

func TestListConversationsRefreshesFromServer(t *testing.T) {
	f := newFixture(t)
	f.backend.convs = []store.Conversation{
		{ID: "c1", Kind: store.KindDirect, Title: "Ana", LastActivityAt: 2000},
		{ID: "c2", Kind: store.KindGroup, Title: "Team", LastActivityAt: 1000},
	}

	convs, err := f.chats.ListConversations(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "c1" {
		t.Fatalf("convs = %+v, want c1 then c2 by activity", convs)
	}
}

func TestListConversationsPaginates(t *testing.T) {
	f := newFixture(t)
	f.backend.convs = []store.Conversation{
		{ID: "c1", Kind: store.KindDirect, Title: "a", LastActivityAt: 3000},
		{ID: "c2", Kind: store.KindDirect, Title: "b", LastActivityAt: 2000},
		{ID: "c3", Kind: store.KindDirect, Title: "c", LastActivityAt: 1000},
	}
	ctx := context.Background()

	page, err := f.chats.ListConversations(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "c1" || page[1].ID != "c2" {
		t.Fatalf("first page = %+v, want c1, c2", page)
	}
	page, err = f.chats.ListConversations(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "c3" {
		t.Fatalf("second page = %+v, want c3", page)
	}
}

func TestListConversationsServesReplicaOffline(t *testing.T) {
	f := newFixture(t)
	f.backend.convs = []store.Conversation{
		{ID: "c1", Kind: store.KindDirect, Title: "Ana", LastActivityAt: 2000},
	}
	if _, err := f.chats.ListConversations(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}

	f.backend.setOffline(true)
	f.chats.cache.InvalidateAll()

	convs, err := f.chats.ListConversations(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "Ana" {
		t.Fatalf("offline convs = %+v, want the replicated list", convs)
	}
}

func TestOpenConversationClearsLoadedIncrementally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.EnsureConversation("c1", 100); err != nil {
		t.Fatal(err)
	}

	// 10 unread on the server; only the newest 6 fit the first page... use
	// a small pager for that.
	pages := pager.NewCoordinator(f.db, f.backend, 6, zap.NewNop())
	rec := syncpkg.NewReconciler(f.db, f.backend, f.bus, "me",
		time.Minute, 5*time.Minute, 30*time.Second, zap.NewNop())
	svc := NewMessageService(f.db, f.views, pages, f.sender, rec, "me",
		time.Minute, 5*time.Second, zap.NewNop())

	var history []store.Message
	for i := 10; i >= 1; i-- {
		history = append(history, store.Message{
			ID: fmt.Sprintf("m%02d", i), ConversationID: "c1", SenderID: "u2",
			Body: "hi", CreatedAt: int64(i * 100),
		})
	}
	f.backend.history["c1"] = history
	f.backend.unread["c1"] = 10

	msgs, err := svc.OpenConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 6 {
		t.Fatalf("page = %d messages, want 6", len(msgs))
	}
	if n, _ := f.db.UnreadCount("c1"); n != 4 {
		t.Errorf("unread = %d, want 4 (only loaded messages clear)", n)
	}

	// Scrolling up loads the rest; the count reaches zero.
	older, _, err := svc.LoadOlder(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 4 {
		t.Fatalf("older page = %d messages, want 4", len(older))
	}
	if n, _ := f.db.UnreadCount("c1"); n != 0 {
		t.Errorf("unread = %d after loading all, want 0", n)
	}
}

func TestSendWorksOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.EnsureConversation("c1", 100); err != nil {
		t.Fatal(err)
	}
	f.backend.setOffline(true)

	corr, err := f.messages.Send("c1", "hello from the subway")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := f.messages.OpenConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range msgs {
		if m.ID == corr && m.Pending {
			found = true
		}
	}
	if !found {
		t.Fatalf("pending send not visible offline: %+v", msgs)
	}
}

func TestBadgeIsSumOfVisibleCounts(t *testing.T) {
	f := newFixture(t)
	for i, n := range []int{3, 0, 5} {
		id := fmt.Sprintf("c%d", i+1)
		if err := f.db.EnsureConversation(id, int64(100*i)); err != nil {
			t.Fatal(err)
		}
		if n > 0 {
			if err := f.db.IncrementUnread(id, n); err != nil {
				t.Fatal(err)
			}
		}
	}

	total, err := f.chats.TotalUnread()
	if err != nil {
		t.Fatal(err)
	}
	if total != 8 {
		t.Fatalf("badge = %d, want 8", total)
	}

	// Archiving removes the conversation's contribution.
	if err := f.chats.ArchiveConversation("c3"); err != nil {
		t.Fatal(err)
	}
	if total, _ = f.chats.TotalUnread(); total != 3 {
		t.Errorf("badge = %d after archive, want 3", total)
	}
}

func TestForegroundHooksDriveViewState(t *testing.T) {
	f := newFixture(t)
	f.chats.OnForeground()
	if !f.views.Foreground() {
		t.Error("foreground hook did not reach the tracker")
	}
	f.chats.OnBackground()
	if f.views.Foreground() {
		t.Error("background hook did not reach the tracker")
	}
}

func TestRetryAndDismissPassThrough(t *testing.T) {
	f := newFixture(t)
	if err := f.db.EnsureConversation("c1", 100); err != nil {
		t.Fatal(err)
	}
	corr, err := f.messages.Send("c1", "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.MarkOutboxTerminal(corr, "rejected"); err != nil {
		t.Fatal(err)
	}

	failed, err := f.messages.FailedSends()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].CorrelationID != corr {
		t.Fatalf("failed = %+v", failed)
	}
	if err := f.messages.DismissSend(corr); err != nil {
		t.Fatal(err)
	}
	if failed, _ = f.messages.FailedSends(); len(failed) != 0 {
		t.Errorf("failed = %+v after dismiss", failed)
	}
}
