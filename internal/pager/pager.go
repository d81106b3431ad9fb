// Package pager coordinates backward pagination through conversation
// history. Fetched pages are merged into the replica through the same
// guarded upsert as live events, then served back out of it, so a page
// never shows content older than what the replica already knows.
package pager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/store"
)

type convState struct {
	oldestTs int64
	oldestID string
	hasMore  bool
}

// Coordinator tracks a per-conversation paging cursor over
// (created_at, id) descending.
type Coordinator struct {
	db       *store.DB
	remote   remote.API
	logger   *zap.Logger
	pageSize int

	mu    sync.Mutex
	state map[string]*convState
}

// NewCoordinator creates a coordinator with the given page size.
func NewCoordinator(db *store.DB, api remote.API, pageSize int, logger *zap.Logger) *Coordinator {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Coordinator{
		db:       db,
		remote:   api,
		logger:   logger,
		pageSize: pageSize,
		state:    make(map[string]*convState),
	}
}

// Prime loads the newest page for a conversation and resets its cursor.
// The remote fetch is best effort: offline, the locally replicated page is
// served and paging continues against the replica.
func (p *Coordinator) Prime(ctx context.Context, conversationID string) ([]store.Message, error) {
	serverMore, fetchErr := p.fetchAndMerge(ctx, conversationID, remote.Cursor{})
	if fetchErr != nil {
		if remote.IsPermanent(fetchErr) {
			return nil, fetchErr
		}
		p.logger.Debug("history fetch failed, serving replica",
			zap.Error(fetchErr), zap.String("conversation_id", conversationID))
	}

	msgs, err := p.db.ListMessages(conversationID, 0, "", p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasMore := serverMore
	if fetchErr != nil {
		// Offline: whether older history exists is unknown; a full local
		// page is the best available signal.
		hasMore = len(msgs) == p.pageSize
	}
	st := &convState{hasMore: hasMore}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		st.oldestTs, st.oldestID = last.CreatedAt, last.ID
	}
	p.mu.Lock()
	p.state[conversationID] = st
	p.mu.Unlock()
	return msgs, nil
}

// LoadOlder extends the window one page into the past. Returns the older
// messages and whether more remain. Calling it on an exhausted or unprimed
// conversation returns an empty page.
func (p *Coordinator) LoadOlder(ctx context.Context, conversationID string) ([]store.Message, bool, error) {
	p.mu.Lock()
	st, ok := p.state[conversationID]
	p.mu.Unlock()
	if !ok || !st.hasMore {
		return nil, false, nil
	}

	cursor := remote.Cursor{Ts: st.oldestTs, ID: st.oldestID}
	more, err := p.fetchAndMerge(ctx, conversationID, cursor)
	if err != nil {
		if remote.IsPermanent(err) {
			return nil, st.hasMore, err
		}
		more = true
	}

	msgs, err := p.db.ListMessages(conversationID, st.oldestTs, st.oldestID, p.pageSize)
	if err != nil {
		return nil, st.hasMore, fmt.Errorf("list messages: %w", err)
	}

	p.mu.Lock()
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		st.oldestTs, st.oldestID = last.CreatedAt, last.ID
	}
	st.hasMore = more && len(msgs) > 0
	hasMore := st.hasMore
	p.mu.Unlock()
	return msgs, hasMore, nil
}

// HasMore reports whether older history remains for the conversation.
func (p *Coordinator) HasMore(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[conversationID]
	return ok && st.hasMore
}

// Forget drops the paging cursor, e.g. when the conversation view closes.
func (p *Coordinator) Forget(conversationID string) {
	p.mu.Lock()
	delete(p.state, conversationID)
	p.mu.Unlock()
}

// fetchAndMerge pulls one remote page before the cursor and merges it into
// the replica. Returns the server's has-more flag. The guarded upsert means
// a history page can never roll back a newer edit or deletion the replica
// already holds.
func (p *Coordinator) fetchAndMerge(ctx context.Context, conversationID string, before remote.Cursor) (bool, error) {
	msgs, more, err := p.remote.ListMessages(ctx, conversationID, before, p.pageSize)
	if err != nil {
		return false, fmt.Errorf("fetch history page: %w", err)
	}
	for i := range msgs {
		if _, err := p.db.UpsertMessage(&msgs[i]); err != nil {
			return false, fmt.Errorf("merge history page: %w", err)
		}
	}
	return more, nil
}
