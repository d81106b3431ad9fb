// Package outbox drains queued sends to the backend with bounded retries.
// A send survives process restarts: the queue lives in the replica
// database, and the drain loop picks up whatever is due.
package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/store"
)

const drainInterval = 500 * time.Millisecond

// Options bounds the retry budget.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Sender owns the outbox drain loop.
type Sender struct {
	db     *store.DB
	remote remote.API
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	cancel context.CancelFunc

	now func() time.Time
}

// NewSender creates a sender.
func NewSender(db *store.DB, api remote.API, b *bus.Bus, opts Options, logger *zap.Logger) *Sender {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Sender{
		db:     db,
		remote: api,
		bus:    b,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Enqueue queues a send and returns its correlation id. The pending local
// message is visible immediately; delivery happens asynchronously and the
// enqueue itself never touches the network, so sending works offline.
func (s *Sender) Enqueue(conversationID, senderID, body string) (string, error) {
	correlationID := uuid.NewString()
	now := s.now().UnixMilli()
	if err := s.db.EnqueueSend(correlationID, conversationID, senderID, body, now); err != nil {
		return "", fmt.Errorf("enqueue send: %w", err)
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: s.now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"message_id":      correlationID,
		},
	})
	return correlationID, nil
}

// Start launches the drain loop. Entries claimed by a previous process
// run are returned to the queue first; the drain scan only sees pending
// entries, so without this a crash mid-send would strand the entry in
// sending state forever.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if n, err := s.db.ResetStuckSending(); err != nil {
		s.logger.Error("failed to recover claimed outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("recovered claimed outbox entries", zap.Int64("count", n))
	}
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.drain(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the drain loop. In-flight sends finish on their own; their
// outcome is recorded in the queue either way.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) drain(ctx context.Context) {
	due, err := s.db.DueOutbox(s.now().UnixMilli())
	if err != nil {
		s.logger.Error("failed to load due outbox entries", zap.Error(err))
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, &due[i])
	}
}

func (s *Sender) deliver(ctx context.Context, entry *store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.CorrelationID); err != nil {
		s.logger.Error("failed to claim outbox entry", zap.Error(err))
		return
	}

	confirmed, err := s.remote.SendMessage(ctx, entry.ConversationID, entry.Body, entry.CorrelationID)
	if err != nil {
		s.recordFailure(entry, err)
		return
	}

	if err := s.db.ConfirmSend(entry.CorrelationID, confirmed); err != nil {
		// The delivery succeeded; a re-send with the same correlation id
		// is deduplicated server-side, so retrying the whole entry is
		// safe and keeps it out of a stranded sending state.
		s.recordFailure(entry, fmt.Errorf("confirm send: %w", err))
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageConfirmed,
		Timestamp: s.now(),
		Payload: map[string]string{
			"conversation_id": entry.ConversationID,
			"correlation_id":  entry.CorrelationID,
			"message_id":      confirmed.ID,
		},
	})
}

func (s *Sender) recordFailure(entry *store.OutboxEntry, sendErr error) {
	attempts := entry.Attempts + 1

	if remote.IsPermanent(sendErr) || attempts >= s.opts.MaxAttempts {
		if err := s.db.MarkOutboxTerminal(entry.CorrelationID, sendErr.Error()); err != nil {
			s.logger.Error("failed to mark outbox terminal", zap.Error(err))
			return
		}
		s.logger.Warn("send failed terminally",
			zap.String("correlation_id", entry.CorrelationID),
			zap.Int("attempts", attempts),
			zap.Error(sendErr))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: s.now(),
			Payload: map[string]string{
				"conversation_id": entry.ConversationID,
				"correlation_id":  entry.CorrelationID,
				"error":           sendErr.Error(),
			},
		})
		return
	}

	next := s.now().Add(s.backoff(attempts)).UnixMilli()
	if err := s.db.RescheduleOutbox(entry.CorrelationID, attempts, next, sendErr.Error()); err != nil {
		s.logger.Error("failed to reschedule outbox entry", zap.Error(err))
		return
	}
	s.logger.Debug("send rescheduled",
		zap.String("correlation_id", entry.CorrelationID),
		zap.Int("attempts", attempts),
		zap.Error(sendErr))
}

// backoff computes the delay before the given attempt number, exponential
// with jitter and capped.
func (s *Sender) backoff(attempts int) time.Duration {
	d := s.opts.BaseBackoff << uint(attempts-1)
	if d > s.opts.MaxBackoff || d <= 0 {
		d = s.opts.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(s.opts.BaseBackoff)/2+1))
}

// Failed lists terminal-failure sends for the retry/dismiss surface.
func (s *Sender) Failed() ([]store.OutboxEntry, error) {
	return s.db.FailedOutbox()
}

// Retry puts a terminal-failure send back in the queue with a fresh
// attempt budget.
func (s *Sender) Retry(correlationID string) error {
	return s.db.RetryOutbox(correlationID)
}

// Dismiss discards a terminal-failure send and its pending message.
func (s *Sender) Dismiss(correlationID string) error {
	return s.db.DismissOutbox(correlationID)
}
