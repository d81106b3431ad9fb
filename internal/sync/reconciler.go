package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/remote"
	"github.com/naarscars/chatsync/internal/store"
)

// checkpointLastReconciled is the sync_state key holding the unix-milli
// time of the last successful unread reconciliation.
const checkpointLastReconciled = "last_reconciled_at"

// Reconciler periodically overwrites local unread counts with the server's
// authoritative ones. The fast-path increments in the engine keep the UI
// responsive; the reconciler bounds how long any drift can survive.
type Reconciler struct {
	db        *store.DB
	remote    remote.API
	bus       *bus.Bus
	logger    *zap.Logger
	userID    string
	live      time.Duration
	offline   time.Duration
	staleness time.Duration
	cancel    context.CancelFunc
	kick      chan struct{}

	now func() time.Time
}

// NewReconciler creates a reconciler. live and offline are the poll
// intervals for the connected and disconnected regimes; staleness is the
// age past which counts are re-fetched on demand.
func NewReconciler(db *store.DB, api remote.API, b *bus.Bus, userID string, live, offline, staleness time.Duration, logger *zap.Logger) *Reconciler {
	if live <= 0 {
		live = time.Minute
	}
	if offline <= 0 {
		offline = 5 * time.Minute
	}
	return &Reconciler{
		db:        db,
		remote:    api,
		bus:       b,
		logger:    logger,
		userID:    userID,
		live:      live,
		offline:   offline,
		staleness: staleness,
		kick:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start launches the periodic loop. The interval follows the stream state:
// tighter while live, relaxed while disconnected, and an immediate
// reconcile on every reconnect because counts may have drifted arbitrarily
// while offline.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("stream.", 16)

	go func() {
		defer unsub()
		interval := r.offline
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindStreamConnected:
					interval = r.live
					r.reconcileLogged(ctx)
					timer.Reset(interval)
				case bus.KindStreamDisconnected:
					interval = r.offline
					timer.Reset(interval)
				}
			case <-r.kick:
				r.reconcileLogged(ctx)
				timer.Reset(interval)
			case <-timer.C:
				r.reconcileLogged(ctx)
				timer.Reset(interval)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) reconcileLogged(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Warn("unread reconciliation failed", zap.Error(err))
	}
}

// Reconcile fetches the server's per-conversation unread counts and
// overwrites the local ones. Overwrite, not merge: the server is
// authoritative and overwrite guarantees convergence regardless of which
// fast-path increments were missed or double-applied.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	counts, err := r.remote.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("fetch unread counts: %w", err)
	}
	if err := r.db.SetUnreadCounts(counts); err != nil {
		return fmt.Errorf("set unread counts: %w", err)
	}
	now := r.now()
	if err := r.db.SetCheckpoint(checkpointLastReconciled, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindUnreadReconciled, Timestamp: now})
	return nil
}

// MaybeReconcileStale reconciles only when the last successful
// reconciliation is older than the staleness threshold. Used when a badge
// surface comes into view and a slightly stale count is not acceptable.
func (r *Reconciler) MaybeReconcileStale(ctx context.Context) error {
	raw, err := r.db.Checkpoint(checkpointLastReconciled)
	if err != nil {
		return err
	}
	if raw != "" {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && r.now().Sub(time.UnixMilli(last)) < r.staleness {
			return nil
		}
	}
	return r.Reconcile(ctx)
}

// OnForeground nudges the loop to reconcile now. Non-blocking: a nudge
// while one is already queued is absorbed.
func (r *Reconciler) OnForeground() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// MarkEntered records that the given loaded messages were seen by the
// current user: read-at locally, the read receipt remotely, then a
// reconcile so the authoritative counts land. The local mark happens first
// so the UI clears immediately even if the network calls fail.
func (r *Reconciler) MarkEntered(ctx context.Context, conversationID string, loadedIDs []string) error {
	marked, err := r.db.MarkMessagesRead(conversationID, loadedIDs, r.userID, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark read locally: %w", err)
	}
	if len(marked) == 0 {
		return nil
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: r.now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
	if err := r.remote.MarkRead(ctx, conversationID, marked); err != nil {
		return fmt.Errorf("mark read remotely: %w", err)
	}
	return r.Reconcile(ctx)
}
