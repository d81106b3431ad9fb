package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "message." receives both upserted and confirmed.
const (
	KindRemoteInsert = "remote.insert"
	KindRemoteUpdate = "remote.update"
	KindRemoteDelete = "remote.delete"

	KindStreamConnected    = "stream.connected"
	KindStreamDisconnected = "stream.disconnected"
	KindStreamStatus       = "stream.status_changed"

	KindMessageUpserted   = "message.upserted"
	KindMessageConfirmed  = "message.confirmed"
	KindMessageSendFailed = "message.send_failed"

	KindUnreadChanged    = "unread.changed"
	KindUnreadReconciled = "unread.reconciled"

	KindSyncCaughtUp = "sync.caught_up"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
