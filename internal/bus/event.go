package bus

import "time"

// Event kinds are dot-separated namespaces. Subscribers filter by prefix:
// "message." matches message.upserted, message.status_changed, etc.
const (
	KindMessageUpserted      = "message.upserted"
	KindMessageStatusChanged = "message.status_changed"
	KindMessageSendAck       = "message.send_ack"
	KindMessageSendFailed    = "message.send_failed"
	KindMessageDeleted       = "message.deleted"
	KindMessageIncoming      = "message.incoming"
	KindContactUpserted      = "contact.upserted"
	KindContactSynced        = "contact.synced"
	KindConversationUpdated  = "conversation.updated"
	KindSummaryUpdated       = "summary.updated"
	KindAvatarRefreshed      = "avatar.refreshed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
