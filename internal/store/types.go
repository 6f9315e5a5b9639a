package store

import "github.com/courier-chat/courier/internal/status"

// Content types for messages.
const (
	ContentText      = "text"
	ContentImage     = "image"
	ContentAudio     = "audio"
	ContentEncrypted = "encrypted"
)

// Attachment describes one media object attached to a message.
type Attachment struct {
	ObjectKey    string `json:"object_key"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	CipherMeta   string `json:"cipher_meta,omitempty"`
}

// Message represents one chat message at rest. Before server
// acknowledgment ID holds the client-generated local temp id and
// LocalID mirrors it; once acknowledged ID holds the server id and
// LocalID is empty. Exactly one of the two identification modes holds
// at any time.
type Message struct {
	ID              string
	LocalID         string
	ConversationID  string
	SenderID        string
	Body            string
	CreatedAt       int64 // client timestamp, epoch millis
	Status          status.Status
	ContentType     string
	MessageSeq      int64
	ServerAckAt     int64
	ReplyToID       string
	ThreadRootID    string
	EditedAt        int64
	DeletedForAllAt int64
	Attachments     []Attachment
	Metadata        map[string]string
}

// Contact represents a local address-book entry enriched with
// registration state. PhoneKey is the normalized phone number and the
// store's uniqueness key; PhoneNo is kept raw as entered.
type Contact struct {
	ID           int64
	Name         string
	PhoneNo      string
	PhoneKey     string
	Description  string
	Photo        string
	IsRegistered bool
	FirebaseUID  string
}

// ConversationState holds per-conversation membership and preferences
// for one user.
type ConversationState struct {
	ConversationID string
	UserID         string
	Role           string
	JoinedAt       int64
	LeftAt         int64
	LastReadAt     int64
	LastReadSeq    int64
	MuteUntil      int64
	Archived       bool
	IsPinned       bool
	PinnedAt       int64
	Settings       string // free-form JSON blob
}

// ConversationSummary is the derived per-conversation display row. It
// is never stored; it is recomputed from the message, state and contact
// tables.
type ConversationSummary struct {
	ConversationID  string
	LastMessageID   string
	LastSenderID    string
	LastBody        string
	LastContentType string
	LastCreatedAt   int64
	LastStatus      status.Status
	UnreadCount     int
	IsPinned        bool
	IsMuted         bool
	IsArchived      bool
	DisplayName     string
	DisplayPhoto    string
}

// AvatarEntry maps an owner to its cached avatar image.
type AvatarEntry struct {
	OwnerID   string
	RemoteURL string
	LocalPath string
	UpdatedAt int64
}
