// Package message orchestrates the send pipeline, inbound payload
// processing and conversation mutations over the local store and the
// remote gateways.
package message

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/gateway"
	"github.com/courier-chat/courier/internal/status"
	"github.com/courier-chat/courier/internal/store"
)

// Gateway is the slice of the remote message service the repository uses.
type Gateway interface {
	SendMessage(ctx context.Context, recipientID, documentID string, p gateway.Payload) (string, error)
	FetchMessages(ctx context.Context, recipientID string) ([]gateway.Payload, error)
	DeleteMessage(ctx context.Context, recipientID, documentID string) error
	EnsureConversation(ctx context.Context, conversationID string) error
}

// MediaUploader uploads attachment bytes and returns the remote URL.
type MediaUploader interface {
	UploadBytes(ctx context.Context, objectPath string, data []byte) (string, error)
}

// SessionProvider resolves the current user.
type SessionProvider interface {
	CurrentUserID() string
	CurrentUserPhone() string
}

// metadata key holding the local source file of a not-yet-uploaded
// attachment, so an explicit retry can re-run the upload.
const metaMediaPath = "local_media_path"

// checkpoint key for the latest incoming message pointer.
const ckLatestIncoming = "latest_incoming"

// Draft is a user-initiated outgoing message.
type Draft struct {
	ConversationID string
	SenderID       string // resolved from the session when empty
	Body           string
	MediaPath      string // local file for image/audio content
	LocalID        string // generated when empty
	CreatedAt      int64  // epoch millis, now when zero
	ContentType    string
}

// Repository implements the offline-first message pipeline: optimistic
// local writes, asynchronous remote dispatch and reconciliation of
// inbound payloads.
type Repository struct {
	db      *store.DB
	gw      Gateway
	media   MediaUploader
	session SessionProvider
	bus     *bus.Bus
	logger  *zap.Logger
	sends   sync.WaitGroup
}

// NewRepository creates a message repository.
func NewRepository(db *store.DB, gw Gateway, media MediaUploader, session SessionProvider, b *bus.Bus, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:      db,
		gw:      gw,
		media:   media,
		session: session,
		bus:     b,
		logger:  logger,
	}
}

// Send persists an optimistic SENDING row and dispatches it to the
// remote gateway in the background. Returns the message's local temp
// id. A local storage failure is fatal and surfaced to the caller; all
// remote failures resolve asynchronously into an ERROR row.
func (r *Repository) Send(ctx context.Context, draft Draft) (string, error) {
	senderID := draft.SenderID
	if senderID == "" {
		senderID = r.session.CurrentUserID()
		if senderID == "" {
			return "", fmt.Errorf("send: no active session")
		}
	}
	localID := draft.LocalID
	if localID == "" {
		localID = uuid.NewString()
	}
	createdAt := draft.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	contentType := draft.ContentType
	if contentType == "" {
		contentType = store.ContentText
	}

	msg := &store.Message{
		LocalID:        localID,
		ConversationID: draft.ConversationID,
		SenderID:       senderID,
		Body:           draft.Body,
		CreatedAt:      createdAt,
		ContentType:    contentType,
	}
	if draft.MediaPath != "" {
		msg.Metadata = map[string]string{metaMediaPath: draft.MediaPath}
	}
	if err := r.db.InsertOutgoing(msg); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	r.publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": draft.ConversationID,
		"message_id":      localID,
	})

	// The dispatch outlives the caller's context: a send started must
	// resolve to SENT or ERROR even if the observer goes away.
	dispatchCtx := context.WithoutCancel(ctx)
	r.sends.Add(1)
	go func() {
		defer r.sends.Done()
		r.dispatch(dispatchCtx, msg, draft.MediaPath)
	}()
	return localID, nil
}

// Retry re-enters an ERROR row at SENDING and dispatches it again.
// Only explicit user action retries a failed send.
func (r *Repository) Retry(ctx context.Context, localID string) error {
	moved, err := r.db.MarkRetrying(localID)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if !moved {
		return fmt.Errorf("retry: no failed message with local id %q", localID)
	}
	msg, err := r.db.GetMessage(localID)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("retry: message %q vanished", localID)
	}
	r.publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": msg.ConversationID,
		"message_id":      localID,
	})

	dispatchCtx := context.WithoutCancel(ctx)
	r.sends.Add(1)
	go func() {
		defer r.sends.Done()
		r.dispatch(dispatchCtx, msg, msg.Metadata[metaMediaPath])
	}()
	return nil
}

// dispatch uploads media if needed, sends the payload and reconciles
// the local row with the result. A media failure aborts before any
// payload is transmitted.
func (r *Repository) dispatch(ctx context.Context, msg *store.Message, mediaPath string) {
	content := msg.Body

	if msg.ContentType == store.ContentImage || msg.ContentType == store.ContentAudio {
		url, err := r.uploadMedia(ctx, msg, mediaPath)
		if err != nil {
			r.logger.Error("media upload failed",
				zap.String("local_id", msg.LocalID), zap.Error(err))
			r.fail(msg)
			return
		}
		content = url
	}

	payload := gateway.Payload{
		ID:          msg.LocalID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ConversationID,
		CreatedAt:   msg.CreatedAt,
		Kind:        gateway.PayloadMessage,
		MessageType: wireType(msg.ContentType),
		Content:     content,
		Status:      string(status.Sent),
	}
	serverID, err := r.gw.SendMessage(ctx, msg.ConversationID, msg.LocalID, payload)
	if err != nil {
		r.logger.Error("send failed",
			zap.String("local_id", msg.LocalID), zap.Error(err))
		r.fail(msg)
		return
	}

	if err := r.db.ConfirmSent(msg.LocalID, serverID, time.Now().UnixMilli()); err != nil {
		r.logger.Error("ack reconcile failed",
			zap.String("local_id", msg.LocalID), zap.String("server_id", serverID), zap.Error(err))
		return
	}
	r.logger.Info("message sent",
		zap.String("local_id", msg.LocalID), zap.String("server_id", serverID))
	r.publish(bus.KindMessageSendAck, map[string]string{
		"conversation_id": msg.ConversationID,
		"local_id":        msg.LocalID,
		"server_id":       serverID,
	})
}

func (r *Repository) uploadMedia(ctx context.Context, msg *store.Message, mediaPath string) (string, error) {
	if mediaPath == "" {
		return "", fmt.Errorf("no media source for %s message", msg.ContentType)
	}
	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	objectPath := gateway.ObjectPath(msg.SenderID, msg.CreatedAt, filepath.Base(mediaPath))
	url, err := r.media.UploadBytes(ctx, objectPath, data)
	if err != nil {
		return "", err
	}
	return url, nil
}

func (r *Repository) fail(msg *store.Message) {
	if err := r.db.MarkSendFailed(msg.LocalID); err != nil {
		r.logger.Error("failed to mark send error",
			zap.String("local_id", msg.LocalID), zap.Error(err))
	}
	r.publish(bus.KindMessageSendFailed, map[string]string{
		"conversation_id": msg.ConversationID,
		"local_id":        msg.LocalID,
	})
}

// Flush blocks until all in-flight dispatches have resolved.
func (r *Repository) Flush() {
	r.sends.Wait()
}

// DeleteMessageLocal removes a row matched by either server id or
// local temp id. Local-only; no remote call.
func (r *Repository) DeleteMessageLocal(id string) error {
	msg, err := r.db.GetMessage(id)
	if err != nil {
		return fmt.Errorf("delete local: %w", err)
	}
	if msg == nil {
		return nil
	}
	if err := r.db.DeleteMessage(id); err != nil {
		return fmt.Errorf("delete local: %w", err)
	}
	r.publish(bus.KindMessageDeleted, map[string]string{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
	})
	return nil
}

// ObserveConversation produces a continuously updated ascending view of
// one conversation, driven by local-store change events. New observers
// get the current snapshot immediately; the channel closes when ctx is
// cancelled. Slow observers skip intermediate snapshots but always see
// the latest one.
func (r *Repository) ObserveConversation(ctx context.Context, conversationID string, pageSize int) <-chan []store.Message {
	out := make(chan []store.Message, 1)
	events, unsub := r.bus.Subscribe("message.", 64)

	emit := func() {
		msgs, err := r.db.ListConversation(conversationID, 0, pageSize)
		if err != nil {
			r.logger.Error("observe list failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		// Latest-value semantics: replace a not-yet-consumed snapshot.
		select {
		case out <- msgs:
		default:
			select {
			case <-out:
			default:
			}
			out <- msgs
		}
	}
	emit()

	go func() {
		defer unsub()
		defer close(out)
		for {
			select {
			case evt := <-events:
				if fields, ok := evt.Payload.(map[string]string); ok {
					if cid, ok := fields["conversation_id"]; ok && cid != conversationID {
						continue
					}
				}
				emit()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Repository) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func wireType(contentType string) string {
	switch contentType {
	case store.ContentImage:
		return gateway.WireImage
	case store.ContentAudio:
		return gateway.WireAudio
	default:
		// Encrypted bodies travel as opaque text content.
		return gateway.WireText
	}
}
