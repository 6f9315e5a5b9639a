package message

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/gateway"
	"github.com/courier-chat/courier/internal/status"
	"github.com/courier-chat/courier/internal/store"
)

// ProcessPayload ingests one payload from the gateway's live channel.
// Message payloads are upserted keyed by server id. Action payloads are
// applied at most once: the idempotency ledger absorbs redeliveries,
// the status machine absorbs out-of-order receipts. Errors never
// propagate out of the listener loop; entity-scoped failures are
// logged and the loop moves on.
func (r *Repository) ProcessPayload(ctx context.Context, p gateway.Payload) {
	if err := p.Validate(); err != nil {
		r.logger.Warn("discarding malformed payload", zap.Error(err))
		r.deleteRemote(ctx, p)
		return
	}
	switch p.Kind {
	case gateway.PayloadAction:
		r.processAction(ctx, p)
	case gateway.PayloadMessage:
		r.processMessage(ctx, p)
	}
}

func (r *Repository) processAction(ctx context.Context, p gateway.Payload) {
	seen, err := r.db.HasAction(p.ActionID)
	if err != nil {
		r.logger.Error("ledger lookup failed", zap.String("action_id", p.ActionID), zap.Error(err))
		return
	}
	if seen {
		// Redelivery of an already-effected action: no further effect,
		// just ask the remote queue to drop it again.
		r.deleteRemote(ctx, p)
		return
	}

	target, err := status.ForAction(p.ActionType)
	if err != nil {
		r.logger.Warn("discarding action", zap.String("action_id", p.ActionID), zap.Error(err))
		r.deleteRemote(ctx, p)
		return
	}

	advanced, err := r.db.AdvanceStatus(p.ActionMessageID, target)
	if err != nil {
		// Leave the ledger untouched so a redelivery can retry the effect.
		r.logger.Error("action apply failed",
			zap.String("action_id", p.ActionID),
			zap.String("message_id", p.ActionMessageID), zap.Error(err))
		return
	}
	if !advanced {
		// No row moved: either the receipt is a no-op against a later
		// status, or the target has not been ingested yet. Only the
		// first case may be absorbed; a receipt racing ahead of its
		// message stays queued remotely until the message lands.
		msg, err := r.db.GetMessage(p.ActionMessageID)
		if err != nil {
			r.logger.Error("action target lookup failed",
				zap.String("action_id", p.ActionID), zap.Error(err))
			return
		}
		if msg == nil {
			r.logger.Warn("receipt for unknown message, deferring",
				zap.String("action_id", p.ActionID),
				zap.String("message_id", p.ActionMessageID))
			return
		}
	}
	if _, err := r.db.RecordAction(p.ActionID, p.ActionMessageID); err != nil {
		r.logger.Error("ledger record failed", zap.String("action_id", p.ActionID), zap.Error(err))
	}
	if advanced {
		r.publish(bus.KindMessageStatusChanged, map[string]string{
			"message_id": p.ActionMessageID,
			"status":     string(target),
		})
	}
	r.deleteRemote(ctx, p)
}

func (r *Repository) processMessage(ctx context.Context, p gateway.Payload) {
	self := r.session.CurrentUserID()
	msg := payloadToMessage(p, self)
	if err := r.db.UpsertIncoming(msg); err != nil {
		r.logger.Error("upsert inbound message failed", zap.String("id", p.ID), zap.Error(err))
		return
	}
	r.publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
	})
	if p.SenderID != self {
		// Durable pointer for the notification layer.
		if err := r.db.SetCheckpoint(ckLatestIncoming, msg.ID); err != nil {
			r.logger.Error("latest-incoming checkpoint failed", zap.Error(err))
		}
		r.publish(bus.KindMessageIncoming, map[string]string{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
		})
	}
}

// deleteRemote asks the remote queue to drop a consumed payload.
// Fire-and-forget: failures are logged and swallowed, never retried,
// and never roll back the local effect.
func (r *Repository) deleteRemote(ctx context.Context, p gateway.Payload) {
	docID := p.ID
	if docID == "" {
		docID = p.ActionID
	}
	if docID == "" {
		return
	}
	recipient := r.session.CurrentUserID()
	go func() {
		if err := r.gw.DeleteMessage(context.WithoutCancel(ctx), recipient, docID); err != nil {
			r.logger.Warn("remote payload delete failed", zap.String("document_id", docID), zap.Error(err))
		}
	}()
}

// SyncConversation pulls the complete remote snapshot for one
// conversation and reconciles it into the local store: remote rows are
// upserted, local rows absent from the snapshot and older than
// sinceEpochMillis are removed. This is the only place
// deletion-by-absence runs, and FetchMessages returns a
// stated-complete snapshot, never a page.
func (r *Repository) SyncConversation(ctx context.Context, conversationID string, sinceEpochMillis int64) error {
	payloads, err := r.gw.FetchMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("sync conversation %s: %w", conversationID, err)
	}

	self := r.session.CurrentUserID()
	var msgs []*store.Message
	var actions []gateway.Payload
	for _, p := range payloads {
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping malformed snapshot payload", zap.Error(err))
			continue
		}
		switch p.Kind {
		case gateway.PayloadMessage:
			msgs = append(msgs, payloadToMessage(p, self))
		case gateway.PayloadAction:
			actions = append(actions, p)
		}
	}

	if err := r.db.ReconcileSnapshot(conversationID, msgs, sinceEpochMillis); err != nil {
		return fmt.Errorf("sync conversation %s: %w", conversationID, err)
	}
	// Receipts that accumulated while offline run through the same
	// idempotent path as live ones, after reconcile so a receipt whose
	// message travels in the same snapshot finds its row.
	for _, p := range actions {
		r.processAction(ctx, p)
	}
	if err := r.db.SetCheckpoint("sync."+conversationID, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Error("sync checkpoint failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	r.publish(bus.KindConversationUpdated, map[string]string{
		"conversation_id": conversationID,
	})
	return nil
}

// LastSyncedAt returns the checkpoint of the previous SyncConversation
// run for a conversation, or zero.
func (r *Repository) LastSyncedAt(conversationID string) (int64, error) {
	v, err := r.db.GetCheckpoint("sync." + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sync checkpoint: %w", err)
	}
	return ts, nil
}

func payloadToMessage(p gateway.Payload, selfID string) *store.Message {
	conversationID := p.SenderID
	if p.SenderID == selfID {
		conversationID = p.ReceiverID
	}
	st := status.Status(p.Status)
	if !status.Valid(st) {
		st = status.Sent
	}
	return &store.Message{
		ID:             p.ID,
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		Body:           p.Content,
		CreatedAt:      p.CreatedAt,
		Status:         st,
		ContentType:    contentType(p.MessageType),
	}
}

func contentType(wire string) string {
	switch wire {
	case gateway.WireImage:
		return store.ContentImage
	case gateway.WireAudio:
		return store.ContentAudio
	default:
		return store.ContentText
	}
}
