package message

import (
	"context"
	"fmt"

	"github.com/courier-chat/courier/internal/bus"
)

// MarkConversationAsRead advances the last-read marker for the current
// user. The store keeps the marker monotonic.
func (r *Repository) MarkConversationAsRead(conversationID string, lastReadAt, lastReadSeq int64) error {
	if err := r.db.MarkRead(conversationID, r.session.CurrentUserID(), lastReadAt, lastReadSeq); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	r.publishState(conversationID)
	return nil
}

// SetConversationPinned pins or unpins a conversation.
func (r *Repository) SetConversationPinned(conversationID string, pinned bool) error {
	if err := r.db.SetPinned(conversationID, r.session.CurrentUserID(), pinned); err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	r.publishState(conversationID)
	return nil
}

// SetConversationArchived archives or unarchives a conversation.
func (r *Repository) SetConversationArchived(conversationID string, archived bool) error {
	if err := r.db.SetArchived(conversationID, r.session.CurrentUserID(), archived); err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	r.publishState(conversationID)
	return nil
}

// MuteConversation mutes a conversation until the given epoch millis.
func (r *Repository) MuteConversation(conversationID string, muteUntil int64) error {
	if err := r.db.SetMuteUntil(conversationID, r.session.CurrentUserID(), muteUntil); err != nil {
		return fmt.Errorf("mute: %w", err)
	}
	r.publishState(conversationID)
	return nil
}

// HideReadReceipts toggles the read-receipt visibility preference.
func (r *Repository) HideReadReceipts(conversationID string, hidden bool) error {
	if err := r.db.SetReadReceiptsHidden(conversationID, r.session.CurrentUserID(), hidden); err != nil {
		return fmt.Errorf("hide read receipts: %w", err)
	}
	r.publishState(conversationID)
	return nil
}

// PurgeConversation deletes the conversation's state row and cascades
// to every local message in it.
func (r *Repository) PurgeConversation(conversationID string) error {
	if err := r.db.PurgeConversation(conversationID); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if err := r.db.DeleteConversationState(conversationID, r.session.CurrentUserID()); err != nil {
		return fmt.Errorf("purge state: %w", err)
	}
	r.publish(bus.KindMessageDeleted, map[string]string{
		"conversation_id": conversationID,
	})
	r.publishState(conversationID)
	return nil
}

// EnsureConversation creates the remote conversation document and the
// local state row for the current user.
func (r *Repository) EnsureConversation(ctx context.Context, conversationID string) error {
	if err := r.db.EnsureConversationState(conversationID, r.session.CurrentUserID()); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if err := r.gw.EnsureConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (r *Repository) publishState(conversationID string) {
	r.publish(bus.KindConversationUpdated, map[string]string{
		"conversation_id": conversationID,
	})
}
