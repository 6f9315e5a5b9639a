// Package gateway implements the clients for the remote message,
// contact and media services.
package gateway

import (
	"errors"
	"fmt"
)

// PayloadType discriminates the two wire payload variants.
type PayloadType string

const (
	PayloadMessage PayloadType = "message"
	PayloadAction  PayloadType = "action"
)

// Wire message types.
const (
	WireText  = "text"
	WireImage = "image"
	WireAudio = "audio"
)

// Receipt action types carried by action payloads.
const (
	ActionDelivered = "delivered"
	ActionRead      = "read"
)

// Payload is one wire record from the remote message service. The two
// variants share the envelope fields; Kind selects which of the
// message or action fields are meaningful. Dispatch is a single switch
// on Kind at the ingestion boundary.
type Payload struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	CreatedAt  int64       `json:"createdAtMillis"`
	Kind       PayloadType `json:"payloadType"`

	// Message variant.
	MessageType string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
	Status      string `json:"status,omitempty"`

	// Action variant.
	ActionType      string `json:"actionType,omitempty"`
	ActionMessageID string `json:"actionMessageId,omitempty"`
	ActionID        string `json:"actionId,omitempty"`
}

// ErrMalformedPayload marks inbound records that cannot be processed.
// The listener loop discards them after best-effort remote deletion.
var ErrMalformedPayload = errors.New("malformed payload")

// Validate checks the variant-specific required fields.
func (p *Payload) Validate() error {
	switch p.Kind {
	case PayloadMessage:
		if p.ID == "" {
			return fmt.Errorf("%w: message without id", ErrMalformedPayload)
		}
		if p.MessageType == "" {
			return fmt.Errorf("%w: message %q without type", ErrMalformedPayload, p.ID)
		}
	case PayloadAction:
		if p.ActionID == "" {
			return fmt.Errorf("%w: action without action id", ErrMalformedPayload)
		}
		if p.ActionType == "" {
			return fmt.Errorf("%w: action %q without type", ErrMalformedPayload, p.ActionID)
		}
		if p.ActionMessageID == "" {
			return fmt.Errorf("%w: action %q without target message", ErrMalformedPayload, p.ActionID)
		}
	default:
		return fmt.Errorf("%w: unknown payload type %q", ErrMalformedPayload, p.Kind)
	}
	return nil
}
