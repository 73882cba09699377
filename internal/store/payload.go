package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when an outbox payload fails validation.
var ErrInvalidPayload = errors.New("store: invalid outbox payload")

// PayloadKind tags the variant held by a Payload.
type PayloadKind string

const (
	PayloadSendMessage PayloadKind = "message.send"
)

// Payload is the tagged union persisted in the outbox payload column.
// Exactly one variant field is set, matching Kind.
type Payload struct {
	Kind PayloadKind  `json:"kind"`
	Send *SendPayload `json:"send,omitempty"`
}

// SendPayload delivers a single chat message.
type SendPayload struct {
	TempID         string      `json:"temp_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content,omitempty"`
	Cipher         *Ciphertext `json:"cipher,omitempty"`
}

// NewSendPayload wraps p in a message.send payload.
func NewSendPayload(p SendPayload) Payload {
	return Payload{Kind: PayloadSendMessage, Send: &p}
}

// Validate checks that the variant matches the kind and carries its required fields.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSendMessage:
		s := p.Send
		if s == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidPayload, p.Kind)
		}
		if s.TempID == "" || s.ConversationID == "" || s.SenderID == "" {
			return fmt.Errorf("%w: %s missing temp_id, conversation_id or sender_id", ErrInvalidPayload, p.Kind)
		}
		if s.Content == "" && (s.Cipher == nil || s.Cipher.Data == "") {
			return fmt.Errorf("%w: %s has no content", ErrInvalidPayload, p.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing kind", ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
}

func encodePayload(p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
