package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

// Wire event names.
const (
	OutJoin   = "dm:join"
	OutLeave  = "dm:leave"
	OutSend   = "dm:send"
	OutTyping = "dm:typing"
	OutRead   = "dm:read"
	OutPing   = "ping"

	InMessage     = "dm:new"
	InAck         = "dm:ack"
	InReadReceipt = "dm:read-receipt"
	InTyping      = "dm:typing"
	InUserOnline  = "user:online"
	InUserOffline = "user:offline"
	InPong        = "pong"
	InError       = "error"
)

// Bus kinds published by the client. The client never writes to the store;
// consumers react to these.
const (
	EventConnected          = "rt.connected"
	EventDisconnected       = "rt.disconnected"
	EventReconnectExhausted = "rt.reconnect_exhausted"
	EventAuthRequired       = "rt.auth_required"
	EventMessage            = "rt.message"
	EventAck                = "rt.ack"
	EventReadReceipt        = "rt.read_receipt"
	EventTyping             = "rt.typing"
	EventPresence           = "rt.presence"
	EventError              = "rt.error"
)

// Reasons attached to lifecycle join/leave events.
const (
	ReasonBackgrounded = "app_backgrounded"
	ReasonForegrounded = "app_foregrounded"
)

// Priority orders queued outbound events.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// JoinData is the payload of dm:join and dm:leave.
type JoinData struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

// SendData is the payload of dm:send.
type SendData struct {
	ConversationID string            `json:"conversationId"`
	Text           string            `json:"text"`
	TempID         string            `json:"tempId"`
	ReceiverID     string            `json:"receiverId,omitempty"`
	Cipher         *store.Ciphertext `json:"encrypted,omitempty"`
}

// TypingData is the payload of an outbound dm:typing.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadData is the payload of dm:read.
type ReadData struct {
	ConversationID string `json:"conversationId"`
	UpToMessageID  string `json:"upToMessageId"`
}

type pingData struct {
	TS int64 `json:"ts"`
}

// MessageEvent is published as rt.message.
type MessageEvent struct {
	ConversationID string         `json:"conversationId"`
	Message        remote.Message `json:"message"`
}

// AckEvent is published as rt.ack.
type AckEvent struct {
	TempID    string        `json:"tempId"`
	ServerID  string        `json:"serverId"`
	CreatedAt remote.Millis `json:"createdAt"`
}

// ReadReceiptEvent is published as rt.read_receipt.
type ReadReceiptEvent struct {
	ConversationID string `json:"conversationId"`
	UpToMessageID  string `json:"upToMessageId"`
	UserID         string `json:"userId"`
}

// TypingEvent is published as rt.typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceEvent is published as rt.presence.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"-"`
}

// ErrorEvent is published as rt.error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// DisconnectEvent is published as rt.disconnected.
type DisconnectEvent struct {
	Reason string
}

var errInvalidEvent = errors.New("invalid event")

// decodeInbound parses and validates the data of an inbound event. It returns
// the bus kind and payload to publish, or errInvalidEvent.
func decodeInbound(event string, data json.RawMessage) (string, any, error) {
	invalid := func(why string) (string, any, error) {
		return "", nil, fmt.Errorf("%w: %s: %s", errInvalidEvent, event, why)
	}

	switch event {
	case InMessage:
		var raw struct {
			ConversationID string          `json:"conversationId"`
			Message        *remote.Message `json:"message"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return invalid(err.Error())
		}
		if raw.Message == nil || raw.Message.ID == "" {
			return invalid("missing message")
		}
		if raw.ConversationID == "" {
			raw.ConversationID = raw.Message.ConversationID
		}
		if raw.ConversationID == "" {
			return invalid("missing conversationId")
		}
		raw.Message.ConversationID = raw.ConversationID
		return EventMessage, MessageEvent{ConversationID: raw.ConversationID, Message: *raw.Message}, nil

	case InAck:
		var ev AckEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return invalid(err.Error())
		}
		if ev.TempID == "" || ev.ServerID == "" {
			return invalid("missing tempId or serverId")
		}
		return EventAck, ev, nil

	case InReadReceipt:
		var ev ReadReceiptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return invalid(err.Error())
		}
		if ev.ConversationID == "" || ev.UpToMessageID == "" {
			return invalid("missing conversationId or upToMessageId")
		}
		return EventReadReceipt, ev, nil

	case InTyping:
		var ev TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return invalid(err.Error())
		}
		if ev.ConversationID == "" || ev.UserID == "" {
			return invalid("missing conversationId or userId")
		}
		return EventTyping, ev, nil

	case InUserOnline, InUserOffline:
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return invalid(err.Error())
		}
		if ev.UserID == "" {
			return invalid("missing userId")
		}
		ev.Online = event == InUserOnline
		return EventPresence, ev, nil

	case InError:
		var ev ErrorEvent
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev); err != nil {
				// Some servers send the message as a bare string.
				var s string
				if json.Unmarshal(data, &s) != nil {
					return invalid(err.Error())
				}
				ev.Message = s
			}
		}
		return EventError, ev, nil
	}
	return "", nil, nil
}
