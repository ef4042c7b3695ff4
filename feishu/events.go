package feishu

import (
	"encoding/json"
	"fmt"
)

// Event types mailhook subscribes to.
const (
	EventTypeBotAdded        = "im.chat.member.bot.added_v1"
	EventTypeBotRemoved      = "im.chat.member.bot.deleted_v1"
	EventTypeMessageReceived = "im.message.receive_v1"
)

// EventRequest is the payload posted to the event callback endpoint. It is
// either a URL-verification challenge or a schema 2.0 event envelope; the
// two are distinguished structurally.
type EventRequest struct {
	Challenge string          `json:"challenge,omitempty"`
	Schema    string          `json:"schema,omitempty"`
	Header    *EventHeader    `json:"header,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// IsChallenge reports whether the request is a URL-verification challenge.
func (r *EventRequest) IsChallenge() bool {
	return r.Header == nil && r.Challenge != ""
}

// EventType returns the event type from the envelope header, or "".
func (r *EventRequest) EventType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.EventType
}

// DecodeEvent unmarshals the raw event body into the type matching the
// envelope's event type.
func (r *EventRequest) DecodeEvent() (any, error) {
	switch r.EventType() {
	case EventTypeBotAdded, EventTypeBotRemoved:
		var e BotChangeEvent
		if err := json.Unmarshal(r.Event, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", r.EventType(), err)
		}
		return &e, nil
	case EventTypeMessageReceived:
		var e MessageReceivedEvent
		if err := json.Unmarshal(r.Event, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", r.EventType(), err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unsupported event type %q", r.EventType())
	}
}

type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

type UserID struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
}

// BotChangeEvent is the body of bot added/removed events.
type BotChangeEvent struct {
	ChatID            string `json:"chat_id"`
	OperatorID        UserID `json:"operator_id"`
	External          bool   `json:"external"`
	OperatorTenantKey string `json:"operator_tenant_key"`
	Name              string `json:"name"`
}

type ChatType string

const (
	ChatTypeP2P   ChatType = "p2p"
	ChatTypeGroup ChatType = "group"
)

// MessageReceivedEvent is the body of im.message.receive_v1.
type MessageReceivedEvent struct {
	Sender  EventSender  `json:"sender"`
	Message EventMessage `json:"message"`
}

type EventSender struct {
	SenderID   UserID `json:"sender_id"`
	SenderType string `json:"sender_type"`
	TenantKey  string `json:"tenant_key"`
}

type EventMessage struct {
	MessageID   string    `json:"message_id"`
	RootID      string    `json:"root_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreateTime  string    `json:"create_time"`
	UpdateTime  string    `json:"update_time"`
	ChatID      string    `json:"chat_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	ChatType    ChatType  `json:"chat_type"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Mentions    []Mention `json:"mentions,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

type Mention struct {
	Key       string `json:"key"`
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	TenantKey string `json:"tenant_key"`
}
