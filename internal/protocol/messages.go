// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the direct-message gateway. All
// messages are serialized as JSON and follow a consistent envelope format with
// a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/friend"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify               = "identify"
	TypeSubscribeFriends       = "subscribe_friends"
	TypeSubscribeConversations = "subscribe_conversations"
	TypeSubscribeMessages      = "subscribe_messages"
	TypeUnsubscribe            = "unsubscribe"
	TypeSendMessage            = "send_message"
	TypeMarkRead               = "mark_read"
	TypePing                   = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeIdentified     = "identified"
	TypeSubscribed     = "subscribed"
	TypeFriends        = "friends"
	TypeConversations  = "conversations"
	TypeMessages       = "messages"
	TypeUnsubscribed   = "unsubscribed"
	TypeMessageSent    = "message_sent"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Protocol-level error codes. Domain failures use the codes of pkg/errors.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeNotIdentified   = "not_identified"
	CodeUnknownSub      = "unknown_subscription"
)

// ErrUnknownType is returned by ParseClientMessage for a type the server does
// not accept from clients.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds the connection to a user. It must precede every other
// message except ping.
type IdentifyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SubscribeFriendsMsg starts a live friend list for the identified user.
type SubscribeFriendsMsg struct {
	Type string `json:"type"`
}

// SubscribeConversationsMsg starts a live conversation list for the
// identified user.
type SubscribeConversationsMsg struct {
	Type string `json:"type"`
}

// SubscribeMessagesMsg starts a live message window over one conversation.
// Limit <= 0 selects the server default.
type SubscribeMessagesMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

// UnsubscribeMsg cancels a subscription created on this connection.
type UnsubscribeMsg struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
}

// SendMessageMsg sends a direct message to another user. Ref is an optional
// client token echoed in the acknowledgement.
type SendMessageMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
	Ref  string `json:"ref,omitempty"`
}

// MarkReadMsg clears the identified user's unread counter of a conversation.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is accepted.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// IdentifiedMsg confirms the user bound to the connection.
type IdentifiedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SubscribedMsg confirms a new subscription. Topic is the client message type
// that created it.
type SubscribedMsg struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
}

// FriendsMsg carries a full friend list snapshot, newest first.
type FriendsMsg struct {
	Type           string        `json:"type"`
	SubscriptionID string        `json:"subscription_id"`
	Friends        []friend.Edge `json:"friends"`
}

// ConversationsMsg carries a full conversation list snapshot, most recently
// active first.
type ConversationsMsg struct {
	Type           string               `json:"type"`
	SubscriptionID string               `json:"subscription_id"`
	Conversations  []*chat.Conversation `json:"conversations"`
}

// MessagesMsg carries the newest messages of a conversation, oldest first.
type MessagesMsg struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	ConversationID string          `json:"conversation_id"`
	Messages       []*chat.Message `json:"messages"`
}

// UnsubscribedMsg confirms a subscription was cancelled.
type UnsubscribedMsg struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
}

// MessageSentMsg acknowledges a committed send.
type MessageSentMsg struct {
	Type    string        `json:"type"`
	Ref     string        `json:"ref,omitempty"`
	Message *chat.Message `json:"message"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. Ref echoes
// the client token of the failed request, if any.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeFriends:
		var m SubscribeFriendsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeConversations:
		var m SubscribeConversationsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeMessages:
		var m SubscribeMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
