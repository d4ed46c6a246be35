package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/friend"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe_messages message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SubscribeMessages(t *testing.T) {
	input := []byte(`{"type":"subscribe_messages","conversation_id":"alice_bob","limit":20}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribeMessages {
		t.Fatalf("expected type %q, got %q", TypeSubscribeMessages, msgType)
	}

	sm, ok := msg.(SubscribeMessagesMsg)
	if !ok {
		t.Fatalf("expected SubscribeMessagesMsg, got %T", msg)
	}
	if sm.ConversationID != "alice_bob" {
		t.Errorf("expected conversation_id %q, got %q", "alice_bob", sm.ConversationID)
	}
	if sm.Limit != 20 {
		t.Errorf("expected limit 20, got %d", sm.Limit)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","to":"bob","text":"Hello!","ref":"r-1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.To != "bob" {
		t.Errorf("expected to %q, got %q", "bob", sm.To)
	}
	if sm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", sm.Text)
	}
	if sm.Ref != "r-1" {
		t.Errorf("expected ref %q, got %q", "r-1", sm.Ref)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server snapshot messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Messages(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := MessagesMsg{
		SubscriptionID: "sub-1",
		ConversationID: "alice_bob",
		Messages: []*chat.Message{
			{ID: "m1", ConversationID: "alice_bob", SenderID: "alice", Text: "hi", CreatedAt: at, Status: chat.StatusSent},
		},
	}

	data, err := NewServerMessage(TypeMessages, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessages {
		t.Errorf("expected type %q, got %v", TypeMessages, result["type"])
	}
	if result["subscription_id"] != "sub-1" {
		t.Errorf("expected subscription_id %q, got %v", "sub-1", result["subscription_id"])
	}

	msgs, ok := result["messages"].([]interface{})
	if !ok {
		t.Fatalf("expected messages to be an array, got %T", result["messages"])
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	if first["sender_id"] != "alice" || first["status"] != "sent" {
		t.Errorf("unexpected message payload: %v", first)
	}
	if first["created_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected created_at: %v", first["created_at"])
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeFriends, FriendsMsg{
		Type:    "bogus",
		Friends: []friend.Edge{{OwnerID: "alice", FriendID: "bob", DisplayName: "Bob"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded FriendsMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeFriends {
		t.Errorf("expected type %q, got %q", TypeFriends, decoded.Type)
	}
	if len(decoded.Friends) != 1 || decoded.Friends[0].FriendID != "bob" {
		t.Errorf("unexpected friends: %+v", decoded.Friends)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	input := []byte(`{"type":"subscribe_messages","limit":"ten"}`)

	msgType, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected a decode error, got nil")
	}
	if msgType != TypeSubscribeMessages {
		t.Errorf("expected returned type %q, got %q", TypeSubscribeMessages, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"identify", `{"type":"identify","user_id":"alice"}`, TypeIdentify},
		{"subscribe_friends", `{"type":"subscribe_friends"}`, TypeSubscribeFriends},
		{"subscribe_conversations", `{"type":"subscribe_conversations"}`, TypeSubscribeConversations},
		{"subscribe_messages", `{"type":"subscribe_messages","conversation_id":"a_b"}`, TypeSubscribeMessages},
		{"unsubscribe", `{"type":"unsubscribe","subscription_id":"s1"}`, TypeUnsubscribe},
		{"send_message", `{"type":"send_message","to":"bob","text":"hi"}`, TypeSendMessage},
		{"mark_read", `{"type":"mark_read","conversation_id":"a_b"}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
