package chat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/friendchat/internal/profile"
)

// Message statuses. Only StatusSent is written by this package; the others
// are reserved for delivery tracking.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the per-pair conversation document.
type Conversation struct {
	ID                  string                         `json:"id"`
	Participants        []string                       `json:"participants"`
	ParticipantProfiles map[string]profile.UserProfile `json:"participant_profiles"`
	LastMessage         *LastMessage                   `json:"last_message"`
	UnreadCounts        map[string]int                 `json:"unread_counts"`
	LastReadAt          map[string]time.Time           `json:"last_read_at,omitempty"`
	CreatedAt           time.Time                      `json:"created_at"`
	UpdatedAt           time.Time                      `json:"updated_at"`
}

// Partner returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Partner(userID string) string {
	if len(c.Participants) != 2 {
		return ""
	}
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// IsParticipant checks if a user is part of this conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is an immutable entry of a conversation's message log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
}

// Timestamps are stored as unix microseconds, the same unit as the sorted
// set scores.
func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

// parseCount reads an unread counter; absent or corrupt values count as zero.
func parseCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type lastMessageRecord struct {
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	CreatedAt int64  `json:"created_at"`
}

func encodeLastMessage(text, senderID string, at time.Time) string {
	data, _ := json.Marshal(lastMessageRecord{Text: text, SenderID: senderID, CreatedAt: micros(at)})
	return string(data)
}

func encodeProfile(p profile.UserProfile) string {
	data, _ := json.Marshal(p)
	return string(data)
}

// decodeConversation builds a Conversation from its Redis hash. It returns
// nil for an empty hash.
func decodeConversation(id string, h map[string]string) *Conversation {
	if len(h) == 0 || h["user_a"] == "" {
		return nil
	}
	a, b := h["user_a"], h["user_b"]
	c := &Conversation{
		ID:                  id,
		Participants:        []string{a, b},
		ParticipantProfiles: make(map[string]profile.UserProfile, 2),
		UnreadCounts:        map[string]int{a: parseCount(h[unreadField(a)]), b: parseCount(h[unreadField(b)])},
		LastReadAt:          make(map[string]time.Time),
		CreatedAt:           fromMicros(h["created_at"]),
		UpdatedAt:           fromMicros(h["updated_at"]),
	}

	for field, val := range h {
		switch {
		case strings.HasPrefix(field, "profile:"):
			var p profile.UserProfile
			if err := json.Unmarshal([]byte(val), &p); err == nil {
				c.ParticipantProfiles[strings.TrimPrefix(field, "profile:")] = p
			}
		case strings.HasPrefix(field, "last_read:"):
			if t := fromMicros(val); !t.IsZero() {
				c.LastReadAt[strings.TrimPrefix(field, "last_read:")] = t
			}
		}
	}

	if raw := h["last_message"]; raw != "" {
		var rec lastMessageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			c.LastMessage = &LastMessage{
				Text:      rec.Text,
				SenderID:  rec.SenderID,
				CreatedAt: time.UnixMicro(rec.CreatedAt).UTC(),
			}
		}
	}
	return c
}

func messageFields(m *Message) map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"sender_id":  m.SenderID,
		"text":       m.Text,
		"created_at": micros(m.CreatedAt),
		"status":     m.Status,
	}
}

func decodeMessage(convID string, h map[string]string) *Message {
	if len(h) == 0 || h["id"] == "" {
		return nil
	}
	return &Message{
		ID:             h["id"],
		ConversationID: convID,
		SenderID:       h["sender_id"],
		Text:           h["text"],
		CreatedAt:      fromMicros(h["created_at"]),
		Status:         h["status"],
	}
}
