package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/friendchat/internal/metrics"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

// Send appends a message from senderID to recipientID and updates the
// conversation in one optimistic transaction: the conversation is created on
// first contact, otherwise its profile snapshots, last message and timestamp
// are refreshed and only the recipient's unread counter is incremented from
// the value read inside the transaction.
//
// Blank text is a no-op and returns a nil message. A failed send leaves the
// conversation exactly as it was.
func (s *Store) Send(ctx context.Context, senderID, recipientID, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if senderID == "" || recipientID == "" {
		return nil, apperr.ErrMissingUserID
	}
	if senderID == recipientID {
		return nil, apperr.ErrSelfMessage
	}
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	sender, err := s.profiles.Resolve(ctx, senderID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.profiles.Resolve(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	id := ConversationID(senderID, recipientID)
	key := conversationKey(id)
	start := time.Now()

	var sent *Message
	txf := func(tx *redis.Tx) error {
		sent = nil
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if !holdsPair(h["user_a"], h["user_b"], senderID, recipientID) {
			return apperr.ErrPairMismatch
		}

		now := time.Now()
		ts := micros(now)
		msg := &Message{
			ID:             uuid.NewString(),
			ConversationID: id,
			SenderID:       senderID,
			Text:           text,
			CreatedAt:      now,
			Status:         StatusSent,
		}

		unread := 1
		exists := h["user_a"] != ""
		if exists {
			unread = parseCount(h[unreadField(recipientID)]) + 1
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !exists {
				a, b := sortedPair(senderID, recipientID)
				pipe.HSet(ctx, key,
					"id", id,
					"user_a", a,
					"user_b", b,
					"created_at", ts,
					unreadField(senderID), 0,
				)
			}
			pipe.HSet(ctx, key,
				profileField(senderID), encodeProfile(sender),
				profileField(recipientID), encodeProfile(recipient),
				unreadField(recipientID), unread,
				"last_message", encodeLastMessage(text, senderID, now),
				"updated_at", ts,
			)
			pipe.ZAdd(ctx, userConversationsKey(senderID), redis.Z{Score: float64(ts), Member: id})
			pipe.ZAdd(ctx, userConversationsKey(recipientID), redis.Z{Score: float64(ts), Member: id})
			pipe.HSet(ctx, messageKey(id, msg.ID), messageFields(msg))
			pipe.ZAdd(ctx, messagesKey(id), redis.Z{Score: float64(ts), Member: msg.ID})
			return nil
		})
		if err == nil {
			sent = msg
		}
		return err
	}

	if err := s.watch(ctx, key, txf); err != nil {
		return nil, fmt.Errorf("chat: send %s: %w", id, err)
	}

	metrics.MessagesSent.Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	s.log.Debug().Str("conversation", id).Str("message", sent.ID).Msg("message sent")

	s.feed.NotifyMessages(id)
	s.feed.NotifyConversations(senderID, recipientID)
	return sent, nil
}
