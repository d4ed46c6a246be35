package chat

import "strings"

// IDSeparator joins the two participant ids of a conversation id.
const IDSeparator = "_"

// idEscaper percent-encodes the bytes that would make a joined id ambiguous
// or let it reach into a neighbouring Redis key.
var idEscaper = strings.NewReplacer("%", "%25", "_", "%5F", ":", "%3A")

// ConversationID returns the id of the conversation between a and b. It is
// independent of argument order, so either participant can address the
// conversation without a lookup. Distinct pairs always map to distinct ids:
// each participant id is escaped so the separator only ever appears once.
func ConversationID(a, b string) string {
	a, b = sortedPair(a, b)
	return idEscaper.Replace(a) + IDSeparator + idEscaper.Replace(b)
}

func sortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// holdsPair reports whether the stored participant fields belong to the
// pair a, b. Empty fields mean the conversation does not exist yet.
func holdsPair(storedA, storedB, a, b string) bool {
	if storedA == "" && storedB == "" {
		return true
	}
	first, second := sortedPair(a, b)
	return storedA == first && storedB == second
}

// Redis layout.
func conversationKey(id string) string       { return "conversation:" + id }
func messagesKey(id string) string           { return "conversation:" + id + ":messages" }
func messageKey(convID, msgID string) string { return "message:" + convID + ":" + msgID }
func userConversationsKey(uid string) string { return "user:" + uid + ":conversations" }

// Per-participant fields of the conversation hash.
func profileField(uid string) string  { return "profile:" + uid }
func unreadField(uid string) string   { return "unread:" + uid }
func lastReadField(uid string) string { return "last_read:" + uid }
