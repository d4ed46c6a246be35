package errors

var (
	// Domain errors returned by the friend, chat and contacts packages.
	ErrSelfFriend           = InvalidArg("cannot add yourself as a friend")
	ErrSelfMessage          = InvalidArg("cannot send a message to yourself")
	ErrSelfConversation     = InvalidArg("a conversation needs two different users")
	ErrMessageTooLong       = InvalidArg("message text exceeds the allowed length")
	ErrMessageInvalidUTF8   = InvalidArg("message text contains invalid UTF-8")
	ErrMissingUserID        = InvalidArg("user id is required")
	ErrProfileNotFound      = NotFound("user profile not found")
	ErrConversationNotFound = NotFound("conversation not found")
	ErrNotParticipant       = Forbidden("user is not a participant of this conversation")
	ErrRateLimited          = New(CodeResourceExhausted, "rate limit exceeded")
	ErrPairMismatch         = Internal("conversation id is held by a different pair of users")
)

// ErrContention is returned when a conversation transaction kept conflicting
// with concurrent writers until its retry budget ran out. Callers may retry.
func ErrContention(cause error) error {
	return Wrap(CodeAborted, "conversation is busy, try again", cause)
}
