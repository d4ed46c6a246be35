package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: CodeUnknown},
		{name: "sentinel", err: ErrSelfFriend, want: CodeInvalidArgument},
		{name: "wrapped sentinel", err: fmt.Errorf("friend: add: %w", ErrProfileNotFound), want: CodeNotFound},
		{name: "contention", err: ErrContention(stderrors.New("tx failed")), want: CodeAborted},
		{name: "plain error", err: stderrors.New("dial tcp: connection refused"), want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestAppError_IsAndUnwrap(t *testing.T) {
	cause := stderrors.New("redis: connection pool timeout")
	err := fmt.Errorf("chat: send: %w", ErrContention(cause))

	assert.ErrorIs(t, err, cause)
	assert.True(t, stderrors.Is(fmt.Errorf("wrap: %w", ErrNotParticipant), ErrNotParticipant))
	assert.False(t, stderrors.Is(ErrNotParticipant, ErrConversationNotFound))
	assert.Equal(t, "conversation is busy, try again: redis: connection pool timeout", ErrContention(cause).Error())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "cannot add yourself as a friend", MessageOf(fmt.Errorf("x: %w", ErrSelfFriend)))
	assert.Equal(t, "internal error", MessageOf(stderrors.New("boom")))
}
