package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/friendchat/internal/profile"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(
		profile.UserRecord{ID: "u3", Name: "Carol", Phone: "+1 555 0100"},
		profile.UserRecord{ID: "u1", Name: "alice"},
		profile.UserRecord{ID: "u2", Name: "Alicia", Phone: "9876543210"},
	)

	rec, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Name)

	rec, err = m.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)

	found, err := m.SearchUsersByName(ctx, "ALI", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "u2", found[0].ID) // "Alicia" < "alice" bytewise
	assert.Equal(t, "u1", found[1].ID)

	found, err = m.SearchUsersByName(ctx, "ali", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	withPhone, err := m.ListUsersWithPhone(ctx, 500)
	require.NoError(t, err)
	require.Len(t, withPhone, 2)
	assert.Equal(t, "u2", withPhone[0].ID)
	assert.Equal(t, "u3", withPhone[1].ID)

	require.NoError(t, m.Upsert(ctx, profile.UserRecord{ID: "u1", Name: "Alice", Phone: "123"}))
	withPhone, err = m.ListUsersWithPhone(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, withPhone, 3)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
}
