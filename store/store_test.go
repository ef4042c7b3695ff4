package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory("mail.allsunday.io")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddRemoveChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chatID := "some_chat_name"

	assert.False(t, s.ChatExists(ctx, chatID))
	require.NoError(t, s.AddChat(ctx, chatID))
	assert.True(t, s.ChatExists(ctx, chatID))
	// Adding again is a no-op.
	require.NoError(t, s.AddChat(ctx, chatID))
	require.NoError(t, s.RemoveChat(ctx, chatID))
	assert.False(t, s.ChatExists(ctx, chatID))
}

func TestMailAddressRegistersChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	addr, err := s.MailAddress(ctx, "oc_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "oc_deadbeef@mail.allsunday.io", addr)
	assert.True(t, s.ChatExists(ctx, "oc_deadbeef"))
}

func TestSaveGetMail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")

	require.NoError(t, s.SaveMail(ctx, "mail-id-1", raw))
	got, err := s.GetMail(ctx, "mail-id-1")
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = s.GetMail(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrMailNotFound)
}
