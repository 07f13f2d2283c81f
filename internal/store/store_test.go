package store

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAccount(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateAccount("alice", []byte("v1"), 100))

	exists, err := s.AccountExists("alice")
	require.NoError(t, err)
	require.True(t, exists)

	err = s.CreateAccount("alice", []byte("v2"), 101)
	require.ErrorIs(t, err, ErrUsernameTaken)

	err = s.CreateAccount("", []byte("v"), 102)
	require.ErrorIs(t, err, ErrEmptyUsername)
}

func TestVerifyLogin(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateAccount("alice", []byte("secret"), 100))

	ok, err := s.VerifyLogin("alice", []byte("secret"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.VerifyLogin("alice", []byte("wrong"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.VerifyLogin("nobody", []byte("secret"))
	require.ErrorIs(t, err, ErrNoSuchUser)
}

func TestListAccountsPatternAndPaging(t *testing.T) {
	s := openTestStore(t)
	for _, u := range []string{"alice", "alan", "bob", "carol"} {
		require.NoError(t, s.CreateAccount(u, []byte("v"), 100))
	}

	all, total, err := s.ListAccounts("", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Equal(t, []string{"alan", "alice", "bob", "carol"}, all)

	star, total, err := s.ListAccounts("*", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, star, 4)

	al, total, err := s.ListAccounts("al*", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, []string{"alan", "alice"}, al)

	page2, total, err := s.ListAccounts("", 2, 3)
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Equal(t, []string{"carol"}, page2)

	past, total, err := s.ListAccounts("", 5, 3)
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Empty(t, past)
}

func seedMessages(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.CreateAccount("alice", []byte("v"), 1))
	require.NoError(t, s.CreateAccount("bob", []byte("v"), 1))
	require.NoError(t, s.InsertMessage(Message{ID: 1, Sender: "alice", Recipient: "bob", Content: "hi1", Timestamp: 10}))
	require.NoError(t, s.InsertMessage(Message{ID: 2, Sender: "bob", Recipient: "alice", Content: "hi2", Timestamp: 11}))
	require.NoError(t, s.InsertMessage(Message{ID: 3, Sender: "alice", Recipient: "bob", Content: "hi3", Timestamp: 12}))
}

func TestInsertMessageUpsert(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	// Re-applying the same id overwrites rather than erroring.
	require.NoError(t, s.InsertMessage(Message{ID: 3, Sender: "alice", Recipient: "bob", Content: "rewritten", Timestamp: 13}))

	m, ok, err := s.MessageByID(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rewritten", m.Content)

	highest, err := s.HighestMessageID()
	require.NoError(t, err)
	require.Equal(t, int64(3), highest)
}

func TestConversationOrderAndCeiling(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	msgs, total, err := s.Conversation("alice", "bob", 10, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, int64(3), msgs[0].ID)
	require.Equal(t, int64(2), msgs[1].ID)
	require.Equal(t, int64(1), msgs[2].ID)

	// Commit ceiling hides ids above it.
	msgs, total, err = s.Conversation("alice", "bob", 10, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, int64(2), msgs[0].ID)

	// before_id pages strictly below the bound.
	msgs, _, err = s.Conversation("alice", "bob", 1, 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(2), msgs[0].ID)
}

func TestDeleteMessagesPerSide(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	// bob deletes message 1 (he is recipient): hidden from bob, visible to alice.
	deleted, err := s.DeleteMessages([]int64{1}, "bob")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, deleted)

	bobView, _, err := s.Conversation("bob", "alice", 10, 0, 0)
	require.NoError(t, err)
	for _, m := range bobView {
		require.NotEqual(t, int64(1), m.ID)
	}

	aliceView, _, err := s.Conversation("alice", "bob", 10, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), aliceView[0].ID)
	require.Equal(t, int64(1), aliceView[2].ID)

	// alice deletes her side too: the record is purged outright.
	deleted, err = s.DeleteMessages([]int64{1}, "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, deleted)

	_, ok, err := s.MessageByID(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteMessagesNotOwned(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)
	require.NoError(t, s.CreateAccount("carol", []byte("v"), 1))

	deleted, err := s.DeleteMessages([]int64{1, 2, 99}, "carol")
	require.NoError(t, err)
	require.Empty(t, deleted)
}

func TestMarkReadRecipientOnly(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	// alice is the sender of message 1; her mark is a no-op.
	require.NoError(t, s.MarkRead([]int64{1}, "alice"))
	read, err := s.IsRead(1)
	require.NoError(t, err)
	require.False(t, read)

	require.NoError(t, s.MarkRead([]int64{1}, "bob"))
	read, err = s.IsRead(1)
	require.NoError(t, err)
	require.True(t, read)

	// Unknown ids are skipped.
	require.NoError(t, s.MarkRead([]int64{99}, "bob"))
}

func TestUnreadCount(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	n, err := s.UnreadCount("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.MarkRead([]int64{1}, "bob"))
	n, err = s.UnreadCount("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUndeliveredMessages(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)

	msgs, err := s.UndeliveredMessages("bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(1), msgs[0].ID)
	require.Equal(t, int64(3), msgs[1].ID)

	require.NoError(t, s.MarkDelivered(1))
	msgs, err = s.UndeliveredMessages("bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(3), msgs[0].ID)

	// Uncommitted ids stay invisible.
	msgs, err = s.UndeliveredMessages("bob", 2)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestChatPartners(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)
	require.NoError(t, s.CreateAccount("carol", []byte("v"), 1))
	require.NoError(t, s.InsertMessage(Message{ID: 4, Sender: "carol", Recipient: "alice", Content: "yo", Timestamp: 14}))

	partners, err := s.ChatPartners("alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, partners)

	partners, err = s.ChatPartners("carol")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, partners)
}

func TestDeleteAccountCascade(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)
	require.NoError(t, s.MarkDelivered(1))
	require.NoError(t, s.MarkRead([]int64{1}, "bob"))

	require.NoError(t, s.DeleteAccount("alice"))

	exists, err := s.AccountExists("alice")
	require.NoError(t, err)
	require.False(t, exists)

	for id := int64(1); id <= 3; id++ {
		_, ok, err := s.MessageByID(id)
		require.NoError(t, err)
		require.False(t, ok, "message %d should be gone", id)
	}
	delivered, err := s.IsDelivered(1)
	require.NoError(t, err)
	require.False(t, delivered)

	require.ErrorIs(t, s.DeleteAccount("alice"), ErrNoSuchUser)
}

func TestRemoveMessage(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s)
	require.NoError(t, s.MarkDelivered(3))

	require.NoError(t, s.RemoveMessage(3))
	_, ok, err := s.MessageByID(3)
	require.NoError(t, err)
	require.False(t, ok)

	highest, err := s.HighestMessageID()
	require.NoError(t, err)
	require.Equal(t, int64(2), highest)
}
