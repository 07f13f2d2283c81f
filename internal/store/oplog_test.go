package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func messageOp(id, term int64, sender, recipient, content string) Op {
	return Op{
		ID:   id,
		Term: term,
		Type: OpInsertMessage,
		Message: &Message{
			ID: id, Sender: sender, Recipient: recipient, Content: content, Timestamp: 10,
		},
	}
}

func accountOp(id, term int64, username string) Op {
	return Op{
		ID:      id,
		Term:    term,
		Type:    OpCreateAccount,
		Account: &Account{Username: username, Verifier: []byte("v"), CreatedAt: 100},
	}
}

func TestApplyOpRecordsLog(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyOp(accountOp(1, 1, "alice")))
	require.NoError(t, s.ApplyOp(accountOp(2, 1, "bob")))
	require.NoError(t, s.ApplyOp(messageOp(3, 1, "alice", "bob", "hi")))

	exists, err := s.AccountExists("alice")
	require.NoError(t, err)
	require.True(t, exists)

	msg, ok, err := s.MessageByID(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", msg.Content)

	op, ok, err := s.OpByID(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpInsertMessage, op.Type)
	require.Equal(t, int64(1), op.Term)

	id, term, err := s.HighestOp()
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
	require.Equal(t, int64(1), term)
}

func TestApplyOpReplayConverges(t *testing.T) {
	s := openTestStore(t)

	// A follower re-acking an operation it already holds must not error.
	require.NoError(t, s.ApplyOp(accountOp(1, 1, "alice")))
	require.NoError(t, s.ApplyOp(accountOp(1, 1, "alice")))

	require.NoError(t, s.ApplyOp(Op{ID: 2, Term: 1, Type: OpDeleteAccount, Username: "alice"}))
	require.NoError(t, s.ApplyOp(Op{ID: 2, Term: 1, Type: OpDeleteAccount, Username: "alice"}))

	exists, err := s.AccountExists("alice")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestApplyOpNoopHoldsSlot(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyOp(Op{ID: 1, Term: 2, Type: OpNoop}))

	id, term, err := s.HighestOp()
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Equal(t, int64(2), term)
}

func TestRollbackOpRemovesEntryAndMessage(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyOp(messageOp(1, 1, "alice", "bob", "hi")))
	require.NoError(t, s.RollbackOp(1))

	_, ok, err := s.MessageByID(1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.OpByID(1)
	require.NoError(t, err)
	require.False(t, ok)

	id, _, err := s.HighestOp()
	require.NoError(t, err)
	require.Equal(t, int64(0), id)
}

func TestBothSideDeleteScrubsLogEntry(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyOp(accountOp(1, 1, "alice")))
	require.NoError(t, s.ApplyOp(accountOp(2, 1, "bob")))
	require.NoError(t, s.ApplyOp(messageOp(3, 1, "alice", "bob", "secret")))

	require.NoError(t, s.ApplyOp(Op{ID: 4, Term: 1, Type: OpDeleteMessages, MessageIDs: []int64{3}, Username: "alice"}))
	require.NoError(t, s.ApplyOp(Op{ID: 5, Term: 1, Type: OpDeleteMessages, MessageIDs: []int64{3}, Username: "bob"}))

	_, ok, err := s.MessageByID(3)
	require.NoError(t, err)
	require.False(t, ok)

	// The slot survives, the content does not.
	op, ok, err := s.OpByID(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpNoop, op.Type)
	require.Nil(t, op.Message)
	require.Equal(t, int64(1), op.Term)
}

func TestDeleteAccountScrubsLogEntries(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyOp(accountOp(1, 1, "alice")))
	require.NoError(t, s.ApplyOp(accountOp(2, 1, "bob")))
	require.NoError(t, s.ApplyOp(messageOp(3, 1, "alice", "bob", "one")))
	require.NoError(t, s.ApplyOp(messageOp(4, 1, "bob", "alice", "two")))

	require.NoError(t, s.ApplyOp(Op{ID: 5, Term: 1, Type: OpDeleteAccount, Username: "alice"}))

	for _, id := range []int64{3, 4} {
		op, ok, err := s.OpByID(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, OpNoop, op.Type, "op %d", id)
	}
	id, _, err := s.HighestOp()
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
}

func TestSnapshotCarriesOpLog(t *testing.T) {
	src := openTestStore(t)
	require.NoError(t, src.ApplyOp(accountOp(1, 1, "alice")))
	require.NoError(t, src.ApplyOp(accountOp(2, 1, "bob")))
	require.NoError(t, src.ApplyOp(messageOp(3, 2, "alice", "bob", "hi")))

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf, 3))

	dst := openTestStore(t)
	commit, err := dst.LoadSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(3), commit)

	id, term, err := dst.HighestOp()
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
	require.Equal(t, int64(2), term)

	op, ok, err := dst.OpByID(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpCreateAccount, op.Type)
	require.Equal(t, "alice", op.Account.Username)
}
