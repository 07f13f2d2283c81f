package chat

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/replichat/replichat/internal/store"
)

// The subscription opens before the backlog query, so a message committing
// in that window reaches the client exactly once: from the backlog, with
// its queued duplicate dropped by the id check.
func TestStreamDeliversBacklogThenLive(t *testing.T) {
	s := newTestServer(t, true)
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	alice := &session{server: s}
	bob := &session{server: s, conn: srv, logger: zerolog.Nop()}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")

	next := func() float64 {
		t.Helper()
		require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
		data, _, err := wsutil.ReadServerData(cli)
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return payloadOf(t, &env)["message_id"].(float64)
	}

	first := sendTestMessage(t, s, alice, "alice", "bob", "one")
	second := sendTestMessage(t, s, alice, "alice", "bob", "two")

	require.Nil(t, s.dispatch(bob, envelope(t, OpReadMessages, nil)))
	defer bob.teardown()

	require.Equal(t, float64(first), next())
	require.Equal(t, float64(second), next())

	// A queued copy of an id already pushed from the backlog is dropped;
	// the stream resumes with the next live commit.
	s.broker.Publish(store.Message{ID: second, Sender: "alice", Recipient: "bob", Content: "two"})
	third := sendTestMessage(t, s, alice, "alice", "bob", "three")
	require.Equal(t, float64(third), next())
}

type deadlineErrConn struct {
	net.Conn
}

func (deadlineErrConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline unsupported")
}

func TestWriteFailsWhenDeadlineCannotBeSet(t *testing.T) {
	s := newTestServer(t, true)
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	c := &session{server: s, conn: deadlineErrConn{srv}, logger: zerolog.Nop()}
	require.False(t, c.write(successEnvelope(map[string]any{"ok": true})))
}
