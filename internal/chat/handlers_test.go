package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/replichat/replichat/internal/broker"
	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/limits"
	"github.com/replichat/replichat/internal/store"
)

// newTestServer builds a server around a single-node cluster. With no
// peers the node elects itself leader; withLeader=false leaves the
// election timer stopped so every write sees "no leader".
func newTestServer(t *testing.T, withLeader bool) *Server {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	durable, term, votedFor, commit, err := cluster.OpenDurableState(t.TempDir())
	require.NoError(t, err)

	peers := []string{}
	if !withLeader {
		// An unreachable peer keeps the node from self-electing.
		peers = []string{"127.0.0.1:1"}
	}
	mgr, err := cluster.NewManager(cluster.Config{
		ServerID: "127.0.0.1:50051",
		Peers:    peers,
	}, cluster.NewHTTPTransport(100*time.Millisecond), durable, term, votedFor, commit,
		cluster.StoreApplier{Store: st}, logger, logger)
	require.NoError(t, err)

	br := broker.New(logger)
	mgr.SetNotify(br.Publish)

	if withLeader {
		mgr.Start()
		t.Cleanup(mgr.Stop)
		require.Eventually(t, mgr.IsLeader, 2*time.Second, 10*time.Millisecond)
	}

	guard := limits.NewGuard(limits.GuardConfig{MaxConnections: 100, CPURejectThreshold: 100}, logger)
	return NewServer(ServerConfig{Addr: "127.0.0.1:50051"}, st, mgr, br, guard, logger)
}

func envelope(t *testing.T, typ string, payload any) *Envelope {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return &Envelope{Type: typ, Payload: raw, Timestamp: time.Now().Unix()}
}

func payloadOf(t *testing.T, env *Envelope) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(env.Payload) > 0 {
		require.NoError(t, json.Unmarshal(env.Payload, &out))
	}
	return out
}

func login(t *testing.T, s *Server, c *session, user string) {
	t.Helper()
	reply := s.dispatch(c, envelope(t, OpCreateAccount, map[string]any{
		"username": user, "password_verifier": []byte("pw-" + user),
	}))
	require.Equal(t, OpSuccess, reply.Type)

	reply = s.dispatch(c, envelope(t, OpLogin, map[string]any{
		"username": user, "password_verifier": []byte("pw-" + user),
	}))
	require.Equal(t, OpSuccess, reply.Type)
	require.Equal(t, user, c.username())
}

func TestCreateAccountAndDuplicate(t *testing.T) {
	s := newTestServer(t, true)
	c := &session{server: s}

	reply := s.dispatch(c, envelope(t, OpCreateAccount, map[string]any{
		"username": "alice", "password_verifier": []byte("pw"),
	}))
	require.Equal(t, OpSuccess, reply.Type)

	dup := s.dispatch(c, envelope(t, OpCreateAccount, map[string]any{
		"username": "alice", "password_verifier": []byte("other"),
	}))
	require.Equal(t, OpError, dup.Type)
	require.Equal(t, ReasonUsernameTaken, payloadOf(t, dup)["reason"])

	bad := s.dispatch(c, envelope(t, OpCreateAccount, map[string]any{"username": ""}))
	require.Equal(t, OpError, bad.Type)
	require.Equal(t, ReasonInvalid, payloadOf(t, bad)["reason"])
}

func TestLoginOutcomes(t *testing.T) {
	s := newTestServer(t, true)
	c := &session{server: s}
	login(t, s, c, "alice")

	wrong := s.dispatch(c, envelope(t, OpLogin, map[string]any{
		"username": "alice", "password_verifier": []byte("nope"),
	}))
	require.Equal(t, ReasonBadCredentials, payloadOf(t, wrong)["reason"])

	missing := s.dispatch(c, envelope(t, OpLogin, map[string]any{
		"username": "ghost", "password_verifier": []byte("pw"),
	}))
	require.Equal(t, ReasonNoSuchUser, payloadOf(t, missing)["reason"])
}

func TestWritesRequireAuthentication(t *testing.T) {
	s := newTestServer(t, true)
	c := &session{server: s}

	reply := s.dispatch(c, envelope(t, OpSendMessage, map[string]any{"content": "hi"}))
	require.Equal(t, OpError, reply.Type)
	require.Equal(t, ReasonNotAuthenticated, payloadOf(t, reply)["reason"])
}

func TestSendMessage(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")

	// The two account creations occupy operation ids 1 and 2; the first
	// message draws id 3 from the same sequence.
	env := envelope(t, OpSendMessage, map[string]any{"content": "hi"})
	env.Sender, env.Recipient = "alice", "bob"
	reply := s.dispatch(alice, env)
	require.Equal(t, OpSuccess, reply.Type)
	require.Equal(t, float64(3), payloadOf(t, reply)["message_id"])
	require.Equal(t, int64(3), s.manager.CommitIndex())

	// Recipient must hold a committed account.
	env = envelope(t, OpSendMessage, map[string]any{"content": "hi"})
	env.Sender, env.Recipient = "alice", "ghost"
	reply = s.dispatch(alice, env)
	require.Equal(t, ReasonNoSuchUser, payloadOf(t, reply)["reason"])

	// Spoofed sender is rejected.
	env = envelope(t, OpSendMessage, map[string]any{"content": "hi"})
	env.Sender, env.Recipient = "bob", "alice"
	reply = s.dispatch(alice, env)
	require.Equal(t, ReasonUnauthorized, payloadOf(t, reply)["reason"])
}

func TestSendMessageContentBound(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")

	long := make([]byte, s.cfg.MaxContentBytes+1)
	for i := range long {
		long[i] = 'x'
	}
	env := envelope(t, OpSendMessage, map[string]any{"content": string(long)})
	env.Sender, env.Recipient = "alice", "bob"
	reply := s.dispatch(alice, env)
	require.Equal(t, ReasonInvalid, payloadOf(t, reply)["reason"])
}

func sendTestMessage(t *testing.T, s *Server, c *session, sender, recipient, content string) int64 {
	t.Helper()
	env := envelope(t, OpSendMessage, map[string]any{"content": content})
	env.Sender, env.Recipient = sender, recipient
	reply := s.dispatch(c, env)
	require.Equal(t, OpSuccess, reply.Type)
	return int64(payloadOf(t, reply)["message_id"].(float64))
}

func TestReadConversation(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")

	sendTestMessage(t, s, alice, "alice", "bob", "hi1")
	sendTestMessage(t, s, alice, "alice", "bob", "hi2")

	reply := s.dispatch(bob, envelope(t, OpReadConversation, map[string]any{"username": "alice"}))
	require.Equal(t, OpSuccess, reply.Type)
	p := payloadOf(t, reply)
	require.Equal(t, float64(2), p["total"])
	msgs := p["messages"].([]any)
	require.Len(t, msgs, 2)
	// Newest first.
	require.Equal(t, "hi2", msgs[0].(map[string]any)["content"])
}

func TestDeleteMessagesOwnership(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	carol := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")
	login(t, s, carol, "carol")

	id := sendTestMessage(t, s, alice, "alice", "bob", "hi")

	// carol owns nothing here; her delete touches nothing.
	reply := s.dispatch(carol, envelope(t, OpDeleteMessages, map[string]any{"ids": []int64{id, 99}}))
	require.Equal(t, OpSuccess, reply.Type)
	require.Empty(t, payloadOf(t, reply)["deleted"])

	reply = s.dispatch(bob, envelope(t, OpDeleteMessages, map[string]any{"ids": []int64{id}}))
	require.Equal(t, OpSuccess, reply.Type)
	deleted := payloadOf(t, reply)["deleted"].([]any)
	require.Len(t, deleted, 1)
	require.Equal(t, float64(id), deleted[0])
}

func TestMarkRead(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")

	id := sendTestMessage(t, s, alice, "alice", "bob", "hi")

	reply := s.dispatch(bob, envelope(t, OpMarkRead, map[string]any{"ids": []int64{id}}))
	require.Equal(t, OpSuccess, reply.Type)
	read, err := s.store.IsRead(id)
	require.NoError(t, err)
	require.True(t, read)

	spoofed := s.dispatch(bob, envelope(t, OpMarkRead, map[string]any{"ids": []int64{id}, "username": "alice"}))
	require.Equal(t, ReasonUnauthorized, payloadOf(t, spoofed)["reason"])
}

func TestDeleteAccount(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")
	sendTestMessage(t, s, alice, "alice", "bob", "hi")

	spoofed := s.dispatch(alice, envelope(t, OpDeleteAccount, map[string]any{"username": "bob"}))
	require.Equal(t, ReasonUnauthorized, payloadOf(t, spoofed)["reason"])

	reply := s.dispatch(alice, envelope(t, OpDeleteAccount, nil))
	require.Equal(t, OpSuccess, reply.Type)
	require.Equal(t, "", alice.username())

	exists, err := s.store.AccountExists("alice")
	require.NoError(t, err)
	require.False(t, exists)

	// The cascade removed the conversation on bob's side too.
	partners := s.dispatch(bob, envelope(t, OpListChatPartners, nil))
	require.Empty(t, payloadOf(t, partners)["partners"])
}

func TestListAccountsAndPartners(t *testing.T) {
	s := newTestServer(t, true)
	alice := &session{server: s}
	bob := &session{server: s}
	login(t, s, alice, "alice")
	login(t, s, bob, "bob")
	sendTestMessage(t, s, alice, "alice", "bob", "hi")

	reply := s.dispatch(alice, envelope(t, OpListAccounts, map[string]any{"pattern": "*"}))
	p := payloadOf(t, reply)
	require.Equal(t, float64(2), p["total"])
	require.ElementsMatch(t, []any{"alice", "bob"}, p["accounts"])

	reply = s.dispatch(bob, envelope(t, OpListChatPartners, nil))
	p = payloadOf(t, reply)
	require.Equal(t, []any{"alice"}, p["partners"])
	unread := p["unread_map"].(map[string]any)
	require.Equal(t, float64(1), unread["alice"])
}

func TestGetLeaderAndClusterNodes(t *testing.T) {
	s := newTestServer(t, true)
	c := &session{server: s}

	reply := s.dispatch(c, envelope(t, OpGetLeader, nil))
	require.Equal(t, "127.0.0.1:50051", payloadOf(t, reply)["leader"])

	reply = s.dispatch(c, envelope(t, OpGetClusterNodes, nil))
	require.Equal(t, []any{"127.0.0.1:50051"}, payloadOf(t, reply)["nodes"])
}

func TestWritesWithoutLeaderAreTransient(t *testing.T) {
	s := newTestServer(t, false)
	c := &session{server: s}

	reply := s.dispatch(c, envelope(t, OpCreateAccount, map[string]any{
		"username": "alice", "password_verifier": []byte("pw"),
	}))
	require.Equal(t, OpError, reply.Type)
	require.Equal(t, ReasonNoLeader, payloadOf(t, reply)["reason"])

	leader := s.dispatch(c, envelope(t, OpGetLeader, nil))
	require.Nil(t, payloadOf(t, leader)["leader"])
}

func TestApplyForwarded(t *testing.T) {
	s := newTestServer(t, true)

	reply := s.applyForwarded("", envelope(t, OpCreateAccount, map[string]any{
		"username": "alice", "password_verifier": []byte("pw"),
	}))
	require.Equal(t, OpSuccess, reply.Type)

	reply = s.applyForwarded("", envelope(t, OpCreateAccount, map[string]any{
		"username": "bob", "password_verifier": []byte("pw"),
	}))
	require.Equal(t, OpSuccess, reply.Type)

	env := envelope(t, OpSendMessage, map[string]any{"content": "hi"})
	env.Sender, env.Recipient = "alice", "bob"
	reply = s.applyForwarded("alice", env)
	require.Equal(t, OpSuccess, reply.Type)

	// Reads are never forwarded.
	reply = s.applyForwarded("alice", envelope(t, OpListAccounts, nil))
	require.Equal(t, ReasonInvalid, payloadOf(t, reply)["reason"])
}

func TestApplyForwardedOnFollower(t *testing.T) {
	s := newTestServer(t, false)
	reply := s.applyForwarded("alice", envelope(t, OpDeleteAccount, nil))
	require.Equal(t, ReasonNoLeader, payloadOf(t, reply)["reason"])
}
