package chat

import (
	"errors"
	"time"

	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// handle dispatches one client envelope. Returns the reply, or nil when
// the operation produces no immediate reply (READ_MESSAGES streams
// instead).
func (s *Server) handle(c *session, env *Envelope) *Envelope {
	reply := s.dispatch(c, env)

	outcome := "success"
	if reply != nil && reply.Type == OpError {
		outcome = "error"
	}
	monitoring.ClientOps.WithLabelValues(env.Type, outcome).Inc()
	return reply
}

func (s *Server) dispatch(c *session, env *Envelope) *Envelope {
	switch env.Type {
	case OpCreateAccount:
		return s.handleCreateAccount(env)
	case OpLogin:
		return s.handleLogin(c, env)
	case OpGetLeader:
		return s.handleGetLeader()
	case OpGetClusterNodes:
		return s.handleGetClusterNodes()
	}

	user := c.username()
	if user == "" {
		return errorEnvelope(ReasonNotAuthenticated, "log in first")
	}

	switch env.Type {
	case OpListAccounts:
		return s.handleListAccounts(env)
	case OpSendMessage:
		return s.handleSendMessage(user, env)
	case OpReadMessages:
		return s.handleReadMessages(c, user, env)
	case OpReadConversation:
		return s.handleReadConversation(user, env)
	case OpDeleteMessages:
		return s.handleDeleteMessages(user, env)
	case OpDeleteAccount:
		return s.handleDeleteAccount(c, user, env)
	case OpListChatPartners:
		return s.handleListChatPartners(user, env)
	case OpMarkRead:
		return s.handleMarkRead(user, env)
	default:
		return errorEnvelope(ReasonInvalid, "unknown operation type")
	}
}

func (s *Server) handleCreateAccount(env *Envelope) *Envelope {
	var p credentialsPayload
	if err := env.decodePayload(&p); err != nil || p.Username == "" || len(p.PasswordVerifier) == 0 {
		return errorEnvelope(ReasonInvalid, "username and password_verifier required")
	}
	if !s.manager.IsLeader() {
		return s.forward(env, "")
	}
	return s.leaderCreateAccount(p)
}

func (s *Server) leaderCreateAccount(p credentialsPayload) *Envelope {
	exists, err := s.store.AccountExists(p.Username)
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	if exists {
		return errorEnvelope(ReasonUsernameTaken, "")
	}
	if err := s.manager.ProposeAccount(p.Username, p.PasswordVerifier, time.Now().Unix()); err != nil {
		return replicationError(err)
	}
	return successEnvelope(nil)
}

func (s *Server) handleLogin(c *session, env *Envelope) *Envelope {
	var p credentialsPayload
	if err := env.decodePayload(&p); err != nil || p.Username == "" {
		return errorEnvelope(ReasonInvalid, "username and password_verifier required")
	}

	ok, err := s.store.VerifyLogin(p.Username, p.PasswordVerifier)
	if errors.Is(err, store.ErrNoSuchUser) {
		return errorEnvelope(ReasonNoSuchUser, "")
	}
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	if !ok {
		return errorEnvelope(ReasonBadCredentials, "")
	}
	c.setUsername(p.Username)
	s.logger.Info().Str("user", p.Username).Msg("client authenticated")
	return successEnvelope(nil)
}

func (s *Server) handleListAccounts(env *Envelope) *Envelope {
	var p listAccountsPayload
	if err := env.decodePayload(&p); err != nil {
		return errorEnvelope(ReasonInvalid, "malformed payload")
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.PerPage == 0 {
		p.PerPage = 50
	}
	accounts, total, err := s.store.ListAccounts(p.Pattern, p.Page, p.PerPage)
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	return successEnvelope(map[string]any{"accounts": accounts, "total": total})
}

func (s *Server) handleSendMessage(user string, env *Envelope) *Envelope {
	var p sendMessagePayload
	if err := env.decodePayload(&p); err != nil || p.Content == "" {
		return errorEnvelope(ReasonInvalid, "content required")
	}
	if len(p.Content) > s.cfg.MaxContentBytes {
		return errorEnvelope(ReasonInvalid, "content too long")
	}
	if env.Sender != user {
		return errorEnvelope(ReasonUnauthorized, "sender must match the authenticated user")
	}
	if env.Recipient == "" {
		return errorEnvelope(ReasonInvalid, "recipient required")
	}
	if !s.manager.IsLeader() {
		return s.forward(env, user)
	}
	return s.leaderSendMessage(user, env.Recipient, p.Content)
}

func (s *Server) leaderSendMessage(user, recipient, content string) *Envelope {
	exists, err := s.store.AccountExists(recipient)
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	if !exists {
		return errorEnvelope(ReasonNoSuchUser, "unknown recipient")
	}

	ts := time.Now().Unix()
	id, err := s.manager.ProposeMessage(user, recipient, content, ts)
	if err != nil {
		return replicationError(err)
	}
	return successEnvelope(map[string]any{"message_id": id, "timestamp": ts})
}

func (s *Server) handleReadMessages(c *session, user string, env *Envelope) *Envelope {
	var p readMessagesPayload
	if err := env.decodePayload(&p); err != nil {
		return errorEnvelope(ReasonInvalid, "malformed payload")
	}
	if p.Username != "" && p.Username != user {
		return errorEnvelope(ReasonUnauthorized, "cannot subscribe as another user")
	}

	if err := c.startStream(p.Limit); err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	// The backlog frames are the reply.
	return nil
}

func (s *Server) handleReadConversation(user string, env *Envelope) *Envelope {
	var p readConversationPayload
	if err := env.decodePayload(&p); err != nil || p.Username == "" {
		return errorEnvelope(ReasonInvalid, "username required")
	}
	if p.Limit == 0 {
		p.Limit = 50
	}
	msgs, total, err := s.store.Conversation(user, p.Username, p.Limit, p.BeforeID, s.manager.CommitIndex())
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		read, err := s.store.IsRead(m.ID)
		if err != nil {
			return errorEnvelope(ReasonInternal, err.Error())
		}
		out = append(out, map[string]any{
			"message_id": m.ID,
			"sender":     m.Sender,
			"recipient":  m.Recipient,
			"content":    m.Content,
			"timestamp":  m.Timestamp,
			"read":       read,
		})
	}
	return successEnvelope(map[string]any{"messages": out, "total": total})
}

func (s *Server) handleDeleteMessages(user string, env *Envelope) *Envelope {
	var p idsPayload
	if err := env.decodePayload(&p); err != nil || len(p.IDs) == 0 {
		return errorEnvelope(ReasonInvalid, "ids required")
	}
	if !s.manager.IsLeader() {
		return s.forward(env, user)
	}
	return s.leaderDeleteMessages(user, p.IDs)
}

func (s *Server) leaderDeleteMessages(user string, ids []int64) *Envelope {
	// Pre-filter to ids the requester owns so the reply lists exactly what
	// the replicated operation will touch.
	owned := make([]int64, 0, len(ids))
	for _, id := range ids {
		m, ok, err := s.store.MessageByID(id)
		if err != nil {
			return errorEnvelope(ReasonInternal, err.Error())
		}
		if ok && (m.Sender == user || m.Recipient == user) {
			owned = append(owned, id)
		}
	}
	if len(owned) > 0 {
		if err := s.manager.ProposeDeleteMessages(owned, user); err != nil {
			return replicationError(err)
		}
	}
	return successEnvelope(map[string]any{"deleted": owned})
}

func (s *Server) handleDeleteAccount(c *session, user string, env *Envelope) *Envelope {
	var p usernamePayload
	if err := env.decodePayload(&p); err != nil {
		return errorEnvelope(ReasonInvalid, "malformed payload")
	}
	if p.Username != "" && p.Username != user {
		return errorEnvelope(ReasonUnauthorized, "cannot delete another user's account")
	}
	var reply *Envelope
	if s.manager.IsLeader() {
		reply = s.leaderDeleteAccount(user)
	} else {
		reply = s.forward(env, user)
	}
	if reply.Type == OpSuccess {
		c.setUsername("")
	}
	return reply
}

func (s *Server) leaderDeleteAccount(user string) *Envelope {
	if err := s.manager.ProposeDeleteAccount(user); err != nil {
		return replicationError(err)
	}
	return successEnvelope(nil)
}

func (s *Server) handleListChatPartners(user string, env *Envelope) *Envelope {
	partners, err := s.store.ChatPartners(user)
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	unread := make(map[string]int, len(partners))
	for _, p := range partners {
		n, err := s.store.UnreadCount(user, p)
		if err != nil {
			return errorEnvelope(ReasonInternal, err.Error())
		}
		unread[p] = n
	}
	return successEnvelope(map[string]any{"partners": partners, "unread_map": unread})
}

func (s *Server) handleMarkRead(user string, env *Envelope) *Envelope {
	var p idsPayload
	if err := env.decodePayload(&p); err != nil || len(p.IDs) == 0 {
		return errorEnvelope(ReasonInvalid, "ids required")
	}
	if p.Username != "" && p.Username != user {
		return errorEnvelope(ReasonUnauthorized, "cannot mark another user's messages")
	}
	if !s.manager.IsLeader() {
		return s.forward(env, user)
	}
	return s.leaderMarkRead(user, p.IDs)
}

func (s *Server) leaderMarkRead(user string, ids []int64) *Envelope {
	if err := s.manager.ProposeMarkRead(ids, user); err != nil {
		return replicationError(err)
	}
	return successEnvelope(nil)
}

func (s *Server) handleGetLeader() *Envelope {
	leader := s.manager.LeaderID()
	var v any
	if leader != "" {
		v = leader
	}
	return successEnvelope(map[string]any{"leader": v})
}

func (s *Server) handleGetClusterNodes() *Envelope {
	return successEnvelope(map[string]any{"nodes": s.manager.ClusterNodes()})
}

// replicationError maps engine errors onto the client taxonomy: loss of
// leadership or quorum is transient, anything else is internal.
func replicationError(err error) *Envelope {
	switch {
	case errors.Is(err, cluster.ErrNotLeader):
		return errorEnvelope(ReasonRetry, "leadership changed, retry")
	case errors.Is(err, cluster.ErrNoQuorum):
		return errorEnvelope(ReasonRetry, "majority unreachable, retry")
	default:
		return errorEnvelope(ReasonInternal, err.Error())
	}
}
