package chat

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/replichat/replichat/internal/monitoring"
)

// forwardRequest wraps a client write relayed from a follower to the
// leader. Username is the follower's authenticated session identity; the
// leader trusts it because peer traffic stays inside the cluster network.
type forwardRequest struct {
	Username string    `json:"username"`
	Envelope *Envelope `json:"envelope"`
}

// forward relays a client write to the current leader and returns the
// leader's reply as this node's own.
func (s *Server) forward(env *Envelope, user string) *Envelope {
	leader := s.manager.LeaderID()
	if leader == "" {
		return errorEnvelope(ReasonNoLeader, "no leader known, retry")
	}

	body, err := json.Marshal(forwardRequest{Username: user, Envelope: env})
	if err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}

	client := &http.Client{Timeout: 2 * s.cfg.WriteDeadline}
	resp, err := client.Post("http://"+leader+"/forward", "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Str("leader", leader).Msg("forward to leader failed")
		return errorEnvelope(ReasonRetry, "leader unreachable, retry")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorEnvelope(ReasonRetry, "leader rejected forward, retry")
	}
	var reply Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return errorEnvelope(ReasonInternal, err.Error())
	}
	monitoring.ForwardedWrites.Inc()
	return &reply
}

// handleForward is the leader side of write forwarding.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Envelope == nil {
		http.Error(w, "malformed forward request", http.StatusBadRequest)
		return
	}

	reply := s.applyForwarded(req.Username, req.Envelope)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// applyForwarded executes a forwarded write on the leader. Only the
// leader-side handlers run here; a node that lost leadership answers
// no_leader instead of forwarding onward.
func (s *Server) applyForwarded(user string, env *Envelope) *Envelope {
	if !s.manager.IsLeader() {
		return errorEnvelope(ReasonNoLeader, "not the leader")
	}

	switch env.Type {
	case OpCreateAccount:
		var p credentialsPayload
		if err := env.decodePayload(&p); err != nil || p.Username == "" || len(p.PasswordVerifier) == 0 {
			return errorEnvelope(ReasonInvalid, "username and password_verifier required")
		}
		return s.leaderCreateAccount(p)
	case OpSendMessage:
		var p sendMessagePayload
		if err := env.decodePayload(&p); err != nil || p.Content == "" || len(p.Content) > s.cfg.MaxContentBytes {
			return errorEnvelope(ReasonInvalid, "bad content")
		}
		if user == "" || env.Sender != user || env.Recipient == "" {
			return errorEnvelope(ReasonUnauthorized, "bad sender or recipient")
		}
		return s.leaderSendMessage(user, env.Recipient, p.Content)
	case OpDeleteMessages:
		var p idsPayload
		if err := env.decodePayload(&p); err != nil || len(p.IDs) == 0 || user == "" {
			return errorEnvelope(ReasonInvalid, "ids required")
		}
		return s.leaderDeleteMessages(user, p.IDs)
	case OpDeleteAccount:
		if user == "" {
			return errorEnvelope(ReasonUnauthorized, "unauthenticated forward")
		}
		return s.leaderDeleteAccount(user)
	case OpMarkRead:
		var p idsPayload
		if err := env.decodePayload(&p); err != nil || len(p.IDs) == 0 || user == "" {
			return errorEnvelope(ReasonInvalid, "ids required")
		}
		return s.leaderMarkRead(user, p.IDs)
	default:
		return errorEnvelope(ReasonInvalid, "operation is not forwardable")
	}
}
