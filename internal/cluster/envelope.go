// Package cluster implements the replication engine: the role state
// machine, term-based leader election, heartbeats, and leader-driven
// operation replication with majority acknowledgment. All peer traffic is
// a single envelope shape so every handler can apply the term-compare rule
// before anything payload-specific.
package cluster

import (
	"time"

	"github.com/replichat/replichat/internal/store"
)

// EnvelopeType discriminates the peer envelope payload.
type EnvelopeType string

const (
	TypeHeartbeat               EnvelopeType = "HEARTBEAT"
	TypeRequestVote             EnvelopeType = "REQUEST_VOTE"
	TypeVoteResponse            EnvelopeType = "VOTE_RESPONSE"
	TypeReplicateMessage        EnvelopeType = "REPLICATE_MESSAGE"
	TypeReplicateAccount        EnvelopeType = "REPLICATE_ACCOUNT"
	TypeReplicateDeleteMessages EnvelopeType = "REPLICATE_DELETE_MESSAGES"
	TypeReplicateDeleteAccount  EnvelopeType = "REPLICATE_DELETE_ACCOUNT"
	TypeReplicateMarkRead       EnvelopeType = "REPLICATE_MARK_READ"
	TypeReplicationResponse     EnvelopeType = "REPLICATION_RESPONSE"
	TypeReplicationError        EnvelopeType = "REPLICATION_ERROR"
)

// Envelope is the single message shape carried between servers. Term and
// ServerID are always set; exactly one payload pointer is non-nil for
// payload-bearing types.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Term      int64        `json:"term"`
	ServerID  string       `json:"server_id"`
	Timestamp int64        `json:"timestamp"`

	VoteRequest         *VoteRequest         `json:"vote_request,omitempty"`
	VoteResponse        *VoteResponse        `json:"vote_response,omitempty"`
	MessageReplication  *MessageReplication  `json:"message_replication,omitempty"`
	AccountReplication  *AccountReplication  `json:"account_replication,omitempty"`
	Deletion            *DeletionPayload     `json:"deletion,omitempty"`
	Heartbeat           *Heartbeat           `json:"heartbeat,omitempty"`
	ReplicationResponse *ReplicationResponse `json:"replication_response,omitempty"`
}

// VoteRequest carries the candidate's log position for the
// log-up-to-date check.
type VoteRequest struct {
	LastLogTerm  int64 `json:"last_log_term"`
	LastLogIndex int64 `json:"last_log_index"`
}

// VoteResponse reports whether the voter granted its vote for the
// envelope's term.
type VoteResponse struct {
	VoteGranted bool `json:"vote_granted"`
}

// MessageReplication carries one chat message with its leader-assigned id.
type MessageReplication struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// AccountReplication carries an account creation with its slot in the
// shared operation sequence.
type AccountReplication struct {
	OperationID int64  `json:"operation_id"`
	Username    string `json:"username"`
	Verifier    []byte `json:"verifier"`
	CreatedAt   int64  `json:"created_at"`
}

// DeletionPayload serves the three id/username-shaped operations:
// message deletion, account deletion, and mark-read. An empty MessageIDs
// on a delete-messages envelope is a hole-filler: it occupies its
// operation id without touching any message.
type DeletionPayload struct {
	OperationID int64   `json:"operation_id"`
	MessageIDs  []int64 `json:"message_ids,omitempty"`
	Username    string  `json:"username,omitempty"`
}

// Heartbeat advances follower commit indexes and suppresses elections.
type Heartbeat struct {
	CommitIndex int64 `json:"commit_index"`
}

// ReplicationResponse acknowledges (or rejects) a replicate envelope.
type ReplicationResponse struct {
	Success   bool  `json:"success"`
	MessageID int64 `json:"message_id"`
}

func (m *Manager) newEnvelope(t EnvelopeType, term int64) *Envelope {
	return &Envelope{
		Type:      t,
		Term:      term,
		ServerID:  m.cfg.ServerID,
		Timestamp: time.Now().Unix(),
	}
}

// envelopeForOp builds the replicate envelope carrying one log entry.
// A noop entry rides a delete-messages envelope with no ids.
func (m *Manager) envelopeForOp(op store.Op, term int64) *Envelope {
	switch op.Type {
	case store.OpInsertMessage:
		env := m.newEnvelope(TypeReplicateMessage, term)
		env.MessageReplication = &MessageReplication{
			MessageID: op.ID,
			Sender:    op.Message.Sender,
			Recipient: op.Message.Recipient,
			Content:   op.Message.Content,
			Timestamp: op.Message.Timestamp,
		}
		return env
	case store.OpCreateAccount:
		env := m.newEnvelope(TypeReplicateAccount, term)
		env.AccountReplication = &AccountReplication{
			OperationID: op.ID,
			Username:    op.Account.Username,
			Verifier:    op.Account.Verifier,
			CreatedAt:   op.Account.CreatedAt,
		}
		return env
	case store.OpDeleteAccount:
		env := m.newEnvelope(TypeReplicateDeleteAccount, term)
		env.Deletion = &DeletionPayload{OperationID: op.ID, Username: op.Username}
		return env
	case store.OpMarkRead:
		env := m.newEnvelope(TypeReplicateMarkRead, term)
		env.Deletion = &DeletionPayload{OperationID: op.ID, MessageIDs: op.MessageIDs, Username: op.Username}
		return env
	default: // OpDeleteMessages and OpNoop
		env := m.newEnvelope(TypeReplicateDeleteMessages, term)
		env.Deletion = &DeletionPayload{OperationID: op.ID, MessageIDs: op.MessageIDs, Username: op.Username}
		return env
	}
}

// opFromEnvelope maps a replicate envelope onto the log entry it carries.
// The second return is false for malformed payloads.
func opFromEnvelope(env *Envelope) (store.Op, bool) {
	switch env.Type {
	case TypeReplicateMessage:
		p := env.MessageReplication
		if p == nil {
			return store.Op{}, false
		}
		return store.Op{
			ID:   p.MessageID,
			Type: store.OpInsertMessage,
			Message: &store.Message{
				ID:        p.MessageID,
				Sender:    p.Sender,
				Recipient: p.Recipient,
				Content:   p.Content,
				Timestamp: p.Timestamp,
			},
		}, true
	case TypeReplicateAccount:
		p := env.AccountReplication
		if p == nil {
			return store.Op{}, false
		}
		return store.Op{
			ID:   p.OperationID,
			Type: store.OpCreateAccount,
			Account: &store.Account{
				Username:  p.Username,
				Verifier:  p.Verifier,
				CreatedAt: p.CreatedAt,
			},
		}, true
	case TypeReplicateDeleteMessages:
		p := env.Deletion
		if p == nil {
			return store.Op{}, false
		}
		return store.Op{ID: p.OperationID, Type: store.OpDeleteMessages, MessageIDs: p.MessageIDs, Username: p.Username}, true
	case TypeReplicateDeleteAccount:
		p := env.Deletion
		if p == nil {
			return store.Op{}, false
		}
		return store.Op{ID: p.OperationID, Type: store.OpDeleteAccount, Username: p.Username}, true
	case TypeReplicateMarkRead:
		p := env.Deletion
		if p == nil {
			return store.Op{}, false
		}
		return store.Op{ID: p.OperationID, Type: store.OpMarkRead, MessageIDs: p.MessageIDs, Username: p.Username}, true
	}
	return store.Op{}, false
}
