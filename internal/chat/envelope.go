// Package chat is the client-facing surface: websocket sessions, the
// operation envelope, leader forwarding, and the peer HTTP endpoints.
package chat

import (
	"encoding/json"
	"time"
)

// Client operation types. Every client frame and every reply is one
// Envelope; SUCCESS and ERROR are the only reply types.
const (
	OpCreateAccount    = "CREATE_ACCOUNT"
	OpLogin            = "LOGIN"
	OpListAccounts     = "LIST_ACCOUNTS"
	OpSendMessage      = "SEND_MESSAGE"
	OpReadMessages     = "READ_MESSAGES"
	OpReadConversation = "READ_CONVERSATION"
	OpDeleteMessages   = "DELETE_MESSAGES"
	OpDeleteAccount    = "DELETE_ACCOUNT"
	OpListChatPartners = "LIST_CHAT_PARTNERS"
	OpGetLeader        = "GET_LEADER"
	OpGetClusterNodes  = "GET_CLUSTER_NODES"
	OpMarkRead         = "MARK_READ"
	OpSuccess          = "SUCCESS"
	OpError            = "ERROR"
)

// Error reasons carried in ERROR payloads. Transient reasons are safe to
// retry; validation reasons are not.
const (
	ReasonUsernameTaken    = "username_taken"
	ReasonInvalid          = "invalid"
	ReasonNoSuchUser       = "no_such_user"
	ReasonBadCredentials   = "bad_credentials"
	ReasonNotAuthenticated = "not_authenticated"
	ReasonUnauthorized     = "unauthorized"
	ReasonNoLeader         = "no_leader"
	ReasonRetry            = "retry"
	ReasonRateLimited      = "rate_limited"
	ReasonInternal         = "internal"
)

// Envelope is the single client message shape. Payload stays raw until
// the operation handler decodes it into its typed form; replies carry a
// keyed map.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Typed payloads for inbound operations.

type credentialsPayload struct {
	Username         string `json:"username"`
	PasswordVerifier []byte `json:"password_verifier"`
}

type listAccountsPayload struct {
	Pattern string `json:"pattern"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

type sendMessagePayload struct {
	Content string `json:"content"`
}

type readMessagesPayload struct {
	Username string `json:"username"`
	Limit    int    `json:"limit"`
}

type readConversationPayload struct {
	Username string `json:"username"`
	Limit    int    `json:"limit"`
	BeforeID int64  `json:"before_id"`
}

type idsPayload struct {
	IDs      []int64 `json:"ids"`
	Username string  `json:"username"`
}

type usernamePayload struct {
	Username string `json:"username"`
}

func successEnvelope(payload map[string]any) *Envelope {
	return replyEnvelope(OpSuccess, payload)
}

func errorEnvelope(reason, detail string) *Envelope {
	p := map[string]any{"reason": reason}
	if detail != "" {
		p["detail"] = detail
	}
	return replyEnvelope(OpError, p)
}

func replyEnvelope(t string, payload map[string]any) *Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &Envelope{Type: t, Payload: raw, Timestamp: time.Now().Unix()}
}

func (e *Envelope) decodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
