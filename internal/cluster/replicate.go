package cluster

import (
	"errors"
	"sync"

	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

var (
	// ErrNotLeader is returned when a write lands on a non-leader node.
	ErrNotLeader = errors.New("not the leader")
	// ErrNoQuorum is returned when a write could not reach a majority.
	ErrNoQuorum = errors.New("could not replicate to a majority")
)

// ProposeMessage appends a message to the log under the next operation id
// and replicates it. The write commits only on majority acknowledgment;
// on failure the tentative local copy is rolled back and the id may be
// reused by a later write.
func (m *Manager) ProposeMessage(sender, recipient, content string, timestamp int64) (int64, error) {
	m.proposeMu.Lock()
	defer m.proposeMu.Unlock()

	var msg store.Message
	op, err := m.appendLocalOp(func(id, term int64) store.Op {
		msg = store.Message{
			ID:        id,
			Sender:    sender,
			Recipient: recipient,
			Content:   content,
			Timestamp: timestamp,
		}
		return store.Op{ID: id, Term: term, Type: store.OpInsertMessage, Message: &msg}
	})
	if err != nil {
		return 0, err
	}

	if !m.replicateToMajority(m.envelopeForOp(op, op.Term), op.Term) {
		// Undo the tentative write; the client gets an error and retries.
		// A node demoted mid-flight leaves the entry alone: the new
		// leader's replication overwrites or fills the slot.
		m.mu.Lock()
		if m.role == Leader && m.term == op.Term {
			if err := m.applier.RollbackOp(op.ID); err != nil {
				m.logger.Error().Err(err).Int64("id", op.ID).Msg("rolling back uncommitted message")
			}
			if m.lastApplied == op.ID {
				m.lastApplied = op.ID - 1
			}
		}
		m.mu.Unlock()
		return 0, ErrNoQuorum
	}

	m.commitLocalOp(op.ID, "message")
	return op.ID, nil
}

// ProposeAccount replicates an account creation. The caller validates
// username availability first; re-proposing an existing account converges.
func (m *Manager) ProposeAccount(username string, verifier []byte, createdAt int64) error {
	return m.proposeIdempotent("account", func(id, term int64) store.Op {
		return store.Op{
			ID:   id,
			Term: term,
			Type: store.OpCreateAccount,
			Account: &store.Account{
				Username:  username,
				Verifier:  verifier,
				CreatedAt: createdAt,
			},
		}
	})
}

// ProposeDeleteMessages replicates a per-side message deletion.
func (m *Manager) ProposeDeleteMessages(ids []int64, requester string) error {
	return m.proposeIdempotent("delete_messages", func(id, term int64) store.Op {
		return store.Op{ID: id, Term: term, Type: store.OpDeleteMessages, MessageIDs: ids, Username: requester}
	})
}

// ProposeDeleteAccount replicates an account deletion with its message
// cascade.
func (m *Manager) ProposeDeleteAccount(username string) error {
	return m.proposeIdempotent("delete_account", func(id, term int64) store.Op {
		return store.Op{ID: id, Term: term, Type: store.OpDeleteAccount, Username: username}
	})
}

// ProposeMarkRead replicates read flags so a failover does not resurrect
// already-read messages as unread.
func (m *Manager) ProposeMarkRead(ids []int64, requester string) error {
	return m.proposeIdempotent("mark_read", func(id, term int64) store.Op {
		return store.Op{ID: id, Term: term, Type: store.OpMarkRead, MessageIDs: ids, Username: requester}
	})
}

// proposeIdempotent runs the propose cycle for an operation whose replay
// converges. A failed fan-out leaves the entry in the log without a
// rollback: the next committed operation carries it to lagging followers
// through catch-up, while the client retries against an already-applied
// state and gets the same answer.
func (m *Manager) proposeIdempotent(label string, mk func(id, term int64) store.Op) error {
	m.proposeMu.Lock()
	defer m.proposeMu.Unlock()

	op, err := m.appendLocalOp(mk)
	if err != nil {
		return err
	}
	if !m.replicateToMajority(m.envelopeForOp(op, op.Term), op.Term) {
		return ErrNoQuorum
	}
	m.commitLocalOp(op.ID, label)
	return nil
}

// appendLocalOp assigns the next operation id and writes the entry under
// the leadership check. A local write failure forfeits leadership: a
// leader that cannot persist cannot honor the durability contract.
func (m *Manager) appendLocalOp(mk func(id, term int64) store.Op) (store.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != Leader {
		return store.Op{}, ErrNotLeader
	}
	id := m.lastApplied + 1
	if m.commitIndex >= id {
		id = m.commitIndex + 1
	}
	op := mk(id, m.term)
	if err := m.applier.ApplyOp(op); err != nil {
		m.logger.Error().Err(err).Msg("local write failed, stepping down")
		m.becomeFollowerLocked()
		return store.Op{}, err
	}
	m.lastApplied = op.ID
	m.lastLogTerm = m.term
	return op, nil
}

// commitLocalOp advances the commit index to a majority-acknowledged id.
func (m *Manager) commitLocalOp(id int64, label string) {
	m.mu.Lock()
	if id > m.commitIndex {
		m.commitIndex = id
		if err := m.durable.SaveCommitIndex(id); err != nil {
			m.logger.Error().Err(err).Msg("persisting commit index")
		}
		monitoring.CommitIndex.Set(float64(id))
		m.notifyCommittedLocked()
	}
	m.mu.Unlock()
	monitoring.CommittedOps.WithLabelValues(label).Inc()
}

// replicateToMajority fans the envelope out to all peers concurrently and
// reports whether a majority of the cluster (self included) has it.
func (m *Manager) replicateToMajority(env *Envelope, term int64) bool {
	var ackMu sync.Mutex
	acks := 1 // self
	var wg sync.WaitGroup
	for _, peer := range m.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			reply, err := m.sendWithTimeout(peer, env, m.cfg.RPCTimeout)
			if err != nil {
				monitoring.ReplicationFailures.Inc()
				m.logger.Warn().Err(err).Str("peer", peer).Str("type", string(env.Type)).
					Msg("replication to peer failed")
				return
			}
			if m.observeReplyTerm(reply) {
				return
			}
			if reply.Type == TypeReplicationResponse && reply.ReplicationResponse != nil &&
				reply.ReplicationResponse.Success {
				monitoring.ReplicationAcks.Inc()
				ackMu.Lock()
				acks++
				ackMu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	m.mu.Lock()
	stillLeading := m.role == Leader && m.term == term
	m.mu.Unlock()
	return stillLeading && acks >= m.majority()
}
