package cluster

import (
	"sync"
	"time"

	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// runHeartbeats drives the leader's periodic heartbeat fan-out for one
// term of leadership. The loop exits as soon as the node stops leading
// that term; a later term starts its own loop.
func (m *Manager) runHeartbeats(term int64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// First round immediately so followers learn about the new leader
	// before their timers expire.
	for {
		if !m.broadcastHeartbeat(term) {
			return
		}
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// broadcastHeartbeat sends one heartbeat round and enforces the quorum
// rule: a leader that cannot reach a majority of the cluster (itself
// included) steps down rather than serve stale reads. Returns false when
// leadership for this term is over.
func (m *Manager) broadcastHeartbeat(term int64) bool {
	m.mu.Lock()
	if m.role != Leader || m.term != term {
		m.mu.Unlock()
		return false
	}
	commit := m.commitIndex
	m.mu.Unlock()

	env := m.newEnvelope(TypeHeartbeat, term)
	env.Heartbeat = &Heartbeat{CommitIndex: commit}

	var ackMu sync.Mutex
	reachable := 1 // self
	applied := make(map[string]int64, len(m.cfg.Peers))
	var wg sync.WaitGroup
	for _, peer := range m.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			reply, err := m.sendWithTimeout(peer, env, m.cfg.RPCTimeout)
			if err != nil {
				monitoring.HeartbeatFailures.Inc()
				m.hbLogger.Debug().Err(err).Str("peer", peer).Msg("heartbeat failed")
				return
			}
			if m.observeReplyTerm(reply) {
				return
			}
			ackMu.Lock()
			reachable++
			if reply.ReplicationResponse != nil {
				applied[peer] = reply.ReplicationResponse.MessageID
			}
			ackMu.Unlock()
		}(peer)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != Leader || m.term != term {
		return false
	}
	if reachable < m.majority() {
		m.logger.Warn().Int("reachable", reachable).Int("quorum", m.majority()).
			Msg("lost contact with majority, stepping down")
		m.becomeFollowerLocked()
		return false
	}

	// Re-send committed operations a peer reports missing. A peer behind
	// the commit index cannot advance its own commit until the gap fills.
	for peer, idx := range applied {
		m.matchIndex[peer] = idx
		if idx < m.commitIndex && !m.catchingUp[peer] {
			m.catchingUp[peer] = true
			m.wg.Add(1)
			go m.catchUpPeer(peer, idx+1, m.commitIndex, term)
		}
	}

	m.hbLogger.Debug().Int64("term", term).Int64("commit", commit).
		Int("reachable", reachable).Msg("heartbeat round complete")
	return true
}

// catchUpPeer replays committed operations [from, to] to one lagging peer,
// in id order so the follower's contiguity check accepts each one. An id
// whose entry is gone (an uncommitted rollback that crashed mid-way) is
// sent as an empty hole-filler so the peer's log still lines up.
func (m *Manager) catchUpPeer(peer string, from, to, term int64) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.catchingUp, peer)
		m.mu.Unlock()
	}()

	m.logger.Info().Str("peer", peer).Int64("from", from).Int64("to", to).
		Msg("replaying committed operations to lagging peer")

	for id := from; id <= to; id++ {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		leading := m.role == Leader && m.term == term
		m.mu.Unlock()
		if !leading {
			return
		}

		op, ok, err := m.applier.OpByID(id)
		if err != nil {
			m.logger.Error().Err(err).Int64("id", id).Msg("loading operation for catch-up")
			return
		}
		if !ok {
			op = store.Op{ID: id, Type: store.OpNoop}
		}

		reply, err := m.sendWithTimeout(peer, m.envelopeForOp(op, term), m.cfg.RPCTimeout)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", peer).Int64("id", id).
				Msg("catch-up send failed, will retry on a later heartbeat")
			return
		}
		if m.observeReplyTerm(reply) {
			return
		}
		if reply.ReplicationResponse == nil || !reply.ReplicationResponse.Success {
			m.logger.Warn().Str("peer", peer).Int64("id", id).
				Msg("catch-up entry refused, will retry on a later heartbeat")
			return
		}
	}
}
