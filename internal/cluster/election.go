package cluster

import (
	"math/rand"
	"time"

	"github.com/replichat/replichat/internal/monitoring"
)

// runElectionTimer watches for leader silence. The timeout is re-randomized
// every cycle so two followers that time out together are unlikely to do it
// twice in a row.
func (m *Manager) runElectionTimer() {
	defer m.wg.Done()

	for {
		timeout := m.randomElectionTimeout()
		select {
		case <-m.stopCh:
			return
		case <-time.After(timeout / 4):
		}

		m.mu.Lock()
		expired := m.role != Leader && time.Since(m.lastContact) >= timeout
		m.mu.Unlock()

		if expired {
			m.startElection()
		}
	}
}

func (m *Manager) randomElectionTimeout() time.Duration {
	span := m.cfg.ElectionTimeoutMax - m.cfg.ElectionTimeoutMin
	return m.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)+1))
}

// startElection bumps the term, votes for itself, and solicits votes from
// every peer concurrently. Majority of the full cluster wins; a reply
// carrying a higher term aborts the candidacy.
func (m *Manager) startElection() {
	m.mu.Lock()
	m.role = Candidate
	m.term++
	m.votedFor = m.cfg.ServerID
	m.lastContact = time.Now()
	term := m.term
	lastLogTerm := m.lastLogTerm
	lastLogIndex := m.lastApplied
	if err := m.durable.SaveTermAndVote(term, m.votedFor); err != nil {
		// Cannot safely campaign without the self-vote on disk.
		m.logger.Error().Err(err).Msg("persisting candidacy")
		m.becomeFollowerLocked()
		m.mu.Unlock()
		return
	}
	monitoring.NodeRole.Set(float64(Candidate))
	monitoring.CurrentTerm.Set(float64(term))
	monitoring.ElectionsStarted.Inc()
	m.mu.Unlock()

	m.logger.Info().Int64("term", term).Msg("election timeout, starting election")

	req := m.newEnvelope(TypeRequestVote, term)
	req.VoteRequest = &VoteRequest{LastLogTerm: lastLogTerm, LastLogIndex: lastLogIndex}

	// Votes count as they arrive; the candidate claims leadership the
	// moment a majority is in rather than waiting out the slowest peer.
	// The channel is buffered so stragglers never block.
	votesCh := make(chan bool, len(m.cfg.Peers))
	for _, peer := range m.cfg.Peers {
		go func(peer string) {
			reply, err := m.sendWithTimeout(peer, req, m.cfg.VoteTimeout)
			if err != nil {
				m.logger.Debug().Err(err).Str("peer", peer).Msg("vote request failed")
				votesCh <- false
				return
			}
			if m.observeReplyTerm(reply) {
				votesCh <- false
				return
			}
			votesCh <- reply.VoteResponse != nil && reply.VoteResponse.VoteGranted
		}(peer)
	}

	votes := 1 // self
	for pending := len(m.cfg.Peers); pending > 0 && votes < m.majority(); pending-- {
		select {
		case <-m.stopCh:
			return
		case granted := <-votesCh:
			if granted {
				votes++
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The world may have moved on while votes were in flight.
	if m.role != Candidate || m.term != term {
		return
	}
	if votes >= m.majority() {
		m.becomeLeaderLocked()
	} else {
		m.logger.Info().Int64("term", term).Int("votes", votes).Msg("election lost")
		m.becomeFollowerLocked()
	}
}

func (m *Manager) becomeLeaderLocked() {
	m.role = Leader
	m.leaderID = m.cfg.ServerID
	m.matchIndex = make(map[string]int64, len(m.cfg.Peers))
	m.catchingUp = make(map[string]bool, len(m.cfg.Peers))
	for _, peer := range m.cfg.Peers {
		m.matchIndex[peer] = 0
	}
	monitoring.NodeRole.Set(float64(Leader))
	monitoring.ElectionsWon.Inc()
	m.logger.Info().Int64("term", m.term).Msg("won election, assuming leadership")

	m.wg.Add(1)
	go m.runHeartbeats(m.term)
}
