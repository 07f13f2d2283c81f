package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// Role is the node's position in the election protocol.
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config carries the cluster topology and protocol timing for one node.
type Config struct {
	// ServerID is this node's client-facing host:port; it doubles as the
	// node identity in envelopes and vote records.
	ServerID string
	// Peers are the other nodes' peer-facing host:port addresses.
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	// RPCTimeout bounds replication and heartbeat calls; VoteTimeout
	// bounds vote requests, which race the election timer.
	RPCTimeout  time.Duration
	VoteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = time.Second
	}
	if c.VoteTimeout == 0 {
		c.VoteTimeout = 2 * time.Second
	}
}

// Applier is the state machine replicated operations land on. Every
// mutation is a log entry; ApplyOp performs the effect and appends the
// entry atomically.
type Applier interface {
	ApplyOp(op store.Op) error
	// RollbackOp undoes a tentative message append that failed majority.
	RollbackOp(id int64) error
	OpByID(id int64) (store.Op, bool, error)
	// HighestOp returns the id and term of the newest log entry.
	HighestOp() (int64, int64, error)
}

// Manager owns the node's replication state. One mutex guards all of it;
// transitions are rare and cheap, and a single lock keeps the
// term-compare rule atomic with whatever follows it.
type Manager struct {
	cfg       Config
	transport PeerTransport
	durable   *DurableState
	applier   Applier
	logger    zerolog.Logger
	hbLogger  zerolog.Logger

	// proposeMu serializes leader proposals so only one tentative
	// operation id exists at a time. Commit order then matches id order.
	proposeMu sync.Mutex

	mu          sync.Mutex
	role        Role
	term        int64
	votedFor    string
	leaderID    string
	commitIndex int64
	// lastApplied is the highest operation id in this node's log,
	// committed or tentative. Followers only append at lastApplied+1, so
	// the log below it is contiguous.
	lastApplied int64
	lastLogTerm int64
	lastContact time.Time
	// notified trails commitIndex; the gap is what the broker has not
	// been told about yet.
	notified int64
	notify   func(store.Message)
	// Leader bookkeeping: highest operation id each peer reported
	// applied, and which peers have a catch-up resend in flight.
	matchIndex map[string]int64
	catchingUp map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a manager from persisted state. The node starts as a
// follower and holds off candidacy until a full election timeout passes
// with no leader contact.
func NewManager(cfg Config, transport PeerTransport, durable *DurableState, term int64, votedFor string, commit int64, applier Applier, logger zerolog.Logger, hbLogger zerolog.Logger) (*Manager, error) {
	cfg.applyDefaults()

	// The log position comes from the log itself, not the persisted
	// current term: an empty log must look empty to voters.
	highest, logTerm, err := applier.HighestOp()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:         cfg,
		transport:   transport,
		durable:     durable,
		applier:     applier,
		logger:      logger.With().Str("component", "cluster").Logger(),
		hbLogger:    hbLogger,
		role:        Follower,
		term:        term,
		votedFor:    votedFor,
		commitIndex: commit,
		lastApplied: highest,
		lastLogTerm: logTerm,
		lastContact: time.Now(),
		notified:    commit,
		stopCh:      make(chan struct{}),
	}
	monitoring.NodeRole.Set(float64(Follower))
	monitoring.CurrentTerm.Set(float64(term))
	monitoring.CommitIndex.Set(float64(commit))
	return m, nil
}

// SetNotify registers the callback invoked once per newly committed
// message, in id order. Must be set before Start.
func (m *Manager) SetNotify(fn func(store.Message)) {
	m.notify = fn
}

// Start launches the election timer. Heartbeats start when (if) this node
// wins an election.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runElectionTimer()
}

// Stop halts background loops and waits for them to exit. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Role returns the node's current role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Term returns the current term.
func (m *Manager) Term() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

// LeaderID returns the most recently observed leader identity, or this
// node's own id when it leads, or "" when no leader is known.
func (m *Manager) LeaderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == Leader {
		return m.cfg.ServerID
	}
	return m.leaderID
}

// IsLeader reports whether this node currently leads.
func (m *Manager) IsLeader() bool {
	return m.Role() == Leader
}

// CommitIndex returns the highest committed operation id.
func (m *Manager) CommitIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitIndex
}

// ClusterNodes returns every node address, this one first.
func (m *Manager) ClusterNodes() []string {
	out := make([]string, 0, len(m.cfg.Peers)+1)
	out = append(out, m.cfg.ServerID)
	out = append(out, m.cfg.Peers...)
	return out
}

// HandleEnvelope processes one inbound peer envelope and returns the
// reply. The term comparison runs before any payload handling: a higher
// term always demotes, a lower term is always rejected.
func (m *Manager) HandleEnvelope(env *Envelope) *Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Term > m.term {
		m.stepDownLocked(env.Term, "")
	}
	if env.Term < m.term {
		if env.Type == TypeRequestVote {
			reply := m.newEnvelope(TypeVoteResponse, m.term)
			reply.VoteResponse = &VoteResponse{VoteGranted: false}
			return reply
		}
		return m.newEnvelope(TypeReplicationError, m.term)
	}

	switch env.Type {
	case TypeHeartbeat:
		return m.handleHeartbeatLocked(env)
	case TypeRequestVote:
		return m.handleVoteRequestLocked(env)
	case TypeReplicateMessage, TypeReplicateAccount, TypeReplicateDeleteMessages,
		TypeReplicateDeleteAccount, TypeReplicateMarkRead:
		return m.handleReplicateOpLocked(env)
	default:
		m.logger.Warn().Str("type", string(env.Type)).Str("from", env.ServerID).
			Msg("unhandled peer envelope type")
		return m.newEnvelope(TypeReplicationError, m.term)
	}
}

func (m *Manager) handleHeartbeatLocked(env *Envelope) *Envelope {
	// Equal term plus a heartbeat means env.ServerID won; a candidate in
	// the same term concedes.
	if m.role != Follower {
		m.becomeFollowerLocked()
	}
	m.leaderID = env.ServerID
	m.lastContact = time.Now()

	if env.Heartbeat != nil {
		m.advanceCommitLocked(env.Heartbeat.CommitIndex)
	}

	// MessageID reports how far this node's log reaches so the leader can
	// re-send anything a partition made it miss. The log is contiguous
	// below lastApplied, so the scalar is an honest watermark.
	reply := m.newEnvelope(TypeReplicationResponse, m.term)
	reply.ReplicationResponse = &ReplicationResponse{Success: true, MessageID: m.lastApplied}
	return reply
}

func (m *Manager) handleVoteRequestLocked(env *Envelope) *Envelope {
	reply := m.newEnvelope(TypeVoteResponse, m.term)
	reply.VoteResponse = &VoteResponse{}

	req := env.VoteRequest
	if req == nil {
		return reply
	}
	upToDate := req.LastLogTerm > m.lastLogTerm ||
		(req.LastLogTerm == m.lastLogTerm && req.LastLogIndex >= m.lastApplied)
	free := m.votedFor == "" || m.votedFor == env.ServerID

	if free && upToDate {
		m.votedFor = env.ServerID
		if err := m.durable.SaveTermAndVote(m.term, m.votedFor); err != nil {
			// A vote that is not on disk must not be granted.
			m.logger.Error().Err(err).Msg("persisting vote")
			m.votedFor = ""
			return reply
		}
		m.lastContact = time.Now()
		reply.VoteResponse.VoteGranted = true
		m.logger.Info().Str("candidate", env.ServerID).Int64("term", m.term).
			Msg("granted vote")
	}
	return reply
}

// handleReplicateOpLocked appends one replicated operation to the log.
// An id beyond lastApplied+1 is refused: accepting it would punch a hole
// below the watermark the heartbeat reply advertises. The refusal carries
// the watermark so the leader replays the gap first.
func (m *Manager) handleReplicateOpLocked(env *Envelope) *Envelope {
	op, ok := opFromEnvelope(env)
	if !ok || op.ID <= 0 {
		return m.newEnvelope(TypeReplicationError, m.term)
	}

	reply := m.newEnvelope(TypeReplicationResponse, m.term)
	if op.ID > m.lastApplied+1 {
		m.logger.Warn().Int64("id", op.ID).Int64("applied", m.lastApplied).
			Msg("out-of-order replication refused, awaiting gap replay")
		reply.ReplicationResponse = &ReplicationResponse{Success: false, MessageID: m.lastApplied}
		return reply
	}

	op.Term = env.Term
	if err := m.applier.ApplyOp(op); err != nil {
		m.logger.Error().Err(err).Int64("id", op.ID).Str("type", string(env.Type)).
			Msg("applying replicated operation")
		return m.newEnvelope(TypeReplicationError, m.term)
	}
	if op.ID > m.lastApplied {
		m.lastApplied = op.ID
	}
	m.lastLogTerm = env.Term
	m.lastContact = time.Now()

	reply.ReplicationResponse = &ReplicationResponse{Success: true, MessageID: op.ID}
	return reply
}

// advanceCommitLocked moves the commit index toward the leader's, capped
// at what this node has actually applied, then pushes the newly committed
// messages to the notify callback in id order.
func (m *Manager) advanceCommitLocked(leaderCommit int64) {
	target := leaderCommit
	if target > m.lastApplied {
		target = m.lastApplied
	}
	if target <= m.commitIndex {
		return
	}
	m.commitIndex = target
	if err := m.durable.SaveCommitIndex(target); err != nil {
		m.logger.Error().Err(err).Msg("persisting commit index")
	}
	monitoring.CommitIndex.Set(float64(target))
	m.notifyCommittedLocked()
}

func (m *Manager) notifyCommittedLocked() {
	if m.notify == nil {
		m.notified = m.commitIndex
		return
	}
	for m.notified < m.commitIndex {
		id := m.notified + 1
		op, ok, err := m.applier.OpByID(id)
		if err != nil {
			m.logger.Error().Err(err).Int64("id", id).Msg("loading committed operation")
			return
		}
		if ok && op.Type == store.OpInsertMessage && op.Message != nil {
			m.notify(*op.Message)
		}
		m.notified = id
	}
}

// stepDownLocked adopts a higher term and reverts to follower. leaderID
// may be "" when the term came from a vote request rather than a leader.
func (m *Manager) stepDownLocked(term int64, leaderID string) {
	m.logger.Info().Int64("old_term", m.term).Int64("new_term", term).
		Str("role", m.role.String()).Msg("stepping down to follower")
	m.term = term
	m.votedFor = ""
	m.leaderID = leaderID
	if err := m.durable.SaveTermAndVote(m.term, ""); err != nil {
		m.logger.Error().Err(err).Msg("persisting term")
	}
	monitoring.CurrentTerm.Set(float64(term))
	m.becomeFollowerLocked()
}

func (m *Manager) becomeFollowerLocked() {
	m.role = Follower
	m.lastContact = time.Now()
	monitoring.NodeRole.Set(float64(Follower))
}

// observeReplyTerm applies the term-compare rule to a reply envelope.
// Returns true when the reply demoted us.
func (m *Manager) observeReplyTerm(env *Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.Term > m.term {
		m.stepDownLocked(env.Term, "")
		return true
	}
	return false
}

// sendWithTimeout wraps a transport call with the configured deadline.
func (m *Manager) sendWithTimeout(peer string, env *Envelope, timeout time.Duration) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.transport.Send(ctx, peer, env)
}

// majority returns the quorum size for the full cluster (peers plus self).
func (m *Manager) majority() int {
	return (len(m.cfg.Peers)+1)/2 + 1
}
