package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the replicated chat server.
// Scraped from /metrics; dashboards key off the node label set by main.
var (
	// Replication state
	NodeRole = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_node_role",
		Help: "Current role: 0=follower, 1=candidate, 2=leader",
	})

	CurrentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_current_term",
		Help: "Current election term",
	})

	CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_commit_index",
		Help: "Highest committed operation id",
	})

	ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_elections_started_total",
		Help: "Total elections initiated by this node",
	})

	ElectionsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_elections_won_total",
		Help: "Total elections won by this node",
	})

	// Replication traffic
	ReplicationAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_replication_acks_total",
		Help: "Total replication acknowledgments received from peers",
	})

	ReplicationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_replication_failures_total",
		Help: "Total failed replication attempts to peers",
	})

	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_heartbeat_failures_total",
		Help: "Total heartbeats that failed to reach a peer",
	})

	CommittedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_committed_ops_total",
		Help: "Total committed replicated operations by type",
	}, []string{"op"})

	// Client surface
	ClientConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_client_connections",
		Help: "Current number of websocket client connections",
	})

	ClientOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_client_ops_total",
		Help: "Total client operations by type and outcome",
	}, []string{"op", "outcome"})

	ForwardedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_forwarded_writes_total",
		Help: "Total client writes forwarded to the leader",
	})

	// Subscription broker
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_active_subscriptions",
		Help: "Current number of live message subscriptions",
	})

	MessagesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_messages_pushed_total",
		Help: "Total messages pushed to streaming subscribers",
	})

	DroppedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_dropped_subscribers_total",
		Help: "Total subscribers disconnected because their queue overflowed",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replichat_rate_limited_messages_total",
		Help: "Total client messages rejected by the per-connection rate limit",
	})
)

func init() {
	prometheus.MustRegister(
		NodeRole,
		CurrentTerm,
		CommitIndex,
		ElectionsStarted,
		ElectionsWon,
		ReplicationAcks,
		ReplicationFailures,
		HeartbeatFailures,
		CommittedOps,
		ClientConnections,
		ClientOps,
		ForwardedWrites,
		ActiveSubscriptions,
		MessagesPushed,
		DroppedSubscribers,
		RateLimitedMessages,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
