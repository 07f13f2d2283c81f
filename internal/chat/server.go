package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/replichat/replichat/internal/broker"
	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/limits"
	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// ServerConfig holds the client-facing limits and timings.
type ServerConfig struct {
	Addr string

	// WriteDeadline bounds each websocket write.
	WriteDeadline time.Duration
	// MaxContentBytes bounds a single message body.
	MaxContentBytes int
	// MessagesPerSecond and MessageBurst shape the per-connection
	// envelope rate limit.
	MessagesPerSecond float64
	MessageBurst      int
}

func (c *ServerConfig) applyDefaults() {
	if c.WriteDeadline == 0 {
		c.WriteDeadline = 2 * time.Second
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = 4096
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = 20
	}
	if c.MessageBurst == 0 {
		c.MessageBurst = 50
	}
}

// Server ties the client surface to the replication engine. One Server
// serves both client websockets and peer HTTP on the same listener.
type Server struct {
	cfg     ServerConfig
	store   *store.Store
	manager *cluster.Manager
	broker  *broker.Broker
	guard   *limits.Guard
	logger  zerolog.Logger

	httpServer *http.Server
}

func NewServer(cfg ServerConfig, st *store.Store, mgr *cluster.Manager, br *broker.Broker, guard *limits.Guard, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		store:   st,
		manager: mgr,
		broker:  br,
		guard:   guard,
		logger:  logger.With().Str("component", "chat").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/replication", s.handleReplication)
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/snapshot", s.handleSnapshot)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a short grace
// period. A bind failure surfaces immediately.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
