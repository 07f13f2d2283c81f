package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/replichat/replichat/internal/broker"
	"github.com/replichat/replichat/internal/chat"
	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/limits"
	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host              = flag.String("host", "", "bind host (overrides CHAT_HOST)")
		port              = flag.Int("port", 0, "bind port (overrides CHAT_PORT)")
		replicas          = flag.String("replicas", "", "comma-separated peer host:port list, excluding self")
		dataDir           = flag.String("data-dir", "", "durable state directory (overrides CHAT_DATA_DIR)")
		logLevel          = flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
		heartbeatLogLevel = flag.String("heartbeat-log-level", "", "heartbeat log level (overrides HEARTBEAT_LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *replicas != "" {
		cfg.Replicas = *replicas
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *heartbeatLogLevel != "" {
		cfg.HeartbeatLogLevel = *heartbeatLogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}, cfg.ServerID())
	hbLogger := monitoring.NewHeartbeatLogger(logger, cfg.HeartbeatLogLevel)
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error().Err(err).Msg("opening state store")
		return 1
	}
	defer st.Close()

	durable, term, votedFor, commit, err := cluster.OpenDurableState(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("loading durable replication state")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A node with no history catches up from a peer before it may vote.
	highest, _, err := st.HighestOp()
	if err != nil {
		logger.Error().Err(err).Msg("inspecting local state")
		return 1
	}
	if highest == 0 && commit == 0 && len(cfg.Peers()) > 0 {
		snapCommit, err := cluster.CatchUp(ctx, cfg.Peers(), st, logger)
		if err != nil {
			logger.Error().Err(err).Msg("catching up from peers")
			return 1
		}
		if snapCommit > commit {
			commit = snapCommit
			if err := durable.SaveCommitIndex(commit); err != nil {
				logger.Error().Err(err).Msg("persisting commit index after catch-up")
				return 1
			}
		}
	}

	transport := cluster.NewHTTPTransport(cfg.VoteRPCTimeout)
	manager, err := cluster.NewManager(cluster.Config{
		ServerID:           cfg.ServerID(),
		Peers:              cfg.Peers(),
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RPCTimeout:         cfg.PeerRPCTimeout,
		VoteTimeout:        cfg.VoteRPCTimeout,
	}, transport, durable, term, votedFor, commit, cluster.StoreApplier{Store: st}, logger, hbLogger)
	if err != nil {
		logger.Error().Err(err).Msg("initializing replication manager")
		return 1
	}

	br := broker.New(logger)
	manager.SetNotify(br.Publish)

	guard := limits.NewGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
	}, logger)
	go guard.Run(ctx, cfg.GuardInterval)

	server := chat.NewServer(chat.ServerConfig{
		Addr:              cfg.ServerID(),
		WriteDeadline:     cfg.WriteDeadline,
		MaxContentBytes:   cfg.MaxContentBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, st, manager, br, guard, logger)

	manager.Start()
	defer manager.Stop()

	logger.Info().Str("addr", cfg.ServerID()).Msg("server listening")
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return 1
	}
	logger.Info().Msg("clean shutdown")
	return 0
}
