package chat

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/replichat/replichat/internal/broker"
	"github.com/replichat/replichat/internal/limits"
	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// session is one client websocket connection. Authentication is a flag on
// the session, not a persisted token; a reconnect starts unauthenticated.
type session struct {
	server *Server
	conn   net.Conn
	logger zerolog.Logger

	limiter *rate.Limiter

	// writeMu serializes frames: replies from the read loop and pushes
	// from the stream goroutine share the socket.
	writeMu sync.Mutex

	mu   sync.Mutex
	user string
	sub  *broker.Subscriber
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Admit(); err != nil {
		s.logger.Warn().Str("remote", r.RemoteAddr).Str("reason", err.Error()).
			Msg("connection rejected")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.Release()
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := &session{
		server:  s,
		conn:    conn,
		logger:  s.logger.With().Str("remote", r.RemoteAddr).Logger(),
		limiter: limits.NewMessageLimiter(s.cfg.MessagesPerSecond, s.cfg.MessageBurst),
	}
	monitoring.ClientConnections.Inc()
	go sess.run()
}

func (c *session) run() {
	defer func() {
		c.teardown()
		c.conn.Close()
		c.server.guard.Release()
		monitoring.ClientConnections.Dec()
	}()

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			c.logger.Debug().Err(err).Msg("client read ended")
			return
		}
		if op != ws.OpText {
			continue
		}

		if !c.limiter.Allow() {
			monitoring.RateLimitedMessages.Inc()
			c.write(errorEnvelope(ReasonRateLimited, "message rate limit exceeded"))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.write(errorEnvelope(ReasonInvalid, "malformed envelope"))
			continue
		}

		if reply := c.server.handle(c, &env); reply != nil {
			if !c.write(reply) {
				return
			}
		}
	}
}

// write sends one envelope, holding the frame lock. Returns false when
// the socket is no longer usable.
func (c *session) write(env *Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding reply")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteDeadline)); err != nil {
		c.logger.Debug().Err(err).Msg("setting write deadline")
		return false
	}
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
		c.logger.Debug().Err(err).Msg("client write failed")
		return false
	}
	return true
}

func (c *session) username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *session) setUsername(user string) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

// startStream flips the connection into streaming mode: the undelivered
// backlog goes out first, then live messages as they commit, in id order.
// The subscription opens before the backlog query, so a message committing
// in between lands in the backlog, the live queue, or both; queued ids at
// or below the last backlog id pushed are dropped as duplicates.
func (c *session) startStream(limit int) error {
	c.mu.Lock()
	if c.sub != nil {
		// Replacing our own stream; drop the old one first.
		c.server.broker.Unsubscribe(c.sub)
	}
	sub := c.server.broker.Subscribe(c.user)
	c.sub = sub
	user := c.user
	c.mu.Unlock()

	backlog, err := c.server.store.UndeliveredMessages(user, c.server.manager.CommitIndex())
	if err != nil {
		c.server.broker.Unsubscribe(sub)
		c.mu.Lock()
		if c.sub == sub {
			c.sub = nil
		}
		c.mu.Unlock()
		return err
	}
	if limit > 0 && len(backlog) > limit {
		backlog = backlog[:limit]
	}

	go func() {
		var pushed int64
		for _, msg := range backlog {
			if !c.pushMessage(msg) {
				c.conn.Close()
				return
			}
			pushed = msg.ID
		}
		for {
			select {
			case msg := <-sub.Messages:
				if msg.ID <= pushed {
					continue
				}
				if !c.pushMessage(msg) {
					c.conn.Close()
					return
				}
			case <-sub.Dropped:
				c.logger.Warn().Str("user", c.username()).Msg("stream dropped")
				c.conn.Close()
				return
			}
		}
	}()
	return nil
}

func (c *session) pushMessage(msg store.Message) bool {
	ok := c.write(successEnvelope(map[string]any{
		"message_id": msg.ID,
		"sender":     msg.Sender,
		"recipient":  msg.Recipient,
		"content":    msg.Content,
		"timestamp":  msg.Timestamp,
	}))
	if !ok {
		return false
	}
	// Delivery is recorded by whichever replica pushed the message.
	if err := c.server.store.MarkDelivered(msg.ID); err != nil {
		c.logger.Error().Err(err).Int64("id", msg.ID).Msg("recording delivery")
	}
	return true
}

func (c *session) teardown() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.server.broker.Unsubscribe(sub)
	}
}
