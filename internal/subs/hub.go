package subs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/metrics"
)

// broker opens per-session subscriptions; satisfied by *cache.Client.
type broker interface {
	OpenSubscription(ctx context.Context) *cache.Subscription
}

// Hub tracks live WebSocket sessions and enforces the connection cap.
type Hub struct {
	broker    broker
	metrics   *metrics.Registry
	heartbeat time.Duration
	maxConns  int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub wires the subscription hub.
func NewHub(b broker, m *metrics.Registry, cfg config.WSConfig) *Hub {
	return &Hub{
		broker:    b,
		metrics:   m,
		heartbeat: cfg.HeartbeatInterval(),
		maxConns:  cfg.MaxConnections,
		sessions:  make(map[string]*Session),
	}
}

// Register admits an upgraded connection as a session, or closes it with
// policy violation 1008 when the hub is at capacity.
func (h *Hub) Register(ctx context.Context, conn *websocket.Conn, identity auth.Identity) (*Session, bool) {
	s := &Session{
		ID:          uuid.New().String(),
		Identity:    identity,
		CreatedAt:   time.Now().UTC(),
		conn:        conn,
		hub:         h,
		heartbeat:   h.heartbeat,
		idleTimeout: idleMultiplier * h.heartbeat,
		subscribed:  make(map[string]struct{}),
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if h.maxConns > 0 && len(h.sessions) >= h.maxConns {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		log.Warn().Str("key_tier", string(identity.Tier)).Msg("connection rejected, hub at capacity")
		return nil, false
	}
	h.sessions[s.ID] = s
	count := len(h.sessions)
	h.mu.Unlock()

	s.broker = h.broker.OpenSubscription(ctx)
	h.metrics.ActiveSessions.Set(float64(count))
	log.Info().Str("connection_id", s.ID).Str("key_tier", string(identity.Tier)).Int("sessions", count).Msg("session registered")
	return s, true
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.ActiveSessions.Set(float64(count))
	log.Info().Str("connection_id", s.ID).Int("sessions", count).Msg("session closed")
}

// Len reports the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll tears down every live session, used during shutdown.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(ctx)
	}
}
