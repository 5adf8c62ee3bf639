package subs

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/model"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256

	// idleMultiplier sets the read deadline as a multiple of the heartbeat
	// interval. A client that sends nothing for that long is disconnected
	// so silent peers cannot hold connection slots.
	idleMultiplier = 3
)

// brokerSubscription is the broker-side half of a session; satisfied by
// *cache.Subscription.
type brokerSubscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan cache.Message
	Close() error
}

// wsConn is the client-side half of a session; satisfied by
// *websocket.Conn.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one authenticated WebSocket connection with its per-symbol
// subscription set. Client messages are handled one at a time; broker
// deliveries for subscribed symbols are forwarded in delivery order.
type Session struct {
	ID        string
	Identity  auth.Identity
	CreatedAt time.Time

	conn        wsConn
	broker      brokerSubscription
	hub         *Hub
	heartbeat   time.Duration
	idleTimeout time.Duration

	mu         sync.RWMutex
	subscribed map[string]struct{}

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Run drives the session until the client disconnects or the context ends.
// It blocks in the read loop; the write and forward pumps run alongside.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.close(ctx)

	go s.writePump()
	go s.forwardPump()

	if s.idleTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connection_id", s.ID).Msg("session closed unexpectedly")
			}
			return
		}
		// Any client traffic counts as liveness.
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		s.handleClientMessage(ctx, raw)
	}
}

// handleClientMessage processes one client frame and queues the reply.
func (s *Session) handleClientMessage(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.reply(errorMsg("Invalid message"))
		return
	}

	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(ctx, msg.Symbols)
	case "unsubscribe":
		s.handleUnsubscribe(ctx, msg.Symbols)
	case "ping":
		s.reply(pongMsg(time.Now()))
	default:
		s.reply(errorMsg("Unknown message type"))
	}
}

func (s *Session) handleSubscribe(ctx context.Context, symbols []string) {
	valid := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if model.ValidSymbol(sym) {
			valid = append(valid, sym)
		}
	}
	if len(valid) == 0 {
		s.reply(errorMsg("No valid symbols"))
		return
	}

	var added []string
	var channels []string
	s.mu.Lock()
	for _, sym := range valid {
		if _, ok := s.subscribed[sym]; ok {
			continue
		}
		s.subscribed[sym] = struct{}{}
		added = append(added, sym)
		channels = append(channels, cache.SymbolChannel(sym))
	}
	s.mu.Unlock()

	if err := s.broker.Subscribe(ctx, channels...); err != nil {
		log.Warn().Err(err).Str("connection_id", s.ID).Msg("broker subscribe failed")
	}

	sort.Strings(added)
	s.reply(subscribedMsg(added))
}

func (s *Session) handleUnsubscribe(ctx context.Context, symbols []string) {
	var removed []string
	var channels []string
	s.mu.Lock()
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if _, ok := s.subscribed[sym]; !ok {
			continue
		}
		delete(s.subscribed, sym)
		removed = append(removed, sym)
		channels = append(channels, cache.SymbolChannel(sym))
	}
	s.mu.Unlock()

	if err := s.broker.Unsubscribe(ctx, channels...); err != nil {
		log.Warn().Err(err).Str("connection_id", s.ID).Msg("broker unsubscribe failed")
	}

	sort.Strings(removed)
	s.reply(unsubscribedMsg(removed))
}

// Subscribed returns a snapshot of the session's symbol set.
func (s *Session) Subscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Session) isSubscribed(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribed[symbol]
	return ok
}

// forwardPump relays broker deliveries to the client. Sessions subscribe to
// per-symbol channels only, so each published update arrives exactly once.
func (s *Session) forwardPump() {
	for msg := range s.broker.Messages() {
		symbol := strings.TrimPrefix(msg.Channel, "price_updates:")
		if !s.isSubscribed(symbol) {
			continue
		}
		s.enqueue(msg.Payload)
	}
}

// writePump owns all writes to the connection: queued frames plus the
// server-initiated heartbeat pong.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			payload, err := json.Marshal(pongMsg(time.Now()))
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) reply(msg ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(payload)
}

// enqueue queues a frame for the client. Frames are dropped when the
// session buffer is full or the session is closing; there are no retries.
func (s *Session) enqueue(payload []byte) {
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		log.Debug().Str("connection_id", s.ID).Msg("session send buffer full, dropping frame")
	}
}

// close unwires the broker subscription before the session is reclaimed,
// then releases the connection and hub slot.
func (s *Session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.broker.Close(); err != nil {
			log.Debug().Err(err).Str("connection_id", s.ID).Msg("broker subscription close failed")
		}
		s.conn.Close()
		if s.cancel != nil {
			s.cancel()
		}
		if s.hub != nil {
			s.hub.unregister(s)
		}
	})
}
