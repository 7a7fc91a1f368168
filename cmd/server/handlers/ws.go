// Package handlers provides HTTP handlers for the realtime task board.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskboard/realtime-board/internal/board/presence"
	"github.com/taskboard/realtime-board/internal/board/router"
	"github.com/taskboard/realtime-board/internal/board/snapshot"
	"github.com/taskboard/realtime-board/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins once the frontend's deploy
		// domain is fixed; wide open for local development today.
		return true
	},
}

// BoardWebSocketHandler upgrades HTTP connections into board duplex
// sessions: it registers with the broadcaster and presence registry, sends
// the initial snapshot, and pumps inbound frames into the router (spec
// component C7). One handler instance is shared across every connection.
type BoardWebSocketHandler struct {
	router      *router.Router
	broadcaster *realtime.Broadcaster
	presence    *presence.Registry
	snapshots   *snapshot.Provider
	logger      *slog.Logger

	acceptLimiter *RateLimiter

	inboundRatePerSec float64
	inboundBurst      int
}

// NewBoardWebSocketHandler wires a handler to its collaborators.
// maxConnectionsPerIP/connectionWindow configure the per-IP accept
// throttle; inboundMessagesPerSec/inboundBurst configure the
// per-connection inbound message throttle.
func NewBoardWebSocketHandler(
	r *router.Router,
	broadcaster *realtime.Broadcaster,
	presenceRegistry *presence.Registry,
	snapshots *snapshot.Provider,
	logger *slog.Logger,
	maxConnectionsPerIP int,
	connectionWindow time.Duration,
	inboundMessagesPerSec float64,
	inboundBurst int,
) *BoardWebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BoardWebSocketHandler{
		router:            r,
		broadcaster:       broadcaster,
		presence:          presenceRegistry,
		snapshots:         snapshots,
		logger:            logger.With("component", "board_ws"),
		acceptLimiter:     NewRateLimiter(maxConnectionsPerIP, connectionWindow),
		inboundRatePerSec: inboundMessagesPerSec,
		inboundBurst:      inboundBurst,
	}
}

// ServeHTTP upgrades the connection, applies the per-IP accept throttle,
// performs the handshake, and starts the session's read pump.
func (h *BoardWebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := requestIP(r)
	if !h.acceptLimiter.Allow(ip) {
		h.logger.Warn("websocket connection rate limit exceeded", "ip", ip, "count", h.acceptLimiter.GetCount(ip))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	clientID, username := handshakeIdentity(r)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{
		clientID: clientID,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
	}

	reconnected := h.broadcaster.Register(sess)
	h.presence.AddUser(clientID, username)

	h.logger.Info("session connected", "client_id", clientID, "username", username, "remote_addr", r.RemoteAddr, "reconnected", reconnected)

	state, err := h.snapshots.Assemble(ctx)
	if err != nil {
		h.logger.Error("initial snapshot failed", "client_id", clientID, "error", err)
	} else {
		_ = h.broadcaster.SendTo(clientID, router.ServerMessage{
			Type:    router.TypeInitialState,
			Payload: router.InitialStatePayload{Tasks: state.Tasks, Presence: state.Presence},
		})
	}

	_ = h.broadcaster.Broadcast(router.ServerMessage{
		Type:    router.TypePresenceUpdate,
		Payload: h.presence.GetAllUsers(),
	}, clientID)

	go h.readPump(sess)
}

// readPump reads frames off the connection until it closes, applying the
// per-connection inbound message limiter before each dispatch, and runs
// the ping/pong keepalive the teacher's hub uses (54s ping ticker, 60s
// read deadline, pong handler resets the deadline).
func (h *BoardWebSocketHandler) readPump(sess *wsSession) {
	defer h.onDisconnect(sess)

	conn := sess.conn
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(h.inboundRatePerSec), h.inboundBurst)

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					h.logger.Warn("websocket read error", "client_id", sess.clientID, "error", err)
				}
				return
			}

			if !limiter.Allow() {
				h.logger.Debug("inbound message rate limit exceeded", "client_id", sess.clientID)
				continue
			}

			h.router.Dispatch(sess.ctx, sess.clientID, data)
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sess.writePing(); err != nil {
				h.logger.Debug("ping failed, closing connection", "client_id", sess.clientID, "error", err)
				return
			}
		}
	}
}

// onDisconnect unregisters the session from the broadcaster and presence
// registry, then broadcasts the resulting presence list to everyone still
// connected.
func (h *BoardWebSocketHandler) onDisconnect(sess *wsSession) {
	sess.Close()
	h.broadcaster.Unregister(sess.clientID)
	h.presence.RemoveUser(sess.clientID)

	h.logger.Info("session disconnected", "client_id", sess.clientID)

	_ = h.broadcaster.BroadcastAll(router.ServerMessage{
		Type:    router.TypePresenceUpdate,
		Payload: h.presence.GetAllUsers(),
	})
}

// handshakeIdentity reads clientId/username from the upgrade URL's query
// parameters, applying the spec's defaults when either is absent.
func handshakeIdentity(r *http.Request) (clientID, username string) {
	q := r.URL.Query()
	clientID = q.Get("clientId")
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	username = q.Get("username")
	if username == "" {
		username = fmt.Sprintf("User-%s", last4(clientID))
	}
	return clientID, username
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

func requestIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

// wsSession adapts a *websocket.Conn to realtime.Session. Writes (both
// router-sent frames and keepalive pings) are serialized through writeMu
// since gorilla/websocket forbids concurrent writers on one connection.
type wsSession struct {
	clientID string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
	closed  bool
}

func (s *wsSession) ClientID() string { return s.clientID }

func (s *wsSession) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) writePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.conn.Close()
}

func (s *wsSession) Context() context.Context { return s.ctx }

// RateLimiter throttles connection accepts per source IP over a sliding
// window; used for the accept-time throttle in ServeHTTP. Per-connection
// inbound message throttling is handled separately in readPump via
// golang.org/x/time/rate, since the two limiters guard different things:
// this one bounds how many sessions one IP can open, that one bounds how
// fast one already-open session can feed the router.
type RateLimiter struct {
	connections map[string][]time.Time
	mu          sync.RWMutex
	maxPerIP    int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxPerIP int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		connections: make(map[string][]time.Time),
		maxPerIP:    maxPerIP,
		window:      window,
	}
}

// Allow reports whether a connection from ip is allowed, recording it if so.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	if times, ok := rl.connections[ip]; ok {
		validTimes := make([]time.Time, 0, len(times))
		for _, t := range times {
			if t.After(cutoff) {
				validTimes = append(validTimes, t)
			}
		}
		rl.connections[ip] = validTimes
	} else {
		rl.connections[ip] = make([]time.Time, 0)
	}

	if len(rl.connections[ip]) >= rl.maxPerIP {
		return false
	}

	rl.connections[ip] = append(rl.connections[ip], now)
	return true
}

// GetCount returns the number of recent connections recorded for ip.
func (rl *RateLimiter) GetCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if times, ok := rl.connections[ip]; ok {
		return len(times)
	}
	return 0
}
