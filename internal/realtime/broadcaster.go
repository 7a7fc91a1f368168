package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// rebalanceDedupSize bounds the recent-REBALANCED-payload cache: one entry
// per (clientId, columnId) pair that has recently been sent a rebalance, so
// a client already holding the current layout doesn't get it resent when a
// second rebalance of the same column commits on its heels.
const rebalanceDedupSize = 4096

// Broadcaster is the open-session registry keyed by clientId. It implements
// spec component C5: targeted sends, skip-sender fan-out, and
// fan-out-to-everyone, with messages serialized once per call to amortize
// encoding cost across recipients.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]Session

	rebalanceDedup *lru.Cache[string, string]

	logger  *slog.Logger
	metrics *RealtimeMetrics
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger, metrics *RealtimeMetrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	dedup, _ := lru.New[string, string](rebalanceDedupSize)
	return &Broadcaster{
		sessions:       make(map[string]Session),
		rebalanceDedup: dedup,
		logger:         logger.With("component", "broadcaster"),
		metrics:        metrics,
	}
}

// Register adds a session to the registry, replacing any prior session
// already registered under the same clientId. It reports whether a session
// already held that clientId — i.e. this is a client reconnecting rather
// than a brand new participant joining the board.
func (b *Broadcaster) Register(session Session) (reconnected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, reconnected = b.sessions[session.ClientID()]
	b.sessions[session.ClientID()] = session
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Set(float64(len(b.sessions)))
		if reconnected {
			b.metrics.ReconnectTotal.Inc()
		}
	}
	b.logger.Info("session registered", "client_id", session.ClientID(), "total", len(b.sessions), "reconnected", reconnected)
	return reconnected
}

// Unregister removes a session. It is a no-op if clientId is unknown.
func (b *Broadcaster) Unregister(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, clientID)
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Set(float64(len(b.sessions)))
	}
	b.logger.Info("session unregistered", "client_id", clientID, "total", len(b.sessions))
}

// ActiveSessions returns the number of registered sessions.
func (b *Broadcaster) ActiveSessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// SendTo delivers msg to exactly one session. It is a silent no-op if
// clientId is absent or the session's send fails — a closed session's
// own close event is responsible for removing it from the registry.
func (b *Broadcaster) SendTo(clientID string, msg interface{}) error {
	b.mu.RLock()
	session, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := session.Send(data); err != nil {
		b.logger.Warn("send failed, dropping", "client_id", clientID, "error", err)
		if b.metrics != nil {
			b.metrics.ErrorsTotal.WithLabelValues("send_failed").Inc()
		}
	}
	return nil
}

// Broadcast encodes msg once and delivers it to every registered session
// except skipClientID (pass "" to include everyone).
func (b *Broadcaster) Broadcast(msg interface{}, skipClientID string) error {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	b.mu.RLock()
	recipients := make([]Session, 0, len(b.sessions))
	for id, session := range b.sessions {
		if id == skipClientID {
			continue
		}
		recipients = append(recipients, session)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, session := range recipients {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			if err := s.Send(data); err != nil {
				b.logger.Warn("broadcast send failed, dropping", "client_id", s.ClientID(), "error", err)
				if b.metrics != nil {
					b.metrics.ErrorsTotal.WithLabelValues("broadcast_failed").Inc()
				}
			}
		}(session)
	}
	wg.Wait()

	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues("broadcast", "router").Inc()
		b.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// BroadcastAll is Broadcast with no skipped recipient.
func (b *Broadcaster) BroadcastAll(msg interface{}) error {
	return b.Broadcast(msg, "")
}

// BroadcastRebalance delivers a REBALANCED message for columnID, skipping
// any session whose cached last-sent payload for that column is already
// identical — avoiding a redundant resend when two rebalances of the same
// column commit in quick succession.
func (b *Broadcaster) BroadcastRebalance(columnID string, msg interface{}) error {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload := string(data)

	b.mu.RLock()
	recipients := make([]Session, 0, len(b.sessions))
	for _, session := range b.sessions {
		recipients = append(recipients, session)
	}
	b.mu.RUnlock()

	for _, session := range recipients {
		key := session.ClientID() + ":" + columnID
		if prev, ok := b.rebalanceDedup.Get(key); ok && prev == payload {
			continue
		}
		b.rebalanceDedup.Add(key, payload)

		if err := session.Send(data); err != nil {
			b.logger.Warn("rebalance send failed, dropping", "client_id", session.ClientID(), "error", err)
			if b.metrics != nil {
				b.metrics.ErrorsTotal.WithLabelValues("broadcast_failed").Inc()
			}
		}
	}

	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues("rebalance", "router").Inc()
		b.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}
