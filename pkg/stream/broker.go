package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
)

// Broker errors.
var (
	// ErrTooManyConnections is returned when an owner exceeds the
	// per-user connection cap.
	ErrTooManyConnections = errors.New("too many connections for user")

	// ErrBrokerClosed is returned by Register after shutdown began.
	ErrBrokerClosed = errors.New("stream broker is closed")
)

// ConnState is the lifecycle state of a connection. The only transition is
// connected → closing, on explicit close or client disconnect.
type ConnState int32

const (
	ConnStateConnected ConnState = iota
	ConnStateClosing
)

// Connection is a single registered client. Events is closed as the terminal
// sentinel; readers must treat a closed channel as end-of-stream.
type Connection struct {
	ID        string
	SessionID string
	OwnerID   string

	events chan Event

	mu       sync.Mutex
	state    ConnState
	lastSent time.Time
}

// Events returns the connection's delivery channel.
func (c *Connection) Events() <-chan Event { return c.events }

// close transitions to closing and closes the channel exactly once.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosing {
		return
	}
	c.state = ConnStateClosing
	close(c.events)
}

// enqueue attempts a non-blocking delivery. Returns false if the connection
// is closing or its queue is full.
func (c *Connection) enqueue(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosing {
		return false
	}
	select {
	case c.events <- ev:
		c.lastSent = time.Now()
		return true
	default:
		return false
	}
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

// Broker is the per-process fan-out. Connection tables are mutated only
// under its lock; the replay buffer lives in the shared cache so replays
// survive process restarts.
type Broker struct {
	cfg    *config.StreamConfig
	buffer *ReplayBuffer

	mu         sync.RWMutex
	bySession  map[string]map[string]*Connection // session → conn id → conn
	byOwner    map[string]map[string]bool        // owner → set of session ids
	ownerConns map[string]int                    // owner → live connection count
	closed     bool

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// NewBroker creates a broker over the given replay buffer.
func NewBroker(cfg *config.StreamConfig, buffer *ReplayBuffer) *Broker {
	return &Broker{
		cfg:        cfg,
		buffer:     buffer,
		bySession:  make(map[string]map[string]*Connection),
		byOwner:    make(map[string]map[string]bool),
		ownerConns: make(map[string]int),
	}
}

// Register adds a connection for (session, owner) and immediately replays
// buffered events with timestamp after since (all buffered when since is
// nil). The broker lock is held from the replay read through the table
// insert, so a concurrent Broadcast either lands in the buffer before the
// read (and is replayed) or fans out after the insert (and is delivered
// live); consumers deduplicate on event_id when both happen.
func (b *Broker) Register(ctx context.Context, sessionID, ownerID string, since *time.Time) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.ownerConns[ownerID] >= b.cfg.MaxConnectionsPerUser {
		return nil, ErrTooManyConnections
	}

	conn := &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		OwnerID:   ownerID,
		events:    make(chan Event, b.cfg.ConnQueueSize),
		lastSent:  time.Now(),
	}

	replayed, err := b.buffer.Replay(ctx, sessionID, since)
	if err != nil {
		slog.Warn("Replay buffer read failed, continuing without replay",
			"session_id", sessionID, "error", err)
	}
	for _, ev := range replayed {
		if !conn.enqueue(ev) {
			slog.Warn("Connection queue filled during replay",
				"connection_id", conn.ID, "session_id", sessionID)
			break
		}
	}

	if b.bySession[sessionID] == nil {
		b.bySession[sessionID] = make(map[string]*Connection)
	}
	b.bySession[sessionID][conn.ID] = conn
	if b.byOwner[ownerID] == nil {
		b.byOwner[ownerID] = make(map[string]bool)
	}
	b.byOwner[ownerID][sessionID] = true
	b.ownerConns[ownerID]++

	return conn, nil
}

// Unregister removes a connection; the last unregister for a session drops
// the session and owner indexes.
func (b *Broker) Unregister(conn *Connection) {
	b.mu.Lock()
	if conns, ok := b.bySession[conn.SessionID]; ok {
		if _, present := conns[conn.ID]; present {
			delete(conns, conn.ID)
			b.ownerConns[conn.OwnerID]--
			if b.ownerConns[conn.OwnerID] <= 0 {
				delete(b.ownerConns, conn.OwnerID)
			}
		}
		if len(conns) == 0 {
			delete(b.bySession, conn.SessionID)
			if sessions, ok := b.byOwner[conn.OwnerID]; ok {
				delete(sessions, conn.SessionID)
				if len(sessions) == 0 {
					delete(b.byOwner, conn.OwnerID)
				}
			}
		}
	}
	b.mu.Unlock()

	conn.close()
}

// Broadcast delivers an event to every connection of a session. When buffer
// is true the event is also appended to the session's replay buffer. Returns
// the number of successful enqueues.
func (b *Broker) Broadcast(ctx context.Context, sessionID string, ev Event, buffer bool) int {
	ev = b.capPayload(ev)

	if buffer {
		if err := b.buffer.Push(ctx, sessionID, ev); err != nil {
			slog.Warn("Failed to buffer stream event",
				"session_id", sessionID, "event_type", ev.EventType, "error", err)
		}
	}

	// Snapshot connections under the read lock, then enqueue outside it so a
	// slow connection cannot stall register/unregister.
	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.bySession[sessionID]))
	for _, c := range b.bySession[sessionID] {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(ev) {
			delivered++
		} else {
			slog.Warn("Dropped stream event for slow connection",
				"connection_id", c.ID, "session_id", sessionID, "event_type", ev.EventType)
		}
	}
	return delivered
}

// BroadcastToOwner delivers an event to every session of an owner.
func (b *Broker) BroadcastToOwner(ctx context.Context, ownerID string, ev Event, buffer bool) int {
	b.mu.RLock()
	sessions := make([]string, 0, len(b.byOwner[ownerID]))
	for sid := range b.byOwner[ownerID] {
		sessions = append(sessions, sid)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sid := range sessions {
		delivered += b.Broadcast(ctx, sid, ev, buffer)
	}
	return delivered
}

// Deliver routes a published outbox event: to its session when set,
// otherwise to all of the owner's sessions. Domain events are always
// buffered for reconnection replay.
func (b *Broker) Deliver(ctx context.Context, ev Event) (int, error) {
	if ev.SessionID != nil && *ev.SessionID != "" {
		return b.Broadcast(ctx, *ev.SessionID, ev, true), nil
	}
	return b.BroadcastToOwner(ctx, ev.OwnerID, ev, false), nil
}

// capPayload replaces oversized payloads with an error marker so a single
// huge event cannot blow up every subscriber's buffers.
func (b *Broker) capPayload(ev Event) Event {
	data, err := json.Marshal(ev.Payload)
	if err != nil || len(data) <= b.cfg.MaxPayloadBytes {
		return ev
	}
	slog.Warn("Stream event payload exceeds cap, replacing",
		"event_type", ev.EventType, "size", len(data), "cap", b.cfg.MaxPayloadBytes)
	capped := ev
	capped.Payload = map[string]any{
		"error":    "too large",
		"event_id": ev.EventID(),
	}
	return capped
}

// StartHeartbeat spawns the periodic heartbeat task. Every interval it
// enqueues a heartbeat on each live connection and closes connections that
// have been idle beyond the connection timeout.
func (b *Broker) StartHeartbeat(ctx context.Context) {
	if b.heartbeatCancel != nil {
		slog.Warn("Heartbeat already started, ignoring duplicate call")
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	b.heartbeatCancel = cancel
	b.heartbeatDone = make(chan struct{})

	go func() {
		defer close(b.heartbeatDone)
		ticker := time.NewTicker(b.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

// sweep sends heartbeats and reaps idle connections.
func (b *Broker) sweep() {
	now := time.Now()

	b.mu.RLock()
	conns := make([]*Connection, 0)
	for _, m := range b.bySession {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if now.Sub(c.idleSince()) > b.cfg.ConnectionTimeout {
			slog.Info("Closing idle stream connection",
				"connection_id", c.ID, "session_id", c.SessionID)
			b.Unregister(c)
			continue
		}
		sid := c.SessionID
		c.enqueue(Heartbeat(&sid, now))
	}
}

// ConnectionCount returns the number of live connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.bySession {
		n += len(m)
	}
	return n
}

// Close stops the heartbeat and closes every connection with the terminal
// sentinel. Register fails afterwards.
func (b *Broker) Close() {
	if b.heartbeatCancel != nil {
		b.heartbeatCancel()
		<-b.heartbeatDone
	}

	b.mu.Lock()
	b.closed = true
	conns := make([]*Connection, 0)
	for _, m := range b.bySession {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	b.bySession = make(map[string]map[string]*Connection)
	b.byOwner = make(map[string]map[string]bool)
	b.ownerConns = make(map[string]int)
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
