// Package hub implements the relay core: the session registry, message
// router, broadcast engine, heartbeat monitor, and the connection
// lifecycle tying them together.
//
// A single goroutine owns all registry state. Transport goroutines reach
// it only through channels, so there is no locking discipline beyond the
// channel handoff; the heartbeat ticker is one more case in the same
// select loop.
package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stobieee-bit/AsterianServer/internal/logging"
	"github.com/stobieee-bit/AsterianServer/internal/metrics"
	"github.com/stobieee-bit/AsterianServer/internal/protocol"
)

// ServerFullMessage is the error text sent before closing a connection
// that arrives while the registry is at capacity.
const ServerFullMessage = "Server full"

// Options configures a Hub.
type Options struct {
	// Capacity is the maximum number of joined sessions.
	Capacity int

	// HeartbeatInterval is the ping period; HeartbeatTimeout is the
	// eviction window. A session whose last pong is older than the
	// timeout at tick time is removed.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// JoinDeadline closes connections that never send an accepted join.
	// Zero disables the sweep.
	JoinDeadline time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Registry

	// Clock and NewID are injectable for tests; nil means time.Now and
	// uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

type eventKind int

const (
	evAccept eventKind = iota
	evFrame
	evDetach
	evAnnounce
)

// event is one entry in the hub's single ordered queue. Accept, frames,
// and detach for a given connection are enqueued in that order by the
// transport, so the FIFO preserves per-connection lifecycle ordering.
type event struct {
	kind eventKind
	conn Conn
	data []byte
	text string
}

// Hub is the relay core. Create with New, drive with Run.
type Hub struct {
	opts  Options
	log   zerolog.Logger
	m     *metrics.Registry
	clock func() time.Time
	newID func() string

	events  chan event
	stopped chan struct{}

	// Registry state, touched only by the Run goroutine. Sessions are
	// keyed by opaque id; byConn is the separate non-owning association
	// from transport handle to id. Pending holds accepted connections
	// that have not joined yet, with their accept time.
	sessions map[string]*Session
	byConn   map[Conn]string
	pending  map[Conn]time.Time

	joined atomic.Int64
}

// New creates a Hub. Run must be started before the hub does any work.
func New(opts Options) *Hub {
	h := &Hub{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "hub").Logger(),
		m:        opts.Metrics,
		clock:    opts.Clock,
		newID:    opts.NewID,
		events:   make(chan event, 512),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		byConn:   make(map[Conn]string),
		pending:  make(map[Conn]time.Time),
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	return h
}

// Run owns the registry until ctx is cancelled. On return every
// connection has been closed and the registry is empty.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case ev := <-h.events:
			switch ev.kind {
			case evAccept:
				h.handleAccept(ev.conn)
			case evFrame:
				h.safeDispatch(ev.conn, ev.data)
			case evDetach:
				h.closeConn(ev.conn, "disconnect")
			case evAnnounce:
				h.handleAnnounce(ev.text)
			}
		case <-ticker.C:
			h.sweep(h.clock())
		}
	}
}

// Accept hands a freshly upgraded connection to the hub. The transport
// must call this before it starts reading frames so the accept precedes
// every frame in the event queue. If the hub has already stopped the
// connection is closed instead.
func (h *Hub) Accept(c Conn) {
	select {
	case h.events <- event{kind: evAccept, conn: c}:
	case <-h.stopped:
		c.Close()
	}
}

// Inbound hands one raw text frame to the hub. Frames from a single
// connection arrive in order because each connection has one reader
// feeding the same queue.
func (h *Hub) Inbound(c Conn, data []byte) {
	select {
	case h.events <- event{kind: evFrame, conn: c, data: data}:
	case <-h.stopped:
	}
}

// Detach reports a transport-level close or error. The hub removes the
// session (if joined) and broadcasts its departure.
func (h *Hub) Detach(c Conn) {
	select {
	case h.events <- event{kind: evDetach, conn: c}:
	case <-h.stopped:
	}
}

// Announce relays an operator message to every session.
func (h *Hub) Announce(text string) {
	select {
	case h.events <- event{kind: evAnnounce, text: text}:
	case <-h.stopped:
	}
}

// SessionCount reports the number of joined sessions. Safe from any
// goroutine.
func (h *Hub) SessionCount() int {
	return int(h.joined.Load())
}

// handleAccept admits a connection into Pending, or rejects it when the
// registry is full: explicit error message, then close, never registered.
func (h *Hub) handleAccept(c Conn) {
	if len(h.sessions) >= h.opts.Capacity {
		h.sendTo(c, protocol.NewError(ServerFullMessage))
		c.Close()
		h.m.ConnectionsRejected.WithLabelValues("capacity").Inc()
		h.log.Warn().Int("capacity", h.opts.Capacity).Msg("connection rejected: server full")
		return
	}
	h.pending[c] = h.clock()
}

// safeDispatch guards the router: a panic in a handler is logged and
// absorbed, never allowed to take the relay down.
func (h *Hub) safeDispatch(c Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(h.log, r, "handler panic recovered")
		}
	}()
	h.dispatch(c, data)
}

// dispatch decodes one frame and routes it. Malformed frames and frames
// from connections in the wrong lifecycle state are dropped silently;
// malformed input is noise, not a protocol violation.
func (h *Hub) dispatch(c Conn, data []byte) {
	frame, ok := protocol.Decode(data)
	if !ok {
		h.m.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}

	if id, joined := h.byConn[c]; joined {
		h.dispatchJoined(h.sessions[id], frame)
		return
	}

	if _, isPending := h.pending[c]; !isPending {
		// Connection already closed; late frame, drop.
		return
	}
	if frame.Type != "join" {
		h.m.FramesDropped.WithLabelValues("pending").Inc()
		return
	}
	h.handleJoin(c, frame)
}

// handleJoin moves a connection from Pending to Joined: capacity re-check,
// id assignment, registration, welcome unicast, join broadcast.
func (h *Hub) handleJoin(c Conn, frame protocol.Frame) {
	// Accepted-but-pending connections can outnumber free slots, so the
	// accept-time check is repeated here.
	if len(h.sessions) >= h.opts.Capacity {
		delete(h.pending, c)
		h.sendTo(c, protocol.NewError(ServerFullMessage))
		c.Close()
		h.m.ConnectionsRejected.WithLabelValues("capacity").Inc()
		return
	}

	s := &Session{
		ID:        h.newID(),
		Name:      protocol.SanitizeName(frame.Str("name")),
		Equipment: map[string]any{},
		Stats:     protocol.DefaultStats(),
		LastSeen:  h.clock(),
		conn:      c,
	}

	// Roster is snapshotted before registration so the welcome lists
	// exactly the other joined sessions.
	roster := make([]protocol.PlayerState, 0, len(h.sessions))
	for _, other := range h.sessions {
		roster = append(roster, other.State())
	}

	delete(h.pending, c)
	h.sessions[s.ID] = s
	h.byConn[c] = s.ID
	h.joined.Store(int64(len(h.sessions)))
	h.m.SessionsActive.Set(float64(len(h.sessions)))
	h.m.MessagesInbound.WithLabelValues("join").Inc()

	h.sendTo(c, protocol.NewWelcome(s.ID, roster))
	h.broadcast(protocol.NewJoinBroadcast(s.ID, s.Name), s.ID)

	h.log.Info().
		Str("session_id", s.ID).
		Str("name", s.Name).
		Int("players", len(h.sessions)).
		Msg("player joined")
}

// closeConn transitions a connection to Closed. Idempotent: a connection
// that is neither pending nor joined is ignored, so a double close never
// broadcasts twice.
func (h *Hub) closeConn(c Conn, reason string) {
	if _, ok := h.pending[c]; ok {
		delete(h.pending, c)
		c.Close()
		return
	}

	id, ok := h.byConn[c]
	if !ok {
		return
	}
	delete(h.byConn, c)
	delete(h.sessions, id)
	c.Close()

	h.joined.Store(int64(len(h.sessions)))
	h.m.SessionsActive.Set(float64(len(h.sessions)))

	// The entry is already gone, so the leave reaches exactly the
	// remaining sessions.
	h.broadcast(protocol.NewLeaveBroadcast(id), "")

	h.log.Info().
		Str("session_id", id).
		Str("reason", reason).
		Int("players", len(h.sessions)).
		Msg("player left")
}

// sweep is one heartbeat tick: evict sessions outside the timeout window,
// ping the rest, and close pending connections past the join deadline.
func (h *Hub) sweep(now time.Time) {
	ping, err := json.Marshal(protocol.NewPing())
	if err != nil {
		return
	}

	for _, s := range h.sessions {
		if now.Sub(s.LastSeen) > h.opts.HeartbeatTimeout {
			h.m.Evictions.Inc()
			h.log.Warn().
				Str("session_id", s.ID).
				Time("last_seen", s.LastSeen).
				Msg("evicting unresponsive session")
			h.closeConn(s.conn, "heartbeat_timeout")
			continue
		}
		// lastSeen is untouched here; only a pong refreshes it.
		s.conn.Enqueue(ping)
	}

	if h.opts.JoinDeadline <= 0 {
		return
	}
	for c, acceptedAt := range h.pending {
		if now.Sub(acceptedAt) > h.opts.JoinDeadline {
			// Never registered, so no leave broadcast.
			delete(h.pending, c)
			c.Close()
			h.log.Debug().Msg("closing connection that never joined")
		}
	}
}

// handleAnnounce relays an operator message, sanitized like chat.
func (h *Hub) handleAnnounce(text string) {
	text = protocol.SanitizeChat(text)
	if text == "" {
		return
	}
	h.broadcast(protocol.NewAnnounce(text), "")
	h.log.Info().Str("text", text).Msg("announcement relayed")
}

// broadcast serializes payload once and enqueues it on every joined
// session except excludeID (empty string excludes nobody). A full or
// closed connection is skipped; cleanup happens only via the lifecycle
// and heartbeat paths.
func (h *Hub) broadcast(payload any, excludeID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal failed")
		return
	}
	for id, s := range h.sessions {
		if id == excludeID {
			continue
		}
		if !s.conn.Enqueue(data) {
			h.m.SendBufferDropped.Inc()
			h.log.Debug().Str("session_id", id).Msg("send buffer full, frame dropped")
		}
	}
	h.m.BroadcastsSent.Inc()
}

// sendTo is the unicast primitive used for welcome, error, and ping.
func (h *Hub) sendTo(c Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("unicast marshal failed")
		return
	}
	if !c.Enqueue(data) {
		h.m.SendBufferDropped.Inc()
	}
}

// drain empties the registry on shutdown, closing every connection.
func (h *Hub) drain() {
	for c := range h.byConn {
		c.Close()
	}
	for c := range h.pending {
		c.Close()
	}
	h.sessions = make(map[string]*Session)
	h.byConn = make(map[Conn]string)
	h.pending = make(map[Conn]time.Time)
	h.joined.Store(0)
	h.m.SessionsActive.Set(0)
	h.log.Info().Msg("hub drained")
}
