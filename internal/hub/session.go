package hub

import (
	"time"

	"github.com/stobieee-bit/AsterianServer/internal/protocol"
)

// Conn is the hub's non-owning view of one transport connection. The
// transport layer owns the socket; the hub only enqueues outbound frames
// and requests closure.
type Conn interface {
	// Enqueue hands a serialized frame to the connection's send buffer
	// without blocking. It returns false if the buffer is full or the
	// connection is closed; the frame is dropped either way.
	Enqueue(frame []byte) bool

	// Close tears the connection down. Safe to call more than once.
	Close()
}

// Session is the relay's record of one joined player. All fields are owned
// by the hub goroutine; nothing else reads or writes them.
type Session struct {
	ID   string
	Name string

	// Position, mutated only by this session's own move messages.
	X      float64
	Z      float64
	RY     float64
	Moving bool

	// Equipment and stats are replaced wholesale, never merged.
	Equipment map[string]any
	Stats     protocol.Stats

	// LastSeen is set at join and refreshed by each pong. The heartbeat
	// monitor evicts sessions whose LastSeen falls outside the timeout
	// window.
	LastSeen time.Time

	conn Conn
}

// State snapshots the session as a roster entry for welcome messages.
func (s *Session) State() protocol.PlayerState {
	return protocol.PlayerState{
		ID:        s.ID,
		Name:      s.Name,
		X:         s.X,
		Z:         s.Z,
		RY:        s.RY,
		Moving:    s.Moving,
		Equipment: s.Equipment,
		Stats:     s.Stats,
	}
}
