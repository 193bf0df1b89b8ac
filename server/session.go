package server

import (
	"sync"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Kaligetsagency/dama/match"
)

// session is one websocket connection. The read loop owns conn reads, the
// write pump owns conn writes; everything else goes through out.
type session struct {
	id   string
	conn *websocket.Conn
	out  chan Envelope

	mu          sync.Mutex
	closed      bool
	accountID   string
	name        string
	rating      int
	challengeID string
	room        *roomAttachment
}

// roomAttachment binds a session to an active room's event feed. All fields
// after sub are only touched by the room loop goroutine.
type roomAttachment struct {
	roomID string
	slot   match.PlayerSlot
	sub    subCloser
	cancel func()

	started     bool
	sawMove     bool
	lastMoverMe bool
	fired       bool
}

type subCloser interface {
	C() <-chan []byte
	Close() error
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan Envelope, 32),
	}
}

// enqueue hands a frame to the write pump without ever blocking the caller.
// A client that stops draining loses frames, not the server.
func (s *session) enqueue(log slog.Logger, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- env:
	default:
		log.Warnf("session %s: outbound queue full, dropping %s", s.id, env.Type)
	}
}

func (s *session) sendError(log slog.Logger, msg string) {
	s.enqueue(log, envelope(EvError, &ErrorNtfn{Message: msg}))
}

// close marks the session dead and releases the write pump. Safe to call
// more than once.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// writePump drains out onto the wire until the channel closes or the
// connection dies.
func (s *session) writePump(log slog.Logger) {
	for env := range s.out {
		if err := s.conn.WriteJSON(env); err != nil {
			log.Debugf("session %s: write failed: %v", s.id, err)
			return
		}
	}
}

// snapshot returns the lobby/room state under the session lock so handlers
// can act on a consistent view without holding it.
func (s *session) snapshot() (challengeID string, att *roomAttachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challengeID, s.room
}

func (s *session) setIdentity(accountID, name string, rating int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountID == "" {
		s.accountID = accountID
		s.name = name
		s.rating = rating
	}
}
