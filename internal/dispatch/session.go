package dispatch

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

// session holds the runtime state the read loop and workers need for one
// connection: its codec, and a channel used to wake the per-connection
// read loop back up after a deferred lock grant/denial arrives out of band.
type session struct {
	id    storage.ConnID
	conn  net.Conn
	codec *wire.Codec

	mu     sync.Mutex
	closed bool

	// woken carries the outcome of a deferred lock wait. The read loop
	// blocks receiving from it instead of reading the next opcode while a
	// request is pending hand-off.
	woken chan deferredOutcome
}

type deferredOutcome struct {
	granted bool
	code    wire.ResponseCode
	path    string
}

func newSession(id storage.ConnID, conn net.Conn) *session {
	return &session{
		id:    id,
		conn:  conn,
		codec: wire.New(conn, conn),
		woken: make(chan deferredOutcome, 1),
	}
}

func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// registry maps a live connection id back to its session so the notifier
// can deliver asynchronous hand-off results to the right socket. Storage
// itself never holds this mapping — per §9 it only ever carries ConnID
// values, never net.Conn or session pointers.
type registry struct {
	mu       sync.RWMutex
	sessions map[storage.ConnID]*session
	nextSeq  int64
}

func newRegistry() *registry {
	return &registry{sessions: make(map[storage.ConnID]*session)}
}

func (r *registry) nextID() storage.ConnID {
	n := atomic.AddInt64(&r.nextSeq, 1)
	return storage.ConnID(fmt.Sprintf("conn-%d", n))
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) remove(id storage.ConnID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *registry) get(id storage.ConnID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// closeAll force-closes every registered connection's socket, used by a
// hard shutdown. The connection's own read loop notices the resulting
// error and runs its normal cleanup. Any read loop currently parked
// waiting on a deferred lock grant is also woken, since it is blocked on
// session.woken rather than on a socket read and would otherwise never see
// the close.
func (r *registry) closeAll() {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.conn.Close()
		s.wake(deferredOutcome{})
	}
}

