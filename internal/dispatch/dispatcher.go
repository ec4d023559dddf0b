// Package dispatch implements the connection-handling layer: accepting
// connections on the listening socket, bounding concurrent request
// processing with a worker pool, and delivering deferred lock hand-offs
// back to the connection that requested them (§4.7, §4.8).
//
// The readiness-set/master-thread design of §4.8 is collapsed onto Go's
// own runtime: each connection gets one goroutine blocked in a read call,
// which is exactly the "socket ready" event the original master thread
// polled for by hand. That goroutine still never runs two requests for
// the same connection concurrently, and it still defers to a bounded
// WorkerPool for the actual request work, answering
// temporarily_unavailable itself when the pool is saturated — the same
// backpressure contract, expressed with channels and goroutines instead
// of a readiness set.
package dispatch

import (
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iretes/filestorageserver/internal/audit"
	"github.com/iretes/filestorageserver/internal/metrics"
	"github.com/iretes/filestorageserver/internal/storage"
)

// Dispatcher accepts connections and runs the per-connection read loop
// that feeds the worker pool.
type Dispatcher struct {
	listener net.Listener
	pool     *WorkerPool
	store    *storage.Storage
	h        *handlers
	log      *zap.Logger
	reg      *registry

	connWG    sync.WaitGroup
	acceptErr chan error
	softStop  int32
}

// New builds a Dispatcher. nWorkers and queueSize size the worker pool;
// the notifier installed on store must be the one returned by
// NewNotifier(reg) for the same registry passed here.
func New(ln net.Listener, store *storage.Storage, nWorkers, queueSize int, log *zap.Logger, al *audit.Logger, m *metrics.Registry, reg *registry) *Dispatcher {
	pool := NewWorkerPool(nWorkers, queueSize)
	pool.Start(nWorkers)
	return &Dispatcher{
		listener:  ln,
		pool:      pool,
		store:     store,
		h:         newHandlers(store, log, al, m),
		log:       log,
		reg:       reg,
		acceptErr: make(chan error, 1),
	}
}

// NewRegistry exposes registry construction so main can build the notifier
// before the Storage (which needs it) and the Dispatcher (which needs the
// same registry) both exist.
func NewRegistry() *registry { return newRegistry() }

// NewNotifier returns the storage.WaiterNotifier backed by reg.
func NewNotifier(reg *registry) storage.WaiterNotifier { return newNotifier(reg) }

// Run accepts connections until the listener is closed. It blocks; callers
// typically run it in its own goroutine and use Shutdown to stop it.
func (d *Dispatcher) Run() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.acceptErr <- err
			return
		}
		if atomic.LoadInt32(&d.softStop) == 1 {
			conn.Close()
			continue
		}
		d.acceptConn(conn)
	}
}

func (d *Dispatcher) acceptConn(conn net.Conn) {
	id := d.reg.nextID()
	s := newSession(id, conn)
	d.reg.add(s)
	d.store.RegisterClient(id)

	d.connWG.Add(1)
	go func() {
		defer d.connWG.Done()
		d.connLoop(s)
	}()
}

// connLoop serializes request handling for one connection: it reads one
// opcode, submits the request to the worker pool (or answers
// temporarily_unavailable itself if the pool is saturated), and does not
// read the next opcode until that request's response — immediate or,
// for a deferred lock wait, asynchronous — has gone out.
func (d *Dispatcher) connLoop(s *session) {
	defer d.cleanupSession(s)

	for {
		op, err := s.codec.ReadOpcode()
		if err != nil {
			return
		}

		done := make(chan struct {
			keepOpen bool
			deferred bool
		}, 1)
		submitted := d.pool.Submit(func() {
			keepOpen, deferred := d.h.process(s.id, s.codec, op)
			done <- struct {
				keepOpen bool
				deferred bool
			}{keepOpen, deferred}
		})

		var keepOpen, deferred bool
		if !submitted {
			keepOpen = d.h.rejectOverloaded(s.id, s.codec, op)
		} else {
			outcome := <-done
			keepOpen, deferred = outcome.keepOpen, outcome.deferred
		}
		if d.h.metric != nil {
			d.h.metric.WorkerQueueDepth.Set(float64(d.pool.QueueDepth()))
		}
		if !keepOpen {
			return
		}
		if deferred {
			<-s.woken
		}
	}
}

func (d *Dispatcher) cleanupSession(s *session) {
	if !s.markClosed() {
		return
	}
	d.reg.remove(s.id)
	s.conn.Close()
	d.store.Disconnect(s.id)
}

// Shutdown stops the dispatcher. soft=true stops accepting new connections
// but waits for every in-flight connection to finish on its own (clients
// disconnecting normally); soft=false closes the listener and every open
// connection immediately, letting in-flight worker tasks run to completion
// (§4.8, §5).
func (d *Dispatcher) Shutdown(soft bool) {
	if soft {
		atomic.StoreInt32(&d.softStop, 1)
		d.listener.Close()
		d.connWG.Wait()
	} else {
		d.listener.Close()
		d.reg.closeAll()
		d.connWG.Wait()
	}
	d.pool.Stop()
}
