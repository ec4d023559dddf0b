// Package storage implements the core storage engine: FileEntry and
// ClientEntry data, the capacity-bounded file table, the eviction selector,
// and the request operations (open/write/append/read/read_many/lock/
// unlock/remove/close/disconnect) described by the specification.
package storage

import (
	"time"

	"github.com/iretes/filestorageserver/internal/wire"
)

// ConnID identifies a connection for the lifetime of the connection. It is
// opaque to storage — ownership, membership and waiter lists are tracked by
// value, never by pointer, so a FileEntry or ClientEntry never holds a
// direct reference to the other; lookups always go back through the
// connection-id keyed table under that table's own shard lock.
type ConnID string

// NoOwner is the sentinel value of OwnerOfLock / WritePermit when no
// connection holds them.
const NoOwner ConnID = ""

// Policy selects the eviction algorithm.
type Policy int

const (
	FIFO Policy = iota
	LRU
	LFU
	LW
)

func (p Policy) String() string {
	switch p {
	case FIFO:
		return "FIFO"
	case LRU:
		return "LRU"
	case LFU:
		return "LFU"
	case LW:
		return "LW"
	default:
		return "UNKNOWN"
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "FIFO":
		return FIFO, true
	case "LRU":
		return LRU, true
	case "LFU":
		return LFU, true
	case "LW":
		return LW, true
	default:
		return FIFO, false
	}
}

// Config bounds and shapes a Storage instance, taken from the external
// configuration file (§6).
type Config struct {
	MaxFiles        int
	MaxBytes        int64
	MaxLocks        int // shard count for the path-keyed table
	ExpectedClients int // sizing hint for the connection-keyed table
	Policy          Policy
}

// Evicted describes one file removed to make room for an insertion or
// growth; handlers propagate it to the requester and, via WaiterNotifier,
// to its former waiters.
type Evicted struct {
	Path        string
	Content     []byte
	PendingLock []ConnID
}

// Result is the outcome of a storage operation. Code is always populated;
// the other fields are populated only for the operations that use them.
// Deferred is set when the response must not be sent yet because the
// request was queued as a lock waiter — the eventual grant/denial arrives
// asynchronously through WaiterNotifier.
type Result struct {
	Code     wire.ResponseCode
	Deferred bool
	Content  []byte
	Evicted  []Evicted
	Files    []ReadManyFile // for read_many
}

// ReadManyFile is one entry of a read_many response.
type ReadManyFile struct {
	Path    string
	Content []byte
}

// WaiterNotifier is implemented by the dispatch layer. Storage calls it to
// deliver responses that were deferred (lock hand-off) or to notify
// waiters that their target file vanished (remove/eviction). A non-nil
// error means the write to that connection failed, i.e. it is considered
// disconnected; the caller feeds the id back into Storage.Disconnect.
type WaiterNotifier interface {
	NotifyGranted(conn ConnID, path string) error
	NotifyDenied(conn ConnID, path string, code wire.ResponseCode) error
}

func nowMonotonic() time.Time {
	return time.Now()
}
