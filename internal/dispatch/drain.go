package dispatch

import (
	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

// rejectOverloaded implements the one exception to "requests run on a
// worker goroutine": when the pool's queue is already full, the connection
// goroutine itself reads the rest of this one request off the wire — so
// the stream stays framed for the next request — and answers
// temporarily_unavailable in place, without touching storage (§4.8).
func (h *handlers) rejectOverloaded(c storage.ConnID, codec *wire.Codec, op wire.Opcode) bool {
	if !drainFields(codec, op) {
		return false
	}
	if err := codec.WriteResponseCode(wire.TemporarilyUnavailable); err != nil {
		return false
	}
	h.logOutcome(op.String(), "temporarily_unavailable", c, "", 0)
	return true
}

// drainFields reads and discards the fields that follow op's opcode byte,
// per the wire shapes in §6, so the stream stays framed even though the
// request is not being processed. Returns false on connection-fatal error.
func drainFields(codec *wire.Codec, op wire.Opcode) bool {
	switch op {
	case wire.OpenNoFlags, wire.OpenCreate, wire.OpenLock, wire.OpenCreateLock,
		wire.Read, wire.Lock, wire.Unlock, wire.Remove, wire.Close:
		_, err := codec.ReadPath()
		return err == nil || err == wire.ErrPathTooLong
	case wire.Write, wire.Append:
		_, err := codec.ReadPath()
		if err != nil && err != wire.ErrPathTooLong {
			return false
		}
		if _, err := codec.ReadBlob(); err != nil {
			return false
		}
		return true
	case wire.ReadMany:
		_, err := codec.ReadI32()
		return err == nil
	default:
		return true
	}
}
