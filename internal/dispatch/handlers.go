package dispatch

import (
	"strings"

	"go.uber.org/zap"

	"github.com/iretes/filestorageserver/internal/audit"
	"github.com/iretes/filestorageserver/internal/metrics"
	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

// handlers wires one RequestHandlers-per-opcode surface on top of a Storage
// engine, a codec, and the ambient logging/metrics/audit collaborators
// (§4.7).
type handlers struct {
	store  *storage.Storage
	log    *zap.Logger
	audit  *audit.Logger
	metric *metrics.Registry
}

func newHandlers(store *storage.Storage, log *zap.Logger, al *audit.Logger, m *metrics.Registry) *handlers {
	return &handlers{store: store, log: log, audit: al, metric: m}
}

// validatePath applies the server-side path validation of §6, returning a
// non-OK response code when the path is unusable. The zero value means the
// path passed validation.
func validatePath(path string) wire.ResponseCode {
	if len(path) == 0 {
		return wire.InvalidPath
	}
	if len(path) > wire.PathMax-1 {
		return wire.TooLongPath
	}
	if path[0] != '/' {
		return wire.InvalidPath
	}
	if strings.ContainsRune(path, ',') {
		return wire.InvalidPath
	}
	return wire.OK
}

// process dispatches an already-read opcode to its handler, which reads
// the remainder of the request and writes exactly one response (or none,
// for a deferred lock wait — the eventual response is delivered later by
// the notifier, signaled by the second return value). The first return
// value is false when the connection should be closed: protocol framing
// was lost, or the opcode was not recognized.
func (h *handlers) process(c storage.ConnID, codec *wire.Codec, op wire.Opcode) (keepOpen, deferred bool) {
	switch op {
	case wire.OpenNoFlags, wire.OpenCreate, wire.OpenLock, wire.OpenCreateLock:
		return h.handleOpen(c, codec, op)
	case wire.Write:
		return h.handleWrite(c, codec), false
	case wire.Append:
		return h.handleAppend(c, codec), false
	case wire.Read:
		return h.handleRead(c, codec), false
	case wire.ReadMany:
		return h.handleReadMany(c, codec), false
	case wire.Lock:
		return h.handleLock(c, codec)
	case wire.Unlock:
		return h.handleSimplePathOp(c, codec, "unlock", h.store.Unlock), false
	case wire.Remove:
		return h.handleRemove(c, codec), false
	case wire.Close:
		return h.handleSimplePathOp(c, codec, "close", h.store.Close), false
	default:
		_ = codec.WriteResponseCode(wire.NotRecognizedOp)
		h.logOutcome("not_recognized_op", "not_recognized_op", c, "", 0)
		return false, false
	}
}

// readPathOrRespond reads and validates a path field. ok is true only when
// path is usable and the caller should proceed with its storage call;
// otherwise the caller must return keepOpen as its own result — either a
// response was already written for a validation failure (keepOpen=true) or
// the connection was lost mid-read (keepOpen=false, nothing written).
func (h *handlers) readPathOrRespond(codec *wire.Codec, op string, c storage.ConnID) (path string, keepOpen bool, ok bool) {
	path, err := codec.ReadPath()
	if err == wire.ErrPathTooLong {
		_ = codec.WriteResponseCode(wire.TooLongPath)
		h.logOutcome(op, "too_long_path", c, "", 0)
		return "", true, false
	}
	if err != nil {
		return "", false, false
	}
	if code := validatePath(path); code != wire.OK {
		_ = codec.WriteResponseCode(code)
		h.logOutcome(op, code.String(), c, path, 0)
		return "", true, false
	}
	return path, true, true
}

func (h *handlers) handleOpen(c storage.ConnID, codec *wire.Codec, op wire.Opcode) (bool, bool) {
	path, keepOpen, ok := h.readPathOrRespond(codec, "open", c)
	if !ok {
		return keepOpen, false
	}
	res := h.store.Open(c, path, op)
	if res.Deferred {
		h.logOutcome("open", "waiting", c, path, 0)
		return true, true
	}
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false, false
	}
	if len(res.Evicted) > 0 && h.metric != nil {
		h.metric.EvictionsTotal.Add(float64(len(res.Evicted)))
	}
	h.logOutcome("open", res.Code.String(), c, path, 0)
	return true, false
}

func (h *handlers) handleWrite(c storage.ConnID, codec *wire.Codec) bool {
	path, keepOpen, ok := h.readPathOrRespond(codec, "write", c)
	if !ok {
		return keepOpen
	}
	data, err := codec.ReadBlob()
	if err != nil {
		return false
	}
	res := h.store.Write(c, path, data)
	if err := h.respondWithEvicted(codec, res); err != nil {
		return false
	}
	h.logOutcome("write", res.Code.String(), c, path, len(data))
	return true
}

func (h *handlers) handleAppend(c storage.ConnID, codec *wire.Codec) bool {
	path, keepOpen, ok := h.readPathOrRespond(codec, "append", c)
	if !ok {
		return keepOpen
	}
	data, err := codec.ReadBlob()
	if err != nil {
		return false
	}
	res := h.store.Append(c, path, data)
	if err := h.respondWithEvicted(codec, res); err != nil {
		return false
	}
	h.logOutcome("append", res.Code.String(), c, path, len(data))
	return true
}

func (h *handlers) respondWithEvicted(codec *wire.Codec, res storage.Result) error {
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return err
	}
	if res.Code != wire.OK {
		return nil
	}
	if err := codec.WriteSize(uint64(len(res.Evicted))); err != nil {
		return err
	}
	for _, ev := range res.Evicted {
		if err := codec.WritePath(ev.Path); err != nil {
			return err
		}
		if err := codec.WriteBlob(ev.Content); err != nil {
			return err
		}
	}
	if len(res.Evicted) > 0 && h.metric != nil {
		h.metric.EvictionsTotal.Add(float64(len(res.Evicted)))
	}
	return nil
}

func (h *handlers) handleRead(c storage.ConnID, codec *wire.Codec) bool {
	path, keepOpen, ok := h.readPathOrRespond(codec, "read", c)
	if !ok {
		return keepOpen
	}
	res := h.store.Read(c, path)
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false
	}
	if res.Code == wire.OK {
		if err := codec.WriteBlob(res.Content); err != nil {
			return false
		}
	}
	h.logOutcome("read", res.Code.String(), c, path, len(res.Content))
	return true
}

func (h *handlers) handleReadMany(c storage.ConnID, codec *wire.Codec) bool {
	n, err := codec.ReadI32()
	if err != nil {
		return false
	}
	res := h.store.ReadMany(c, n)
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false
	}
	if res.Code != wire.OK {
		h.logOutcome("read_many", res.Code.String(), c, "", 0)
		return true
	}
	if err := codec.WriteSize(uint64(len(res.Files))); err != nil {
		return false
	}
	total := 0
	for _, f := range res.Files {
		if err := codec.WritePath(f.Path); err != nil {
			return false
		}
		if err := codec.WriteBlob(f.Content); err != nil {
			return false
		}
		total += len(f.Content)
	}
	h.logOutcome("read_many", "ok", c, "", total)
	return true
}

func (h *handlers) handleLock(c storage.ConnID, codec *wire.Codec) (bool, bool) {
	path, keepOpen, ok := h.readPathOrRespond(codec, "lock", c)
	if !ok {
		return keepOpen, false
	}
	res := h.store.Lock(c, path)
	if res.Deferred {
		h.logOutcome("lock", "waiting", c, path, 0)
		return true, true
	}
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false, false
	}
	h.logOutcome("lock", res.Code.String(), c, path, 0)
	return true, false
}

func (h *handlers) handleRemove(c storage.ConnID, codec *wire.Codec) bool {
	path, keepOpen, ok := h.readPathOrRespond(codec, "remove", c)
	if !ok {
		return keepOpen
	}
	res := h.store.Remove(c, path)
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false
	}
	h.logOutcome("remove", res.Code.String(), c, path, 0)
	return true
}

// handleSimplePathOp covers unlock and close: read a path, call op, respond
// with its code. Both share the same wire shape.
func (h *handlers) handleSimplePathOp(c storage.ConnID, codec *wire.Codec, name string, op func(storage.ConnID, string) storage.Result) bool {
	path, keepOpen, ok := h.readPathOrRespond(codec, name, c)
	if !ok {
		return keepOpen
	}
	res := op(c, path)
	if err := codec.WriteResponseCode(res.Code); err != nil {
		return false
	}
	h.logOutcome(name, res.Code.String(), c, path, 0)
	return true
}

func (h *handlers) logOutcome(op, outcome string, c storage.ConnID, path string, bytesProcessed int) {
	stats := h.store.Stats()
	if h.metric != nil {
		h.metric.RequestsTotal.WithLabelValues(op, outcome).Inc()
		h.metric.CurFiles.Set(float64(stats.CurFiles))
		h.metric.CurBytes.Set(float64(stats.CurBytes))
		h.metric.PeakFiles.Set(float64(stats.PeakFiles))
		h.metric.PeakBytes.Set(float64(stats.PeakBytes))
		h.metric.ConnectedClients.Set(float64(stats.ConnectedCount))
	}
	if h.audit != nil {
		h.audit.Write(audit.Record{
			Operation:      op,
			Outcome:        outcome,
			ClientID:       string(c),
			File:           path,
			BytesProcessed: audit.Itoa(bytesProcessed),
			CurrFiles:      audit.Itoa(stats.CurFiles),
			CurrBytes:      audit.Itoa64(stats.CurBytes),
			CurrClients:    audit.Itoa(stats.ConnectedCount),
		})
	}
	if h.log != nil {
		h.log.Debug("request served",
			zap.String("op", op),
			zap.String("outcome", outcome),
			zap.String("conn", string(c)),
			zap.String("path", path),
		)
	}
}
