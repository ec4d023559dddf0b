package dispatch

import (
	"errors"

	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

// errConnGone is returned when the target of a hand-off notification is no
// longer registered — it disconnected before the notification could be
// delivered.
var errConnGone = errors.New("dispatch: connection no longer registered")

// notifier implements storage.WaiterNotifier by writing directly to the
// target connection's socket. It runs on whatever goroutine performed the
// unlock/close/remove/disconnect that produced the hand-off — never on the
// originally-blocked connection's own read loop, which is parked waiting on
// session.woken until this write lands (§4.6, §9).
type notifier struct {
	reg *registry
}

func newNotifier(reg *registry) *notifier {
	return &notifier{reg: reg}
}

func (n *notifier) NotifyGranted(conn storage.ConnID, path string) error {
	s, ok := n.reg.get(conn)
	if !ok {
		return errConnGone
	}
	if err := s.codec.WriteResponseCode(wire.OK); err != nil {
		return err
	}
	s.wake(deferredOutcome{granted: true, code: wire.OK, path: path})
	return nil
}

func (n *notifier) NotifyDenied(conn storage.ConnID, path string, code wire.ResponseCode) error {
	s, ok := n.reg.get(conn)
	if !ok {
		return errConnGone
	}
	if err := s.codec.WriteResponseCode(code); err != nil {
		return err
	}
	s.wake(deferredOutcome{granted: false, code: code, path: path})
	return nil
}

func (s *session) wake(o deferredOutcome) {
	select {
	case s.woken <- o:
	default:
		// A session only ever has one outstanding deferred wait; a full
		// channel means it was already woken (e.g. by a racing disconnect).
	}
}
