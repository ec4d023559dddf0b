package dispatch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

func newTestSession(id storage.ConnID) (*session, net.Conn) {
	serverSide, clientSide := net.Pipe()
	return newSession(id, serverSide), clientSide
}

func TestRegistryAddGetRemove(t *testing.T) {
	reg := newRegistry()
	s, clientSide := newTestSession("c1")
	defer clientSide.Close()
	defer s.conn.Close()

	reg.add(s)
	got, ok := reg.get("c1")
	require.True(t, ok)
	assert.Same(t, s, got)

	reg.remove("c1")
	_, ok = reg.get("c1")
	assert.False(t, ok)
}

func TestRegistryNextIDIsUnique(t *testing.T) {
	reg := newRegistry()
	seen := make(map[storage.ConnID]bool)
	for i := 0; i < 100; i++ {
		id := reg.nextID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestNotifierGrantedWritesResponseAndWakes(t *testing.T) {
	reg := newRegistry()
	s, clientSide := newTestSession("waiter")
	defer clientSide.Close()
	defer s.conn.Close()
	reg.add(s)

	n := newNotifier(reg)
	done := make(chan error, 1)
	go func() { done <- n.NotifyGranted("waiter", "/a") }()

	clientCodec := wire.New(clientSide, clientSide)
	code, err := clientCodec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.OK, code)
	require.NoError(t, <-done)

	outcome := <-s.woken
	assert.True(t, outcome.granted)
	assert.Equal(t, "/a", outcome.path)
}

func TestNotifierDeniedWritesResponseAndWakes(t *testing.T) {
	reg := newRegistry()
	s, clientSide := newTestSession("waiter")
	defer clientSide.Close()
	defer s.conn.Close()
	reg.add(s)

	n := newNotifier(reg)
	done := make(chan error, 1)
	go func() { done <- n.NotifyDenied("waiter", "/a", wire.FileNotExists) }()

	clientCodec := wire.New(clientSide, clientSide)
	code, err := clientCodec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.FileNotExists, code)
	require.NoError(t, <-done)

	outcome := <-s.woken
	assert.False(t, outcome.granted)
	assert.Equal(t, wire.FileNotExists, outcome.code)
}

func TestNotifierReturnsErrConnGoneWhenUnregistered(t *testing.T) {
	reg := newRegistry()
	n := newNotifier(reg)
	err := n.NotifyGranted("nobody", "/a")
	assert.ErrorIs(t, err, errConnGone)
}

func TestSessionWakeIsNonBlockingWhenAlreadyFull(t *testing.T) {
	s, clientSide := newTestSession("c1")
	defer clientSide.Close()
	defer s.conn.Close()

	s.wake(deferredOutcome{granted: true})
	assert.NotPanics(t, func() { s.wake(deferredOutcome{granted: false}) })
	outcome := <-s.woken
	assert.True(t, outcome.granted, "second wake is dropped, first one wins")
}

func TestRegistryCloseAllClosesSocketsAndWakesParkedSessions(t *testing.T) {
	reg := newRegistry()
	s, clientSide := newTestSession("c1")
	reg.add(s)

	reg.closeAll()

	buf := make([]byte, 1)
	_, err := clientSide.Read(buf)
	assert.Error(t, err, "server side closed, client read must fail")

	select {
	case <-s.woken:
	default:
		t.Fatal("closeAll must wake any parked session")
	}
}
