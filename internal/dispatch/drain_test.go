package dispatch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iretes/filestorageserver/internal/storage"
	"github.com/iretes/filestorageserver/internal/wire"
)

func newTestHandlers() *handlers {
	reg := NewRegistry()
	n := NewNotifier(reg)
	store := storage.New(storage.Config{MaxFiles: 10, MaxBytes: 1 << 20, MaxLocks: 4, ExpectedClients: 4, Policy: storage.FIFO}, n)
	return newHandlers(store, nil, nil, nil)
}

func TestDrainFieldsPathOnlyOps(t *testing.T) {
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)
	require.NoError(t, codec.WritePath("/a"))

	ok := drainFields(codec, wire.Read)
	assert.True(t, ok)
}

func TestDrainFieldsWriteConsumesPathAndBlob(t *testing.T) {
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)
	require.NoError(t, codec.WritePath("/a"))
	require.NoError(t, codec.WriteBlob([]byte("payload")))
	require.NoError(t, codec.WriteOpcode(wire.Read)) // marker

	ok := drainFields(codec, wire.Write)
	assert.True(t, ok)

	marker, err := codec.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, wire.Read, marker, "stream stays framed after draining write's fields")
}

func TestDrainFieldsReadManyConsumesCount(t *testing.T) {
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)
	require.NoError(t, codec.WriteI32(5))

	ok := drainFields(codec, wire.ReadMany)
	assert.True(t, ok)
}

func TestDrainFieldsFailsOnConnLoss(t *testing.T) {
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf) // nothing written: read will fail

	ok := drainFields(codec, wire.Read)
	assert.False(t, ok)
}

func TestRejectOverloadedRespondsAndStaysFramed(t *testing.T) {
	h := newTestHandlers()
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)
	require.NoError(t, codec.WritePath("/a"))
	require.NoError(t, codec.WriteOpcode(wire.Read)) // marker for next request

	ok := h.rejectOverloaded("c1", codec, wire.Read)
	assert.True(t, ok)

	// Request and response share one buffer: the response byte was appended
	// after the marker, so the marker is read back first.
	marker, err := codec.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, wire.Read, marker)

	code, err := codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.TemporarilyUnavailable, code)
}
