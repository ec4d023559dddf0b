package dispatch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iretes/filestorageserver/internal/wire"
)

func TestValidatePath(t *testing.T) {
	assert.Equal(t, wire.InvalidPath, validatePath(""))
	assert.Equal(t, wire.InvalidPath, validatePath("relative/path"))
	assert.Equal(t, wire.InvalidPath, validatePath("/has,comma"))
	assert.Equal(t, wire.TooLongPath, validatePath("/"+strings.Repeat("x", wire.PathMax)))
	assert.Equal(t, wire.OK, validatePath("/ok/path"))
}

func TestHandleOpenCreateThenWriteThenRead(t *testing.T) {
	h := newTestHandlers()
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)

	require.NoError(t, codec.WritePath("/a"))
	keepOpen, deferred := h.handleOpen("c1", codec, wire.OpenCreateLock)
	assert.True(t, keepOpen)
	assert.False(t, deferred)
	code, err := codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.OK, code)

	require.NoError(t, codec.WritePath("/a"))
	require.NoError(t, codec.WriteBlob([]byte("hello")))
	keepOpen = h.handleWrite("c1", codec)
	assert.True(t, keepOpen)
	code, err = codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.OK, code)
	evictedCount, err := codec.ReadSize()
	require.NoError(t, err)
	assert.Zero(t, evictedCount)

	require.NoError(t, codec.WritePath("/a"))
	keepOpen = h.handleRead("c1", codec)
	assert.True(t, keepOpen)
	code, err = codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.OK, code)
	data, err := codec.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestHandleOpenInvalidPathKeepsConnectionOpen(t *testing.T) {
	h := newTestHandlers()
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)

	require.NoError(t, codec.WritePath("not-absolute"))
	keepOpen, deferred := h.handleOpen("c1", codec, wire.OpenCreate)
	assert.True(t, keepOpen)
	assert.False(t, deferred)

	code, err := codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.InvalidPath, code)
}

func TestHandleLockDefersAndOmitsResponse(t *testing.T) {
	h := newTestHandlers()
	var setup bytes.Buffer
	setupCodec := wire.New(&setup, &setup)
	require.NoError(t, setupCodec.WritePath("/a"))
	_, _ = h.handleOpen("owner", setupCodec, wire.OpenCreateLock)
	_, err := setupCodec.ReadResponseCode()
	require.NoError(t, err)

	var openBuf bytes.Buffer
	openCodec := wire.New(&openBuf, &openBuf)
	require.NoError(t, openCodec.WritePath("/a"))
	_, _ = h.handleOpen("waiter", openCodec, wire.OpenNoFlags)
	_, err = openCodec.ReadResponseCode()
	require.NoError(t, err)

	var lockBuf bytes.Buffer
	lockCodec := wire.New(&lockBuf, &lockBuf)
	require.NoError(t, lockCodec.WritePath("/a"))
	keepOpen, deferred := h.handleLock("waiter", lockCodec)
	assert.True(t, keepOpen)
	assert.True(t, deferred, "lock on an already-owned file must defer, not respond")
	assert.Zero(t, lockBuf.Len(), "no response is written while deferred")
}

func TestHandleRemoveUnknownPath(t *testing.T) {
	h := newTestHandlers()
	var buf bytes.Buffer
	codec := wire.New(&buf, &buf)
	require.NoError(t, codec.WritePath("/missing"))

	keepOpen := h.handleRemove("c1", codec)
	assert.True(t, keepOpen)
	code, err := codec.ReadResponseCode()
	require.NoError(t, err)
	assert.Equal(t, wire.FileNotExists, code)
}
