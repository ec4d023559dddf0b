// Package wire implements the framed request/response protocol spoken over
// the server's listening socket: a single opcode byte followed by
// opcode-dependent fields, and a single response-code byte followed by
// code-dependent fields. All multi-byte integers use the host's native byte
// order — the protocol is explicitly not meant to cross machines (§4.1).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Opcode identifies the kind of request a client sent. Values match the
// bitmask used for open_* modes directly: bit 0 is "create", bit 1 is
// "lock", so OpenNoFlags/OpenCreate/OpenLock/OpenCreateLock enumerate all
// four combinations in ascending numeric order.
type Opcode uint8

const (
	OpenNoFlags Opcode = iota
	OpenCreate
	OpenLock
	OpenCreateLock
	Write
	Append
	Read
	ReadMany
	Lock
	Unlock
	Remove
	Close
)

func (o Opcode) String() string {
	switch o {
	case OpenNoFlags:
		return "open_noflags"
	case OpenCreate:
		return "open_create"
	case OpenLock:
		return "open_lock"
	case OpenCreateLock:
		return "open_create_lock"
	case Write:
		return "write"
	case Append:
		return "append"
	case Read:
		return "read"
	case ReadMany:
		return "read_many"
	case Lock:
		return "lock"
	case Unlock:
		return "unlock"
	case Remove:
		return "remove"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// IncludesCreate reports whether the open mode carried by this opcode
// creates a new file if one does not exist.
func (o Opcode) IncludesCreate() bool { return o == OpenCreate || o == OpenCreateLock }

// IncludesLock reports whether the open mode carried by this opcode also
// requests the lock.
func (o Opcode) IncludesLock() bool { return o == OpenLock || o == OpenCreateLock }

// ResponseCode is the first byte of every response.
type ResponseCode uint8

const (
	OK ResponseCode = iota
	NotRecognizedOp
	TooLongPath
	TooLongContent
	InvalidPath
	FileNotExists
	FileAlreadyExists
	FileAlreadyOpen
	FileAlreadyLocked
	OperationNotPermitted
	TemporarilyUnavailable
	CouldNotEvict
)

func (c ResponseCode) String() string {
	switch c {
	case OK:
		return "ok"
	case NotRecognizedOp:
		return "not_recognized_op"
	case TooLongPath:
		return "too_long_path"
	case TooLongContent:
		return "too_long_content"
	case InvalidPath:
		return "invalid_path"
	case FileNotExists:
		return "file_not_exists"
	case FileAlreadyExists:
		return "file_already_exists"
	case FileAlreadyOpen:
		return "file_already_open"
	case FileAlreadyLocked:
		return "file_already_locked"
	case OperationNotPermitted:
		return "operation_not_permitted"
	case TemporarilyUnavailable:
		return "temporarily_unavailable"
	case CouldNotEvict:
		return "could_not_evict"
	default:
		return fmt.Sprintf("response(%d)", uint8(c))
	}
}

// ErrConnLost is returned by any codec operation that observes EOF-before-
// completion on read, or a broken pipe on write — both are treated as
// connection loss per §4.1.
var ErrConnLost = errors.New("wire: connection lost")

// PathMax bounds the size of a path accepted by the server (§6).
const PathMax = 4096

// pathDrainMax bounds how large a claimed path size ReadPath will still
// drain from the stream before giving up and treating the connection as
// lost. Keeps a client that sent a wildly wrong size from forcing the
// server to buffer or block indefinitely.
const pathDrainMax = 1 << 20

// ErrPathTooLong is returned by ReadPath when the sender's declared size
// exceeds PathMax. The oversize bytes are still drained from the stream so
// the connection stays framed and the caller may respond too_long_path
// instead of dropping the connection.
var ErrPathTooLong = errors.New("wire: path too long")

// Codec performs short-read-safe framed I/O for one connection.
type Codec struct {
	r io.Reader
	w io.Writer
}

// New wraps a connection's reader and writer halves. Most callers pass the
// same net.Conn for both.
func New(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: r, w: w}
}

func (c *Codec) readFull(buf []byte) error {
	_, err := io.ReadFull(c.r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrConnLost
		}
		return err
	}
	return nil
}

func (c *Codec) writeFull(buf []byte) error {
	_, err := c.w.Write(buf)
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrShortWrite) || errors.Is(err, syscall.EPIPE) {
			return ErrConnLost
		}
		return err
	}
	return nil
}

// ReadOpcode reads the single opcode byte that begins every request.
func (c *Codec) ReadOpcode() (Opcode, error) {
	var b [1]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return Opcode(b[0]), nil
}

// WriteOpcode writes a single opcode byte. Used only by test clients.
func (c *Codec) WriteOpcode(op Opcode) error {
	return c.writeFull([]byte{byte(op)})
}

// ReadResponseCode reads the single response-code byte.
func (c *Codec) ReadResponseCode() (ResponseCode, error) {
	var b [1]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return ResponseCode(b[0]), nil
}

// WriteResponseCode writes the single response-code byte.
func (c *Codec) WriteResponseCode(code ResponseCode) error {
	return c.writeFull([]byte{byte(code)})
}

// ReadSize reads a fixed-width unsigned count.
func (c *Codec) ReadSize() (uint64, error) {
	var b [8]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}

// WriteSize writes a fixed-width unsigned count.
func (c *Codec) WriteSize(n uint64) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], n)
	return c.writeFull(b[:])
}

// ReadI32 reads a signed 32-bit integer (used by read_many's n).
func (c *Codec) ReadI32() (int32, error) {
	var b [4]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.NativeEndian.Uint32(b[:])), nil
}

// WriteI32 writes a signed 32-bit integer.
func (c *Codec) WriteI32(n int32) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], uint32(n))
	return c.writeFull(b[:])
}

// ReadPath reads a size-prefixed, NUL-terminated path. size is the number
// of bytes of the path including its terminating NUL; it must be >= 1.
func (c *Codec) ReadPath() (string, error) {
	size, err := c.ReadSize()
	if err != nil {
		return "", err
	}
	if size < 1 {
		return "", fmt.Errorf("wire: invalid path length %d", size)
	}
	if size > PathMax {
		if size > pathDrainMax {
			return "", ErrConnLost
		}
		if _, err := io.CopyN(io.Discard, c.r, int64(size)); err != nil {
			return "", ErrConnLost
		}
		return "", ErrPathTooLong
	}
	buf := make([]byte, size)
	if err := c.readFull(buf); err != nil {
		return "", err
	}
	// Strip the trailing NUL the sender included in size.
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// WritePath writes a size-prefixed, NUL-terminated path.
func (c *Codec) WritePath(path string) error {
	if err := c.WriteSize(uint64(len(path) + 1)); err != nil {
		return err
	}
	if err := c.writeFull([]byte(path)); err != nil {
		return err
	}
	return c.writeFull([]byte{0})
}

// ReadBlob reads a size-prefixed byte blob. A size of 0 means no bytes
// follow.
func (c *Codec) ReadBlob() ([]byte, error) {
	size, err := c.ReadSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlob writes a size-prefixed byte blob. When data is empty, only the
// zero size prefix is written and no bytes follow.
func (c *Codec) WriteBlob(data []byte) error {
	if err := c.WriteSize(uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return c.writeFull(data)
}
