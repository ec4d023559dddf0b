// Command fscli is a minimal headless client for driving the storage
// server's wire protocol directly, useful for integration tests and manual
// poking at a running server. It is not the client-side convenience
// library described in §1 — that library's retry/reconnect contract is
// explicitly out of this core's scope.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/iretes/filestorageserver/internal/wire"
)

var opcodes = map[string]wire.Opcode{
	"open":             wire.OpenNoFlags,
	"open_create":      wire.OpenCreate,
	"open_lock":        wire.OpenLock,
	"open_create_lock": wire.OpenCreateLock,
	"write":            wire.Write,
	"append":           wire.Append,
	"read":             wire.Read,
	"read_many":        wire.ReadMany,
	"lock":             wire.Lock,
	"unlock":           wire.Unlock,
	"remove":           wire.Remove,
	"close":            wire.Close,
}

func main() {
	var socketPath string
	pflag.StringVarP(&socketPath, "socket", "s", "/tmp/fsserver.sock", "server socket path")
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: fscli -s <socket> <op> [path] [data|n]")
		os.Exit(2)
	}

	op, ok := opcodes[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "fscli: unknown operation %q\n", args[0])
		os.Exit(2)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fscli: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	codec := wire.New(conn, conn)

	if err := codec.WriteOpcode(op); err != nil {
		fail("write opcode", err)
	}

	switch op {
	case wire.ReadMany:
		n := int32(-1)
		if len(args) > 1 {
			fmt.Sscanf(args[1], "%d", &n)
		}
		if err := codec.WriteI32(n); err != nil {
			fail("write n", err)
		}
	case wire.Write, wire.Append:
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "fscli: write/append require <path> <data>")
			os.Exit(2)
		}
		if err := codec.WritePath(args[1]); err != nil {
			fail("write path", err)
		}
		if err := codec.WriteBlob([]byte(args[2])); err != nil {
			fail("write blob", err)
		}
	default:
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "fscli: operation requires <path>")
			os.Exit(2)
		}
		if err := codec.WritePath(args[1]); err != nil {
			fail("write path", err)
		}
	}

	code, err := codec.ReadResponseCode()
	if err != nil {
		fail("read response", err)
	}
	fmt.Println(code)
	if code != wire.OK {
		return
	}

	switch op {
	case wire.Read:
		data, err := codec.ReadBlob()
		if err != nil {
			fail("read blob", err)
		}
		os.Stdout.Write(data)
		fmt.Println()
	case wire.ReadMany:
		printTriples(codec)
	case wire.Write, wire.Append:
		printTriples(codec)
	}
}

func printTriples(codec *wire.Codec) {
	count, err := codec.ReadSize()
	if err != nil {
		fail("read count", err)
	}
	for i := uint64(0); i < count; i++ {
		path, err := codec.ReadPath()
		if err != nil {
			fail("read path", err)
		}
		data, err := codec.ReadBlob()
		if err != nil {
			fail("read blob", err)
		}
		fmt.Printf("%s (%d bytes)\n", path, len(data))
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "fscli: %s: %v\n", step, err)
	os.Exit(1)
}
