package adb

import (
	"context"
	"crypto/sha1" //nolint:gosec // mock adbd AUTH token fixture
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/goadb/core/credentials"
	"github.com/gosuda/goadb/core/wire"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func hostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestConnectHappyPath(t *testing.T) {
	ln := listenLoopback(t)
	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		if _, err := wire.Decode(conn, wire.DefaultMaxFrameSize); err != nil { // CNXN
			serverDone <- err
			return
		}
		reply := wire.New(wire.CmdCNXN, wire.Version, wire.MaxPayloadDefault, []byte("device::\x00"))
		serverDone <- writeMessage(conn, reply)
	}()

	cred, err := credentials.Generate("test")
	require.NoError(t, err)
	mgr := NewConnectionManager(cred, WithTimeout(2*time.Second))

	host, port := hostPort(t, ln)
	ok, err := mgr.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mgr.IsConnected())
	require.NoError(t, <-serverDone)
}

func TestConnectSameHostIsNoop(t *testing.T) {
	ln := listenLoopback(t)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wire.Decode(conn, wire.DefaultMaxFrameSize)
			writeMessage(conn, wire.New(wire.CmdCNXN, wire.Version, wire.MaxPayloadDefault, []byte("device::\x00")))
		}
	}()

	cred, err := credentials.Generate("test")
	require.NoError(t, err)
	mgr := NewConnectionManager(cred, WithTimeout(2*time.Second))

	host, port := hostPort(t, ln)
	ok, err := mgr.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConnectTokenSignature(t *testing.T) {
	ln := listenLoopback(t)
	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		if _, err := wire.Decode(conn, wire.DefaultMaxFrameSize); err != nil { // CNXN
			serverDone <- err
			return
		}
		token := make([]byte, sha1.Size)
		if err := writeMessage(conn, wire.New(wire.CmdAUTH, wire.AuthToken, 0, token)); err != nil {
			serverDone <- err
			return
		}
		sigMsg, err := wire.Decode(conn, wire.DefaultMaxFrameSize) // AUTH SIGNATURE
		if err != nil {
			serverDone <- err
			return
		}
		if sigMsg.Command != wire.CmdAUTH || sigMsg.Arg0 != wire.AuthSignature {
			serverDone <- fmt.Errorf("expected AUTH SIGNATURE, got %s arg0=%d", sigMsg.Command, sigMsg.Arg0)
			return
		}
		serverDone <- writeMessage(conn, wire.New(wire.CmdCNXN, wire.Version, wire.MaxPayloadDefault, []byte("device::\x00")))
	}()

	cred, err := credentials.Generate("test")
	require.NoError(t, err)
	mgr := NewConnectionManager(cred, WithTimeout(2*time.Second))

	host, port := hostPort(t, ln)
	ok, err := mgr.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-serverDone)
}

func TestConnectSecondTokenFailFast(t *testing.T) {
	ln := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wire.Decode(conn, wire.DefaultMaxFrameSize) // CNXN
		writeMessage(conn, wire.New(wire.CmdAUTH, wire.AuthToken, 0, make([]byte, sha1.Size)))
		wire.Decode(conn, wire.DefaultMaxFrameSize) // first signature
		writeMessage(conn, wire.New(wire.CmdAUTH, wire.AuthToken, 0, make([]byte, sha1.Size)))
	}()

	cred, err := credentials.Generate("test")
	require.NoError(t, err)
	mgr := NewConnectionManager(cred, WithTimeout(2*time.Second), WithFailFast(true))

	host, port := hostPort(t, ln)
	_, err = mgr.Connect(context.Background(), host, port)
	require.Error(t, err)
}

func TestOpenStreamEcho(t *testing.T) {
	ln := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wire.Decode(conn, wire.DefaultMaxFrameSize) // CNXN
		writeMessage(conn, wire.New(wire.CmdCNXN, wire.Version, wire.MaxPayloadDefault, []byte("device::\x00")))

		openMsg, err := wire.Decode(conn, wire.DefaultMaxFrameSize) // OPEN
		if err != nil {
			return
		}
		localID := openMsg.Arg0
		writeMessage(conn, wire.New(wire.CmdOKAY, 17, localID, nil))

		wrte, err := wire.Decode(conn, wire.DefaultMaxFrameSize) // WRTE "hello"
		if err != nil || string(wrte.Payload) != "hello" {
			return
		}
		writeMessage(conn, wire.New(wire.CmdOKAY, 17, localID, nil))
		writeMessage(conn, wire.New(wire.CmdWRTE, 17, localID, []byte("hello")))

		wire.Decode(conn, wire.DefaultMaxFrameSize) // client's OKAY ack of our WRTE
	}()

	cred, err := credentials.Generate("test")
	require.NoError(t, err)
	mgr := NewConnectionManager(cred, WithTimeout(2*time.Second))

	host, port := hostPort(t, ln)
	ok, err := mgr.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := mgr.OpenStream("echo:")
	require.NoError(t, err)

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func writeMessage(conn net.Conn, m wire.Message) error {
	buf := wire.Encode(m)
	defer buf.Reset()
	_, err := conn.Write(buf.B)
	return err
}
