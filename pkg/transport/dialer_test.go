package transport

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/robotalks/peridot.go/pkg/link"
)

func echo(t *testing.T, port link.Port) {
	t.Helper()
	defer port.Close()
	_, err := port.Write([]byte{0x3a, 0x39, 0x7a})
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(port, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x3a, 0x39, 0x7a}, buf)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	port, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), link.DefaultBitrate)
	require.NoError(t, err)
	echo(t, port)
}

func TestDialWebSocket(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		io.Copy(conn, conn)
	}))
	defer srv.Close()

	port, err := Dial(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/", link.DefaultBitrate)
	require.NoError(t, err)
	require.Equal(t, byte(websocket.BinaryFrame), port.(*websocket.Conn).PayloadType)
	echo(t, port)
}

func TestSimBoard(t *testing.T) {
	a := SimBoard("sim:J72N:ABCDEF-123456-789012")
	require.Same(t, a, SimBoard("sim:J72N:ABCDEF-123456-789012"))
	require.NotSame(t, a, SimBoard("sim:"))

	port, err := Dial(context.Background(), "sim:", link.DefaultBitrate)
	require.NoError(t, err)
	defer port.Close()
	_, err = port.Write([]byte{link.CommandMarker, link.CmdIdle})
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(port, buf)
	require.NoError(t, err)
	require.Zero(t, buf[0]&0x01)
}
