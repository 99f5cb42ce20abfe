package lsp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingMessage = `{"jsonrpc":"2.0","method":"ping","params":{"n":1}}`

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// roundTrip writes a message and expects the peer to echo it back.
func roundTrip(t *testing.T, s Stream) {
	t.Helper()
	ctx := testContext(t)
	require.NoError(t, s.Write(ctx, json.RawMessage(pingMessage)))
	got, err := s.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, pingMessage, string(got))
}

func TestStdioTransport(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	tr := &StdioTransport{Command: "cat", ExitTimeout: time.Second}

	s, err := tr.Connect(testContext(t))
	require.NoError(t, err)
	roundTrip(t, s)

	_, err = tr.Connect(testContext(t))
	assert.ErrorContains(t, err, "already running")

	require.NoError(t, tr.Dispose())
	require.NoError(t, tr.Dispose())

	// A disposed transport can connect again.
	s, err = tr.Connect(testContext(t))
	require.NoError(t, err)
	roundTrip(t, s)
	require.NoError(t, tr.Dispose())
}

func TestStdioTransportMissingCommand(t *testing.T) {
	tr := &StdioTransport{Command: "lspclient-no-such-server"}
	_, err := tr.Connect(testContext(t))
	assert.ErrorContains(t, err, "lspclient-no-such-server")
	assert.NoError(t, tr.Dispose())
}

func TestSocketTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		peer := NewHeaderStream(conn, conn, conn)
		defer peer.Close()
		ctx := context.Background()
		for {
			msg, err := peer.Read(ctx)
			if err != nil {
				return
			}
			if err := peer.Write(ctx, msg); err != nil {
				return
			}
		}
	}()

	tr := &SocketTransport{Address: ln.Addr().String()}
	s, err := tr.Connect(testContext(t))
	require.NoError(t, err)
	roundTrip(t, s)

	require.NoError(t, tr.Dispose())
	require.NoError(t, tr.Dispose())
}

func TestSocketTransportDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := &SocketTransport{Network: "tcp", Address: addr}
	_, err = tr.Connect(testContext(t))
	assert.ErrorContains(t, err, addr)
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := &WebSocketTransport{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	s, err := tr.Connect(testContext(t))
	require.NoError(t, err)
	roundTrip(t, s)

	require.NoError(t, tr.Dispose())
	require.NoError(t, tr.Dispose())
}

func TestPipeTransportRequiresServer(t *testing.T) {
	tr := &PipeTransport{}
	_, err := tr.Connect(testContext(t))
	assert.Error(t, err)
}
